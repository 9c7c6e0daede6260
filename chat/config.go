package chat

import (
	aiprompt "github.com/CWade3051/AIPrompt"
	"github.com/CWade3051/AIPrompt/runner"
	"github.com/CWade3051/AIPrompt/session"
)

// OpenConfigured builds a selector from cfg: the file store under the
// resolved sessions directory and a runner using the host's configured
// interpreter. The returned store must be closed by the caller after the
// selector.
func OpenConfigured(cfg *aiprompt.Config) (*Selector, *session.FileStore, error) {
	store, err := session.NewFileStore(aiprompt.ResolveSessionsDir(cfg))
	if err != nil {
		return nil, nil, err
	}
	shell, args := aiprompt.ResolveShell(cfg, aiprompt.CurrentOSKind())
	r := runner.New(
		runner.WithShell(shell, args...),
		runner.WithKillGrace(aiprompt.ResolveKillGrace(cfg)),
	)

	limit := DefaultTranscriptLines
	if cfg != nil && cfg.Sessions.TranscriptMaxLines != 0 {
		limit = cfg.Sessions.TranscriptMaxLines
	}
	sel := New(store, r, WithTranscriptLimit(limit))
	if _, err := sel.Open(); err != nil {
		store.Close()
		return nil, nil, err
	}
	return sel, store, nil
}
