package provider

import (
	"log/slog"
	"strings"
	"text/template"

	aiprompt "github.com/CWade3051/AIPrompt"
	defaults "github.com/CWade3051/AIPrompt/default"
)

// PromptData holds the data passed to the system prompt template.
type PromptData struct {
	Windows bool
	// CommandKey is the reply field that carries the runnable command.
	CommandKey string
	// OtherKey is the reply field that must stay empty on this host.
	OtherKey string
	Shell    string
	Platform string
}

func promptData(kind aiprompt.OSKind) PromptData {
	if kind == aiprompt.OSWindows {
		return PromptData{Windows: true, CommandKey: "powershell", OtherKey: "zsh", Shell: "PowerShell", Platform: "Windows"}
	}
	return PromptData{CommandKey: "zsh", OtherKey: "powershell", Shell: "ZSH", Platform: "Unix/macOS"}
}

// SystemPrompt renders tmplSrc (the built-in template when empty) for the
// given OS kind. A template that fails to parse or execute falls back to
// the built-in one.
func SystemPrompt(tmplSrc string, kind aiprompt.OSKind) string {
	if tmplSrc == "" {
		tmplSrc = defaults.DefaultPrompt
	}
	data := promptData(kind)

	t, err := template.New("prompt").Parse(tmplSrc)
	if err != nil {
		slog.Warn("failed to parse prompt template, falling back to default", "error", err)
		t = template.Must(template.New("prompt").Parse(defaults.DefaultPrompt))
	}

	var buf strings.Builder
	if err := t.Execute(&buf, data); err != nil {
		slog.Warn("failed to execute prompt template, falling back to default", "error", err)
		buf.Reset()
		template.Must(template.New("prompt").Parse(defaults.DefaultPrompt)).Execute(&buf, data)
	}
	return strings.TrimRight(buf.String(), " \t\n")
}
