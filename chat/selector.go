// Package chat coordinates the current session: which conversation is
// active, when it is persisted, and the command output that belongs to it.
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	aiprompt "github.com/CWade3051/AIPrompt"
	"github.com/CWade3051/AIPrompt/runner"
	"github.com/CWade3051/AIPrompt/session"
	"github.com/CWade3051/AIPrompt/sink"
)

// ErrNoIDs is returned by Delete when called without ids.
var ErrNoIDs = errors.New("no session ids given")

// DefaultTranscriptLines is the transcript cap used when none is configured.
const DefaultTranscriptLines = 5000

// Selector owns the single current session. Every session it makes current
// is persisted, so the store never holds zero sessions while a Selector is
// open. All methods are safe for concurrent use.
type Selector struct {
	store  session.Store
	runner *runner.Runner
	sink   *sink.Sink
	now    func() time.Time

	mu      sync.Mutex
	current *aiprompt.Session
	active  *Run
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock sets the time source used to stamp saves.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

// WithTranscriptLimit caps how many output lines a session retains.
func WithTranscriptLimit(n int) Option {
	return func(s *Selector) { s.sink = sink.New(n, nil) }
}

// New returns a selector over store that runs commands with r. Call Open
// before use, or let the first operation open it.
func New(store session.Store, r *runner.Runner, opts ...Option) *Selector {
	s := &Selector{
		store:  store,
		runner: r,
		sink:   sink.New(DefaultTranscriptLines, nil),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run is one command started through the selector.
type Run struct {
	// SessionID is the session whose transcript receives the output.
	SessionID string
	Command   string

	proc    *runner.Process
	drained chan struct{}
	done    chan struct{}
	flushed bool // guarded by Selector.mu
	result  runner.Result
}

// Done is closed once the command has finished and its output is persisted.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the command's outcome. It is final once Done is closed.
func (r *Run) Result() runner.Result {
	select {
	case <-r.done:
		return r.result
	default:
		return r.proc.Result()
	}
}

// Pid returns the interpreter's process id.
func (r *Run) Pid() int { return r.proc.Pid() }

// Open makes the newest readable session current, creating a blank one
// when the store is empty. Once a session is current, Open returns it.
func (s *Selector) Open() (*aiprompt.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return nil, err
	}
	return s.currentLocked(), nil
}

func (s *Selector) openLocked() error {
	infos, err := s.store.List()
	if err != nil {
		return err
	}
	for _, info := range infos {
		sess, err := s.store.Load(info.ID)
		if err != nil {
			slog.Warn("skipping unloadable session", "id", info.ID, "error", err)
			continue
		}
		s.makeCurrent(sess)
		slog.Info("session opened", "id", sess.ID, "title", sess.Title)
		return nil
	}
	return s.newChatLocked(false)
}

// ensureLocked opens the store on first use.
func (s *Selector) ensureLocked() error {
	if s.current != nil {
		return nil
	}
	return s.openLocked()
}

func (s *Selector) makeCurrent(sess *aiprompt.Session) {
	s.current = sess
	s.sink.Reset(sess.Transcript)
}

// currentLocked returns a copy of the current session carrying the live
// transcript.
func (s *Selector) currentLocked() *aiprompt.Session {
	c := s.current.Clone()
	c.Transcript = s.sink.Snapshot()
	return c
}

// Current returns a copy of the current session with its live transcript.
func (s *Selector) Current() (*aiprompt.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLocked(); err != nil {
		return nil, err
	}
	return s.currentLocked(), nil
}

// Output returns the retained output lines of the current session.
func (s *Selector) Output() []string {
	return s.sink.Snapshot()
}

// Active reports whether a command is running.
func (s *Selector) Active() bool {
	return s.runner.Active()
}

// List returns the stored sessions, newest first. If none remain, a blank
// session is created and made current first.
func (s *Selector) List() ([]aiprompt.SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.store.List()
	if err != nil {
		return nil, err
	}
	if len(infos) > 0 {
		return infos, nil
	}
	if s.current != nil {
		s.stopLocked()
	}
	if err := s.newChatLocked(false); err != nil {
		return nil, err
	}
	return []aiprompt.SessionInfo{s.current.Info()}, nil
}

// NewChat stops any running command, saves the current session and makes a
// fresh, already persisted session current.
func (s *Selector) NewChat() (*aiprompt.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if err := s.newChatLocked(s.current != nil); err != nil {
		return nil, err
	}
	return s.currentLocked(), nil
}

// newChatLocked creates and persists a blank session. When saveCurrent is
// set, the outgoing session is saved first and a failure aborts the switch.
func (s *Selector) newChatLocked(saveCurrent bool) error {
	if saveCurrent {
		if err := s.saveLocked(); err != nil {
			return err
		}
	}
	id, err := session.NewID()
	if err != nil {
		return err
	}
	sess := aiprompt.NewSession(id)
	sess.Timestamp = s.now()
	if err := s.store.Save(sess); err != nil {
		return err
	}
	s.current = sess
	s.sink.Clear()
	slog.Info("new chat", "id", id)
	return nil
}

// SwitchTo makes the session id current. The previous session is saved
// first. If the target cannot be loaded the previous session stays current
// and the load error (wrapping session.ErrNotFound or session.ErrCorrupt) is
// returned.
func (s *Selector) SwitchTo(id string) (*aiprompt.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(); err != nil {
		return nil, err
	}
	if err := s.switchLocked(id); err != nil {
		return nil, err
	}
	return s.currentLocked(), nil
}

func (s *Selector) switchLocked(id string) error {
	if s.current.ID == id {
		return nil
	}
	s.stopLocked()
	if err := s.saveLocked(); err != nil {
		return err
	}
	target, err := s.store.Load(id)
	if err != nil {
		slog.Warn("switch failed", "id", id, "error", err)
		return err
	}
	s.makeCurrent(target)
	slog.Info("switched chat", "id", id, "title", target.Title)
	return nil
}

// Delete removes the given sessions. If the current session was removed, or
// nothing remains, a fresh session becomes current; otherwise the newest
// remaining session does.
func (s *Selector) Delete(ids ...string) (*aiprompt.Session, error) {
	if len(ids) == 0 {
		return nil, ErrNoIDs
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(); err != nil {
		return nil, err
	}
	deletingCurrent := false
	for _, id := range ids {
		if id == s.current.ID {
			deletingCurrent = true
		}
	}
	if deletingCurrent {
		s.stopLocked()
	}
	if err := s.saveLocked(); err != nil {
		slog.Warn("save before delete failed", "id", s.current.ID, "error", err)
	}
	if err := s.store.Delete(ids...); err != nil {
		return nil, err
	}
	slog.Info("sessions deleted", "count", len(ids), "current_deleted", deletingCurrent)

	if deletingCurrent {
		if err := s.newChatLocked(false); err != nil {
			return nil, err
		}
		return s.currentLocked(), nil
	}

	infos, err := s.store.List()
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		if err := s.newChatLocked(false); err != nil {
			return nil, err
		}
		return s.currentLocked(), nil
	}
	if err := s.switchLocked(infos[0].ID); err != nil {
		return nil, err
	}
	return s.currentLocked(), nil
}

// DeleteAll removes every session and makes a fresh one current.
func (s *Selector) DeleteAll() (*aiprompt.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if err := s.store.DeleteAll(); err != nil {
		return nil, err
	}
	if err := s.newChatLocked(false); err != nil {
		return nil, err
	}
	return s.currentLocked(), nil
}

// RecordExchange appends a prompt and its reply to the current session and
// persists it. reply is nil when the round trip failed. The first
// successful reply names the session.
func (s *Selector) RecordExchange(prompt string, reply *aiprompt.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(); err != nil {
		return err
	}
	if reply != nil && !hasReply(s.current.Exchanges) {
		if title := strings.TrimSpace(reply.Title); title != "" {
			s.current.Title = title
		}
	}
	s.current.Exchanges = append(s.current.Exchanges, aiprompt.Exchange{Prompt: prompt, Response: reply})
	return s.saveLocked()
}

func hasReply(exchanges []aiprompt.Exchange) bool {
	for _, ex := range exchanges {
		if ex.Response != nil {
			return true
		}
	}
	return false
}

// ClearOutput empties the current transcript and persists the change.
func (s *Selector) ClearOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(); err != nil {
		return err
	}
	s.sink.Clear()
	return s.saveLocked()
}

// Save persists the current session with its live transcript.
func (s *Selector) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(); err != nil {
		return err
	}
	return s.saveLocked()
}

// saveLocked stamps and writes the current session. The in-memory session
// only takes the new timestamp once the write succeeded.
func (s *Selector) saveLocked() error {
	rec := s.current.Clone()
	rec.Transcript = s.sink.Snapshot()
	rec.Timestamp = s.now()
	if err := s.store.Save(rec); err != nil {
		slog.Error("save failed", "id", rec.ID, "error", err)
		return err
	}
	s.current.Timestamp = rec.Timestamp
	s.current.Transcript = rec.Transcript
	return nil
}

// Run starts command in the current session, stopping any running command
// first. Output lines are appended to the session transcript and passed to
// onLine in order; onLine runs on the output goroutine and must not call
// back into the Selector. The transcript is persisted when the command
// finishes or is killed.
func (s *Selector) Run(command string, onLine func(line string)) (*Run, error) {
	if strings.TrimSpace(command) == "" {
		return nil, runner.ErrNoCommand
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(); err != nil {
		return nil, err
	}
	if s.stopLocked() {
		if err := s.saveLocked(); err != nil {
			slog.Warn("saving output of stopped command failed", "error", err)
		}
	}

	s.sink.SetForward(onLine)
	proc, err := s.runner.Start(command)
	if err != nil {
		return nil, err
	}
	r := &Run{
		SessionID: s.current.ID,
		Command:   command,
		proc:      proc,
		drained:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.active = r
	slog.Debug("command attached", "id", r.SessionID, "pid", proc.Pid(), "pgid", proc.Pgid())
	go s.pump(r)
	return r, nil
}

// pump moves output lines into the sink, then persists the transcript
// unless a caller that stopped the run already did.
func (s *Selector) pump(r *Run) {
	for line := range r.proc.Lines() {
		s.sink.Append(line)
	}
	close(r.drained)
	res := r.proc.Wait()

	s.mu.Lock()
	r.result = res
	if !r.flushed && s.current != nil && s.current.ID == r.SessionID {
		r.flushed = true
		if err := s.saveLocked(); err != nil {
			slog.Warn("saving command output failed", "id", r.SessionID, "error", err)
		}
	}
	if s.active == r {
		s.active = nil
	}
	s.mu.Unlock()

	if res.Err != nil {
		slog.Warn("command output incomplete", "pid", r.proc.Pid(), "error", res.Err)
	}
	close(r.done)
}

// stopLocked kills the active command and waits until every line it
// produced before the kill is in the sink. It reports whether a run was
// stopped; the caller is then responsible for persisting the transcript.
func (s *Selector) stopLocked() bool {
	r := s.active
	if r == nil {
		return false
	}
	if err := r.proc.Kill(); err != nil {
		slog.Warn("kill failed", "pid", r.proc.Pid(), "error", err)
	}
	<-r.drained
	r.flushed = true
	s.active = nil
	return true
}

// Kill stops the running command and persists the output captured up to
// that point. It is a no-op when nothing runs. A kill failure is returned
// after the transcript has been saved.
func (s *Selector) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.active
	if r == nil {
		return nil
	}
	killErr := r.proc.Kill()
	<-r.drained
	r.flushed = true
	s.active = nil
	if err := s.saveLocked(); err != nil {
		return errors.Join(killErr, err)
	}
	if killErr != nil {
		return fmt.Errorf("stopping %d: %w", r.proc.Pid(), killErr)
	}
	return nil
}

// Close stops any running command and saves the current session.
func (s *Selector) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	if s.current == nil {
		return nil
	}
	return s.saveLocked()
}
