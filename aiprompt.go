// Package aiprompt defines the conversation data model shared by the
// command runner, the session store and the front-ends, plus the
// JSON-lines protocol spoken by the aiprompt-serve daemon.
package aiprompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"
)

// DefaultTitle is the title of a session that has no successful exchange yet.
const DefaultTitle = "New Chat"

// OSKind selects which command of a Reply is runnable here and which native
// interpreter runs it.
type OSKind string

const (
	OSPosix   OSKind = "posix"
	OSWindows OSKind = "windows"
)

// CurrentOSKind reports the kind of the host operating system.
func CurrentOSKind() OSKind {
	if runtime.GOOS == "windows" {
		return OSWindows
	}
	return OSPosix
}

// ShellLabel returns the human name of the interpreter used for kind.
func (k OSKind) ShellLabel() string {
	if k == OSWindows {
		return "PowerShell"
	}
	return "ZSH"
}

// Reply is the structured answer returned by the language model.
// The JSON keys match the response schema sent to the model, so records
// written by earlier versions of the app load unchanged.
type Reply struct {
	// Posix is the command for a POSIX shell.
	Posix string `json:"zsh"`
	// Windows is the command for PowerShell.
	Windows string `json:"powershell"`
	// Instructions is the Markdown explanation shown next to the command.
	Instructions string `json:"instructions"`
	// Title is a short chat title suggested by the model.
	Title string `json:"title"`
}

// CommandFor returns the trimmed command for the given OS kind.
func (r *Reply) CommandFor(kind OSKind) string {
	if r == nil {
		return ""
	}
	if kind == OSWindows {
		return strings.TrimSpace(r.Windows)
	}
	return strings.TrimSpace(r.Posix)
}

// Exchange is one prompt and its reply. Response is nil when the round trip
// failed.
type Exchange struct {
	Prompt   string `json:"prompt"`
	Response *Reply `json:"response,omitempty"`
}

// Session is one persisted conversation.
type Session struct {
	// ID is assigned at creation and never changes. IDs sort lexically in
	// creation order.
	ID    string `json:"id"`
	Title string `json:"title"`
	// Timestamp is the time of the last save; listings sort on it.
	Timestamp  time.Time  `json:"timestamp"`
	Exchanges  []Exchange `json:"exchanges"`
	Transcript []string   `json:"transcript"`
}

// NewSession returns a blank session with the given id.
func NewSession(id string) *Session {
	return &Session{
		ID:         id,
		Title:      DefaultTitle,
		Exchanges:  []Exchange{},
		Transcript: []string{},
	}
}

// Blank reports whether the session has neither exchanges nor transcript.
func (s *Session) Blank() bool {
	return len(s.Exchanges) == 0 && len(s.Transcript) == 0
}

// LastExchange returns the most recent exchange, or nil.
func (s *Session) LastExchange() *Exchange {
	if len(s.Exchanges) == 0 {
		return nil
	}
	return &s.Exchanges[len(s.Exchanges)-1]
}

// Info returns the listing summary of the session.
func (s *Session) Info() SessionInfo {
	return SessionInfo{ID: s.ID, Title: s.Title, Timestamp: s.Timestamp}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	c := *s
	c.Exchanges = make([]Exchange, len(s.Exchanges))
	for i, ex := range s.Exchanges {
		c.Exchanges[i] = ex
		if ex.Response != nil {
			r := *ex.Response
			c.Exchanges[i].Response = &r
		}
	}
	c.Transcript = append([]string{}, s.Transcript...)
	return &c
}

// UnmarshalJSON accepts both the current record layout and the one written
// by the desktop app ("history" instead of "exchanges", float unix
// seconds for "timestamp"). Missing slices decode as empty.
func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	var raw struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
		History   []Exchange      `json:"history"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Session(raw.plain)

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	s.Timestamp = ts

	if s.Exchanges == nil {
		s.Exchanges = raw.History
	}
	if s.Exchanges == nil {
		s.Exchanges = []Exchange{}
	}
	if s.Transcript == nil {
		s.Transcript = []string{}
	}
	if s.Title == "" {
		s.Title = DefaultTitle
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return time.Time{}, err
		}
		return t, nil
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}

// SessionInfo is the listing entry for a persisted session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
}
