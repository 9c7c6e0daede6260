package aiprompt

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSessionUnmarshalLegacyRecord(t *testing.T) {
	data := []byte(`{
		"id": "abc",
		"title": "Disk usage",
		"timestamp": 1700000000.5,
		"history": [{"prompt": "du", "response": {"zsh": "du -sh .", "powershell": "Get-ChildItem", "instructions": "Sizes.", "title": "Disk usage"}}]
	}`)
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	want := time.Unix(1700000000, 500_000_000).UTC()
	if !s.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", s.Timestamp, want)
	}
	if len(s.Exchanges) != 1 || s.Exchanges[0].Response.Posix != "du -sh ." {
		t.Errorf("exchanges = %+v", s.Exchanges)
	}
	if s.Transcript == nil {
		t.Error("expected empty transcript, got nil")
	}
}

func TestSessionUnmarshalDefaults(t *testing.T) {
	var s Session
	if err := json.Unmarshal([]byte(`{"id":"x"}`), &s); err != nil {
		t.Fatal(err)
	}
	if s.Title != DefaultTitle || s.Exchanges == nil || s.Transcript == nil || !s.Timestamp.IsZero() {
		t.Errorf("got %+v", s)
	}
	if !s.Blank() {
		t.Error("expected blank session")
	}
}

func TestSessionUnmarshalBadTimestamp(t *testing.T) {
	var s Session
	if err := json.Unmarshal([]byte(`{"id":"x","timestamp":true}`), &s); err == nil {
		t.Error("expected error for boolean timestamp")
	}
}

func TestSessionMarshalEmptySlices(t *testing.T) {
	data, err := json.Marshal(NewSession("x"))
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"exchanges":[]`, `"transcript":[]`, `"title":"New Chat"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("expected %s in %s", key, data)
		}
	}
}

func TestReplyCommandFor(t *testing.T) {
	r := &Reply{Posix: "  ls -la\n", Windows: "Get-ChildItem "}
	if got := r.CommandFor(OSPosix); got != "ls -la" {
		t.Errorf("posix = %q", got)
	}
	if got := r.CommandFor(OSWindows); got != "Get-ChildItem" {
		t.Errorf("windows = %q", got)
	}
	var nilReply *Reply
	if got := nilReply.CommandFor(OSPosix); got != "" {
		t.Errorf("nil reply = %q", got)
	}
}

func TestReplyWireKeys(t *testing.T) {
	data, err := json.Marshal(Reply{Posix: "ls", Windows: "dir"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"zsh":"ls"`) || !strings.Contains(string(data), `"powershell":"dir"`) {
		t.Errorf("unexpected keys: %s", data)
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := NewSession("x")
	s.Exchanges = append(s.Exchanges, Exchange{Prompt: "p", Response: &Reply{Title: "T"}})
	s.Transcript = append(s.Transcript, "line")

	c := s.Clone()
	c.Exchanges[0].Response.Title = "changed"
	c.Transcript[0] = "changed"

	if s.Exchanges[0].Response.Title != "T" || s.Transcript[0] != "line" {
		t.Errorf("clone shares state with original: %+v", s)
	}
}

func TestLastExchange(t *testing.T) {
	s := NewSession("x")
	if s.LastExchange() != nil {
		t.Error("expected nil for empty session")
	}
	s.Exchanges = []Exchange{{Prompt: "a"}, {Prompt: "b"}}
	if got := s.LastExchange(); got == nil || got.Prompt != "b" {
		t.Errorf("last = %+v", got)
	}
}

func TestErrorOmittedWhenNil(t *testing.T) {
	data, err := json.Marshal(Response{})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"error"`) {
		t.Errorf("expected no error key, got %s", data)
	}
}

func TestEventExitCodeAlwaysPresent(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventExit, State: "completed"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"exit_code":0`) {
		t.Errorf("expected exit_code in %s", data)
	}
}
