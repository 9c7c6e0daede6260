package main

import (
	"io"
	"time"

	"github.com/BurntSushi/toml"

	aiprompt "github.com/CWade3051/AIPrompt"
)

type exportDoc struct {
	ID         string           `toml:"id"`
	Title      string           `toml:"title"`
	Timestamp  time.Time        `toml:"timestamp"`
	Transcript []string         `toml:"transcript"`
	Exchanges  []exportExchange `toml:"exchange"`
}

type exportExchange struct {
	Prompt       string `toml:"prompt"`
	Failed       bool   `toml:"failed,omitempty"`
	Posix        string `toml:"zsh,omitempty"`
	Windows      string `toml:"powershell,omitempty"`
	Instructions string `toml:"instructions,omitempty"`
	Title        string `toml:"title,omitempty"`
}

func toExport(s *aiprompt.Session) exportDoc {
	doc := exportDoc{
		ID:         s.ID,
		Title:      s.Title,
		Timestamp:  s.Timestamp,
		Transcript: s.Transcript,
		Exchanges:  make([]exportExchange, 0, len(s.Exchanges)),
	}
	for _, ex := range s.Exchanges {
		e := exportExchange{Prompt: ex.Prompt, Failed: ex.Response == nil}
		if r := ex.Response; r != nil {
			e.Posix = r.Posix
			e.Windows = r.Windows
			e.Instructions = r.Instructions
			e.Title = r.Title
		}
		doc.Exchanges = append(doc.Exchanges, e)
	}
	return doc
}

// writeExport writes s to w as a TOML document with one [[exchange]] table
// per prompt.
func writeExport(w io.Writer, s *aiprompt.Session) error {
	return toml.NewEncoder(w).Encode(toExport(s))
}
