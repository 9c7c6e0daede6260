package main

import (
	"io"
	"os"

	"golang.org/x/term"
)

// terminal is the console's line editor. Writes from other goroutines
// (command output) are interleaved with the prompt by term.Terminal, which
// redraws the input line after each write.
type terminal struct {
	*term.Terminal
	fd  int
	old *term.State
}

// openTerminal puts stdin in raw mode when it is a terminal.
func openTerminal() (*terminal, error) {
	t := &terminal{fd: int(os.Stdin.Fd())}
	rw := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}

	if term.IsTerminal(t.fd) {
		old, err := term.MakeRaw(t.fd)
		if err != nil {
			return nil, err
		}
		t.old = old
	}
	t.Terminal = term.NewTerminal(rw, "> ")
	if t.old != nil {
		if w, h, err := term.GetSize(t.fd); err == nil {
			t.Terminal.SetSize(w, h)
		}
	}
	return t, nil
}

// Close restores the terminal state.
func (t *terminal) Close() {
	if t.old != nil {
		term.Restore(t.fd, t.old)
	}
}
