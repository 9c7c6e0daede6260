//go:build !windows

package main

import (
	"testing"

	aiprompt "github.com/CWade3051/AIPrompt"
)

func TestConsoleRunSuggestedCommand(t *testing.T) {
	ai := &fakeSubmitter{reply: &aiprompt.Reply{Posix: "echo from-model", Title: "Echo"}}
	h := startConsole(t, ai)

	h.send("say something")
	h.waitFor("(:run to execute)")
	h.send(":run")
	h.waitFor("[completed, exit 0]")
	h.send(":run echo explicit; exit 2")
	h.waitFor("[completed, exit 2]")
	h.quit()

	cur, _ := h.sel.Current()
	saved, err := h.store.Load(cur.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Transcript) != 2 || saved.Transcript[0] != "from-model" || saved.Transcript[1] != "explicit" {
		t.Errorf("transcript = %q", saved.Transcript)
	}
}

func TestConsoleKillAndCopy(t *testing.T) {
	ai := &fakeSubmitter{reply: &aiprompt.Reply{Instructions: "That is a greeting."}}
	h := startConsole(t, ai)

	h.send(":run echo hello; sleep 60")
	h.waitFor("hello")
	h.send(":kill")
	h.waitFor("[killed")
	h.send(":copy what is this")
	h.waitFor("That is a greeting.")
	h.send(":clear")
	h.quit()

	ai.mu.Lock()
	defer ai.mu.Unlock()
	if len(ai.prompts) != 1 || ai.prompts[0] != "what is this\n\nhello" {
		t.Errorf("prompts = %q", ai.prompts)
	}
	if out := h.sel.Output(); len(out) != 0 {
		t.Errorf("output after :clear = %q", out)
	}
}
