//go:build !windows

package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	aiprompt "github.com/CWade3051/AIPrompt"
)

func TestRunPersistsTranscript(t *testing.T) {
	sel, store := newTestSelector(t)
	cur, _ := sel.Open()

	run, err := sel.Run("printf 'a\\nb\\n'; echo err >&2; exit 4", nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-run.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	if res := run.Result(); res.ExitCode != 4 {
		t.Errorf("exit code = %d, want 4", res.ExitCode)
	}

	saved, err := store.Load(cur.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "err"}
	if fmt.Sprint(saved.Transcript) != fmt.Sprint(want) {
		t.Errorf("transcript = %q, want %q", saved.Transcript, want)
	}
}

func TestKillMidStreamPersistsCapturedLines(t *testing.T) {
	sel, store := newTestSelector(t)
	cur, _ := sel.Open()

	var mu sync.Mutex
	var live []string
	enough := make(chan struct{})
	_, err := sel.Run(`i=0; while true; do echo "line$i"; i=$((i+1)); sleep 0.01; done`, func(line string) {
		mu.Lock()
		defer mu.Unlock()
		live = append(live, line)
		if len(live) == 5 {
			close(enough)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-enough:
	case <-time.After(10 * time.Second):
		t.Fatal("no output")
	}

	if err := sel.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if sel.Active() {
		t.Error("still active after Kill")
	}
	saved, err := store.Load(cur.ID)
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	delivered := append([]string{}, live...)
	mu.Unlock()
	if len(saved.Transcript) != len(delivered) {
		t.Fatalf("saved %d lines, delivered %d", len(saved.Transcript), len(delivered))
	}
	for i, line := range saved.Transcript {
		if want := fmt.Sprintf("line%d", i); line != want {
			t.Fatalf("line %d = %q, want %q", i, line, want)
		}
	}

	// Nothing arrives after the kill.
	time.Sleep(100 * time.Millisecond)
	if out := sel.Output(); len(out) != len(saved.Transcript) {
		t.Errorf("output grew after kill: %d -> %d", len(saved.Transcript), len(out))
	}
}

func TestKillPersistsShortFirstLine(t *testing.T) {
	sel, store := newTestSelector(t)
	cur, _ := sel.Open()

	if _, err := sel.Run("echo 1; sleep 60", nil); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := sel.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	saved, err := store.Load(cur.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Transcript) != 1 || saved.Transcript[0] != "1" {
		t.Errorf("transcript = %q, want [1]", saved.Transcript)
	}
}

func TestOpenTwiceKeepsCurrentAndRun(t *testing.T) {
	sel, store := newTestSelector(t)
	first, _ := sel.Open()
	if err := sel.RecordExchange("disk", reply("Disk")); err != nil {
		t.Fatal(err)
	}
	// A newer record on disk must not replace the session in use.
	other := aiprompt.NewSession("zzz-other")
	other.Timestamp = time.Now().Add(time.Hour)
	if err := store.Save(other); err != nil {
		t.Fatal(err)
	}
	if _, err := sel.Run("sleep 60", nil); err != nil {
		t.Fatal(err)
	}

	again, err := sel.Open()
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID || len(again.Exchanges) != 1 {
		t.Errorf("Open replaced current session: got %s with %d exchanges", again.ID, len(again.Exchanges))
	}
	if !sel.Active() {
		t.Error("Open stopped the running command")
	}
}

func TestNewChatStopsRunningCommand(t *testing.T) {
	sel, store := newTestSelector(t)
	first, _ := sel.Open()

	started := make(chan struct{})
	var once sync.Once
	run, err := sel.Run("echo started; sleep 60", func(string) { once.Do(func() { close(started) }) })
	if err != nil {
		t.Fatal(err)
	}
	<-started

	next, err := sel.NewChat()
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-run.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("command still running after NewChat")
	}
	if sel.Active() {
		t.Error("Active after NewChat")
	}
	if len(next.Transcript) != 0 {
		t.Errorf("new chat transcript = %q", next.Transcript)
	}
	saved, _ := store.Load(first.ID)
	if len(saved.Transcript) != 1 || saved.Transcript[0] != "started" {
		t.Errorf("first transcript = %q, want [started]", saved.Transcript)
	}
}

func TestRunStopsPreviousCommand(t *testing.T) {
	sel, _ := newTestSelector(t)
	sel.Open()
	first, err := sel.Run("sleep 60", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := sel.Run("echo second", nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first command not stopped")
	}
	<-second.Done()
	out := sel.Output()
	if len(out) != 1 || out[0] != "second" {
		t.Errorf("output = %q, want [second]", out)
	}
}
