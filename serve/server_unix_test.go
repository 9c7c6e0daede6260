//go:build !windows

package main

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	aiprompt "github.com/CWade3051/AIPrompt"
	"github.com/CWade3051/AIPrompt/runner"
)

func TestRunStreamsLinesThenExit(t *testing.T) {
	srv, store := newTestServer(t, &stubSubmitter{})

	events := runCommand(t, srv.sockPath, "echo one; echo two >&2; exit 3")
	if len(events) != 3 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Line != "one" || events[1].Line != "two" {
		t.Errorf("lines = %q, %q", events[0].Line, events[1].Line)
	}
	exit := events[2]
	if exit.Type != aiprompt.EventExit || exit.State != "completed" || exit.ExitCode != 3 {
		t.Errorf("exit = %+v", exit)
	}

	cur := send(t, srv.sockPath, &aiprompt.Request{Action: aiprompt.ActionCurrent})
	saved, err := store.Load(cur.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(saved.Transcript, ",") != "one,two" {
		t.Errorf("transcript = %q", saved.Transcript)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	srv, _ := newTestServer(t, &stubSubmitter{})
	events := runCommand(t, srv.sockPath, "   ")
	if len(events) != 1 || events[0].Error == nil || events[0].Error.Code != "no_command" {
		t.Errorf("events = %+v", events)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubSubmitter{}, runner.WithShell("/nonexistent/shell", "-c"))
	events := runCommand(t, srv.sockPath, "echo hi")
	if len(events) != 1 || events[0].State != "spawn_failed" || events[0].Error.Code != "spawn_failed" {
		t.Errorf("events = %+v", events)
	}
}

func TestKillStopsStreamingRun(t *testing.T) {
	srv, _ := newTestServer(t, &stubSubmitter{})

	conn, err := net.Dial("unix", srv.sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	data, _ := json.Marshal(&aiprompt.Request{Action: aiprompt.ActionRun, Command: "echo started; sleep 60"})
	conn.Write(append(data, '\n'))

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() || !strings.Contains(scanner.Text(), "started") {
		t.Fatalf("first event = %q", scanner.Text())
	}

	resp := send(t, srv.sockPath, &aiprompt.Request{Action: aiprompt.ActionKill})
	if resp.Error != nil {
		t.Fatalf("kill error: %+v", resp.Error)
	}
	if len(resp.Session.Transcript) != 1 || resp.Session.Transcript[0] != "started" {
		t.Errorf("transcript after kill = %q", resp.Session.Transcript)
	}

	var exit aiprompt.Event
	for scanner.Scan() {
		json.Unmarshal(scanner.Bytes(), &exit)
	}
	if exit.Type != aiprompt.EventExit || exit.State != "killed" {
		t.Errorf("exit = %+v", exit)
	}
}
