package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	aiprompt "github.com/CWade3051/AIPrompt"
	"github.com/CWade3051/AIPrompt/chat"
	"github.com/CWade3051/AIPrompt/provider"
	"github.com/CWade3051/AIPrompt/redact"
	"github.com/CWade3051/AIPrompt/runner"
	"github.com/CWade3051/AIPrompt/session"
)

// writeTimeout bounds each write to a client so a stalled reader cannot
// hold up command output.
const writeTimeout = 5 * time.Second

// Submitter answers prompts. *provider.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, history []aiprompt.Exchange, prompt string) (*aiprompt.Reply, error)
	Models(ctx context.Context) ([]string, error)
}

// promptEntry tracks the cancellable in-flight prompt.
type promptEntry struct {
	seq    int
	cancel context.CancelFunc
}

// Server listens on a Unix domain socket for front-end requests.
type Server struct {
	listener net.Listener
	sockPath string
	sel      *chat.Selector
	ai       Submitter
	timeout  time.Duration

	mu      sync.Mutex
	seq     int
	pending *promptEntry

	closeOnce sync.Once
}

// NewServer creates a server bound to sockPath serving sel.
func NewServer(sockPath string, sel *chat.Selector, ai Submitter, timeout time.Duration) (*Server, error) {
	// Remove stale socket file if it exists
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
		sockPath: sockPath,
		sel:      sel,
		ai:       ai,
		timeout:  timeout,
	}, nil
}

// Serve accepts connections and handles requests.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops the running command, saves the current chat and removes the
// socket file.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.listener.Close()
		if err := s.sel.Close(); err != nil {
			slog.Warn("final save failed", "error", err)
		}
		os.Remove(s.sockPath)
	})
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		return
	}

	raw := scanner.Bytes()
	slog.Debug("request", "bytes", len(raw))

	var req aiprompt.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		slog.Warn("invalid request", "error", err)
		writeJSON(conn, &aiprompt.Response{Error: &aiprompt.Error{Code: "invalid_request", Message: err.Error()}})
		return
	}

	if req.Action == aiprompt.ActionRun {
		s.handleRun(conn, &req)
		return
	}
	writeJSON(conn, s.dispatch(&req))
}

// dispatch serves every action except "run".
func (s *Server) dispatch(req *aiprompt.Request) *aiprompt.Response {
	var (
		resp aiprompt.Response
		cur  *aiprompt.Session
		err  error
	)

	switch req.Action {
	case aiprompt.ActionCurrent:
		cur, err = s.sel.Current()
	case aiprompt.ActionNewChat:
		cur, err = s.sel.NewChat()
	case aiprompt.ActionSwitch:
		cur, err = s.sel.SwitchTo(req.ID)
	case aiprompt.ActionDelete:
		cur, err = s.sel.Delete(req.IDs...)
	case aiprompt.ActionDeleteAll:
		cur, err = s.sel.DeleteAll()
	case aiprompt.ActionList:
		resp.Sessions, err = s.sel.List()
		if resp.Sessions == nil {
			resp.Sessions = []aiprompt.SessionInfo{}
		}
	case aiprompt.ActionKill:
		if err = s.sel.Kill(); err == nil {
			cur, err = s.sel.Current()
		}
	case aiprompt.ActionClear:
		if err = s.sel.ClearOutput(); err == nil {
			cur, err = s.sel.Current()
		}
	case aiprompt.ActionPrompt:
		return s.handlePrompt(req)
	case aiprompt.ActionModels:
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		resp.Models, err = s.ai.Models(ctx)
		if err != nil {
			resp.Error = providerError(err)
			return &resp
		}
	case aiprompt.ActionConfig:
		cfg, cerr := aiprompt.LoadConfig()
		if cerr != nil {
			resp.Error = &aiprompt.Error{Code: "config_error", Message: cerr.Error()}
			return &resp
		}
		resp.Config = cfg
		resp.Warnings = aiprompt.ValidateConfig(cfg)
	default:
		resp.Error = &aiprompt.Error{Code: "unknown_action", Message: "unknown action: " + req.Action}
		return &resp
	}

	if err != nil {
		slog.Warn("action failed", "action", req.Action, "error", err)
		resp.Error = toError(err)
		return &resp
	}
	resp.Session = cur
	return &resp
}

// handlePrompt asks the model and records the exchange in the chat that was
// current when the prompt arrived. A newer prompt cancels an older one.
func (s *Server) handlePrompt(req *aiprompt.Request) *aiprompt.Response {
	if req.Prompt == "" {
		return &aiprompt.Response{Error: &aiprompt.Error{Code: "invalid_request", Message: "prompt is required"}}
	}
	cur, err := s.sel.Current()
	if err != nil {
		return &aiprompt.Response{Error: toError(err)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.mu.Lock()
	if s.pending != nil {
		s.pending.cancel()
	}
	s.seq++
	seq := s.seq
	s.pending = &promptEntry{seq: seq, cancel: cancel}
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		if s.pending != nil && s.pending.seq == seq {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	reply, err := s.ai.Submit(ctx, cur.Exchanges, req.Prompt)
	if errors.Is(ctx.Err(), context.Canceled) {
		return &aiprompt.Response{Error: &aiprompt.Error{Code: "cancelled", Message: "superseded by a newer prompt"}}
	}

	now, cerr := s.sel.Current()
	if cerr != nil || now.ID != cur.ID {
		slog.Info("dropping answer for a chat that is no longer current", "id", cur.ID)
		return &aiprompt.Response{Reply: reply, Session: now, Error: &aiprompt.Error{Code: "chat_changed", Message: "the current chat changed while waiting"}}
	}

	var resp aiprompt.Response
	if err != nil {
		slog.Error("prompt failed", "error", err)
		resp.Error = providerError(err)
		reply = nil
	}
	if rerr := s.sel.RecordExchange(req.Prompt, reply); rerr != nil && resp.Error == nil {
		resp.Error = toError(rerr)
	}
	resp.Reply = reply
	resp.Session, _ = s.sel.Current()
	return &resp
}

// handleRun streams one "line" event per output line and a final "exit"
// event, then closes the connection.
func (s *Server) handleRun(conn net.Conn, req *aiprompt.Request) {
	var wmu sync.Mutex
	broken := false
	send := func(ev *aiprompt.Event) {
		wmu.Lock()
		defer wmu.Unlock()
		if broken {
			return
		}
		if err := writeJSON(conn, ev); err != nil {
			slog.Debug("client stopped reading run output", "error", err)
			broken = true
		}
	}

	slog.Debug("run", "command", redact.Command(req.Command))
	r, err := s.sel.Run(req.Command, func(line string) {
		send(&aiprompt.Event{Type: aiprompt.EventLine, Line: line})
	})
	if err != nil {
		state := runner.SpawnFailed
		if errors.Is(err, runner.ErrNoCommand) {
			state = runner.Idle
		}
		send(&aiprompt.Event{Type: aiprompt.EventExit, State: state.String(), ExitCode: -1, Error: toError(err)})
		return
	}

	<-r.Done()
	res := r.Result()
	ev := &aiprompt.Event{Type: aiprompt.EventExit, State: res.State.String(), ExitCode: res.ExitCode}
	if res.Err != nil {
		ev.Error = toError(res.Err)
	}
	send(ev)
}

func writeJSON(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return err
	}
	slog.Debug("response", "bytes", len(data))
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(append(data, '\n'))
	return err
}

// toError maps core errors to wire error codes.
func toError(err error) *aiprompt.Error {
	code := "internal"
	switch {
	case errors.Is(err, runner.ErrNoCommand):
		code = "no_command"
	case errors.Is(err, runner.ErrSpawnFailed):
		code = "spawn_failed"
	case errors.Is(err, runner.ErrKillFailed):
		code = "kill_failed"
	case errors.Is(err, runner.ErrRead):
		code = "read_error"
	case errors.Is(err, session.ErrNotFound):
		code = "not_found"
	case errors.Is(err, session.ErrCorrupt):
		code = "corrupt"
	case errors.Is(err, session.ErrWriteFailed):
		code = "store_write_failed"
	case errors.Is(err, session.ErrInvalidID), errors.Is(err, chat.ErrNoIDs):
		code = "invalid_request"
	case errors.Is(err, provider.ErrNotConfigured):
		code = "not_configured"
	}
	return &aiprompt.Error{Code: code, Message: err.Error()}
}

func providerError(err error) *aiprompt.Error {
	if errors.Is(err, provider.ErrNotConfigured) {
		return toError(err)
	}
	return &aiprompt.Error{Code: "api_error", Message: err.Error()}
}
