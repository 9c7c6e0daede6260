// Package runner executes one shell command at a time in the platform's
// native interpreter, streams its merged stdout/stderr line by line, and
// terminates the whole process tree on demand.
package runner

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	aiprompt "github.com/CWade3051/AIPrompt"
	"github.com/CWade3051/AIPrompt/redact"
)

// Sentinel errors reported by the runner.
var (
	ErrNoCommand   = errors.New("no command")
	ErrSpawnFailed = errors.New("spawn failed")
	ErrRead        = errors.New("read error")
	ErrKillFailed  = errors.New("kill failed")
)

// Defaults used when no option overrides them.
const (
	DefaultKillGrace  = 500 * time.Millisecond
	DefaultLineBuffer = 256
)

// State is the lifecycle state of a command.
type State int32

const (
	Idle State = iota
	Spawning
	Streaming
	Completed
	Killed
	SpawnFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Spawning:
		return "spawning"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Killed:
		return "killed"
	case SpawnFailed:
		return "spawn_failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == Completed || s == Killed || s == SpawnFailed
}

// Runner spawns commands. At most one command is active at a time: Start
// stops the previous command before spawning the next one.
type Runner struct {
	shell      string
	shellArgs  []string
	dir        string
	env        []string
	grace      time.Duration
	lineBuffer int

	// mu serialises Start.
	mu       sync.Mutex
	active   atomic.Pointer[Process]
	spawning atomic.Bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithShell sets the interpreter and the arguments placed before the command.
func WithShell(shell string, args ...string) Option {
	return func(r *Runner) {
		r.shell = shell
		r.shellArgs = args
	}
}

// WithDir sets the working directory of spawned commands.
func WithDir(dir string) Option {
	return func(r *Runner) { r.dir = dir }
}

// WithEnv appends environment variables (KEY=VALUE) to the inherited environment.
func WithEnv(env ...string) Option {
	return func(r *Runner) { r.env = append(r.env, env...) }
}

// WithKillGrace sets how long each kill stage waits for the tree to exit.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithLineBuffer sets the capacity of a process's line channel.
func WithLineBuffer(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.lineBuffer = n
		}
	}
}

// New creates a runner using the host's native interpreter unless WithShell
// says otherwise.
func New(opts ...Option) *Runner {
	shell, args := aiprompt.ResolveShell(nil, aiprompt.CurrentOSKind())
	r := &Runner{
		shell:      shell,
		shellArgs:  args,
		grace:      DefaultKillGrace,
		lineBuffer: DefaultLineBuffer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State reports the runner's state: Spawning while Start is creating a
// process, Streaming while a process is active, Idle otherwise.
func (r *Runner) State() State {
	if r.spawning.Load() {
		return Spawning
	}
	if p := r.Current(); p != nil && p.Active() {
		return Streaming
	}
	return Idle
}

// Active reports whether a command is running.
func (r *Runner) Active() bool {
	return r.State() != Idle
}

// Current returns the most recently started process, or nil.
func (r *Runner) Current() *Process {
	return r.active.Load()
}

// Kill terminates the active process tree. It is a no-op when nothing runs.
func (r *Runner) Kill() error {
	p := r.Current()
	if p == nil {
		return nil
	}
	return p.Kill()
}

// Start spawns command in the native interpreter. An active command is
// killed first. Empty commands fail with ErrNoCommand and spawn errors with
// ErrSpawnFailed; in both cases no process is returned.
func (r *Runner) Start(command string) (*Process, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		slog.Warn("no command to execute")
		return nil, ErrNoCommand
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.active.Load(); prev != nil && prev.Active() {
		slog.Info("stopping previous command", "pid", prev.Pid())
		if err := prev.Kill(); err != nil {
			slog.Warn("failed to stop previous command", "error", err)
		}
	}

	r.spawning.Store(true)
	defer r.spawning.Store(false)

	p, err := r.spawn(command)
	if err != nil {
		slog.Error("spawn failed", "command", redact.Command(command), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	r.active.Store(p)

	slog.Info("executing command", "command", redact.Command(command), "pid", p.pid, "pgid", p.pgid)
	return p, nil
}

func (r *Runner) spawn(command string) (*Process, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, r.shellArgs...), command)
	cmd := exec.Command(r.shell, args...)
	cmd.Dir = r.dir
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	pw.Close()

	p := &Process{
		Command: command,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		pgid:    processGroup(cmd.Process.Pid),
		grace:   r.grace,
		pipe:    pr,
		lines:   make(chan string, r.lineBuffer),
		done:    make(chan struct{}),
		killCh:  make(chan struct{}),
	}
	p.state.Store(int32(Streaming))
	go p.supervise()
	return p, nil
}

// Result is the outcome of a finished process.
type Result struct {
	State State
	// ExitCode is the process exit status, -1 if it was terminated by a signal.
	ExitCode int
	// Err wraps ErrRead when the output stream broke mid-run.
	Err error
	// Lines is the number of lines delivered.
	Lines int
}

// Process is a handle to one spawned command.
type Process struct {
	// Command is the command string as executed.
	Command string

	cmd   *exec.Cmd
	pid   int
	pgid  int
	grace time.Duration
	pipe  *os.File

	lines  chan string
	done   chan struct{}
	killCh chan struct{}

	state    atomic.Int32
	killOnce sync.Once
	killErr  error

	mu     sync.Mutex
	result Result
}

// Lines delivers output lines in the order the child flushed them. The
// channel is closed once the process has exited and the pipe is drained,
// or once the process was killed.
func (p *Process) Lines() <-chan string { return p.lines }

// Done is closed when the process has finished and Result is final.
func (p *Process) Done() <-chan struct{} { return p.done }

// Pid returns the OS process id of the interpreter.
func (p *Process) Pid() int { return p.pid }

// Pgid returns the process group (POSIX) or tree root (Windows) token.
func (p *Process) Pgid() int { return p.pgid }

// State returns the current lifecycle state.
func (p *Process) State() State { return State(p.state.Load()) }

// Active reports whether the process is still streaming.
func (p *Process) Active() bool { return p.State() == Streaming }

// Wait blocks until the process finishes and returns its result.
func (p *Process) Wait() Result {
	<-p.done
	return p.Result()
}

// Result returns the current result. It is final once Done is closed.
func (p *Process) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.result
	r.State = p.State()
	return r
}

func (p *Process) killed() bool {
	select {
	case <-p.killCh:
		return true
	default:
		return false
	}
}

// supervise reads the merged output until EOF, then reaps the interpreter.
func (p *Process) supervise() {
	readErr := p.read()
	close(p.lines)
	p.pipe.Close()

	waitErr := p.cmd.Wait()

	p.mu.Lock()
	p.result.ExitCode = -1
	if p.cmd.ProcessState != nil {
		p.result.ExitCode = p.cmd.ProcessState.ExitCode()
	}
	if readErr != nil {
		p.result.Err = readErr
	} else if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) && !p.killed() {
			p.result.Err = waitErr
		}
	}
	p.mu.Unlock()

	p.state.CompareAndSwap(int32(Streaming), int32(Completed))
	slog.Info("command finished", "pid", p.pid, "state", p.State(), "exit_code", p.result.ExitCode)
	close(p.done)
}

// read pushes complete lines to the channel. A line is complete at a line
// terminator or at end of stream. Lines read after Kill are discarded.
func (p *Process) read() error {
	reader := bufio.NewReader(transform.NewReader(p.pipe, textDecoder()))
	for {
		line, err := reader.ReadString('\n')
		if line != "" && !p.emit(strings.TrimRight(line, "\r\n")) {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || p.killed() {
				return nil
			}
			slog.Warn("output stream failed", "pid", p.pid, "error", err)
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
	}
}

func (p *Process) emit(line string) bool {
	if p.killed() {
		return false
	}
	select {
	case p.lines <- line:
		p.mu.Lock()
		p.result.Lines++
		p.mu.Unlock()
		return true
	case <-p.killCh:
		return false
	}
}

// textDecoder converts child output to UTF-8: a leading BOM switches to the
// matching UTF-16/UTF-8 decoding, and ill-formed bytes become U+FFFD.
func textDecoder() transform.Transformer {
	return &bomSniffer{}
}

var boms = []struct {
	mark []byte
	enc  encoding.Encoding
}{
	{[]byte{0xef, 0xbb, 0xbf}, unicode.UTF8},
	{[]byte{0xfe, 0xff}, unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)},
	{[]byte{0xff, 0xfe}, unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)},
}

// bomSniffer picks the decoder from a leading BOM. It waits for more input
// only while the bytes seen so far are a strict prefix of some BOM, so a
// short first line such as "1\n" is decoded as UTF-8 at once.
type bomSniffer struct {
	dec transform.Transformer
}

func (b *bomSniffer) Transform(dst, src []byte, atEOF bool) (int, int, error) {
	if b.dec != nil {
		return b.dec.Transform(dst, src, atEOF)
	}
	skip := 0
	for _, bom := range boms {
		if bytes.HasPrefix(src, bom.mark) {
			b.dec, skip = bom.enc.NewDecoder(), len(bom.mark)
			break
		}
		if !atEOF && len(src) < len(bom.mark) && bytes.HasPrefix(bom.mark, src) {
			return 0, 0, transform.ErrShortSrc
		}
	}
	if b.dec == nil {
		b.dec = unicode.UTF8.NewDecoder()
	}
	nDst, nSrc, err := b.dec.Transform(dst, src[skip:], atEOF)
	return nDst, nSrc + skip, err
}

func (b *bomSniffer) Reset() { b.dec = nil }

// Kill terminates the process tree: a cooperative terminate first, then a
// forced kill after the grace period. It returns once the process is done
// or the kill stages are exhausted; afterwards no more lines are delivered.
// Killing a finished process is a no-op.
func (p *Process) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.killOnce.Do(func() {
		if !p.state.CompareAndSwap(int32(Streaming), int32(Killed)) {
			return
		}
		close(p.killCh)
		p.killErr = p.killTree()
		if p.killErr != nil {
			slog.Error("kill failed", "pid", p.pid, "error", p.killErr)
		} else {
			slog.Info("command killed", "pid", p.pid, "pgid", p.pgid)
		}
	})
	return p.killErr
}

func (p *Process) killTree() error {
	termErr := terminateTree(p.pid, p.pgid)
	if termErr != nil {
		slog.Debug("graceful terminate failed, killing handle", "pid", p.pid, "error", termErr)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			termErr = err
		} else {
			termErr = nil
		}
	}
	if p.waitDone(p.grace) {
		return nil
	}

	forceErr := forceTree(p.pid, p.pgid)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && forceErr == nil {
		forceErr = err
	}
	if p.waitDone(p.grace) {
		return nil
	}

	// A descendant outside the tree may still hold the pipe open; closing
	// our end unblocks the reader.
	p.pipe.Close()
	if p.waitDone(p.grace) {
		return nil
	}

	if termErr == nil && forceErr == nil {
		forceErr = errors.New("process did not exit")
	}
	return fmt.Errorf("%w: %v", ErrKillFailed, errors.Join(termErr, forceErr))
}

func (p *Process) waitDone(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}
