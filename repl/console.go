package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	aiprompt "github.com/CWade3051/AIPrompt"
	"github.com/CWade3051/AIPrompt/chat"
)

// Submitter answers prompts. *provider.Client implements it.
type Submitter interface {
	Submit(ctx context.Context, history []aiprompt.Exchange, prompt string) (*aiprompt.Reply, error)
}

// modelPicker is implemented by submitters that can list and switch models.
type modelPicker interface {
	Kind() string
	Models(ctx context.Context) ([]string, error)
	SetModel(model string)
}

// lineReader yields one input line per call. term.Terminal implements it.
type lineReader interface {
	ReadLine() (string, error)
}

const consoleHelp = `requests:
  <text>             ask the model for a command
  :run [command]     run the command (default: the last suggested one)
  :kill              stop the running command
  :copy [question]   ask about the current output
  :clear             clear the output
chats:
  :new               start a new chat
  :list              list chats
  :switch <n|id>     open a chat
  :delete <n|id>...  delete chats
  :delete-all        delete every chat
  :show              replay the last exchange
models:
  :models            list models
  :model <name>      use another model
  :help, :quit
`

// Console is the interactive front-end. All session mutations happen on the
// goroutine running Loop; prompt round trips and command completion report
// back through the events queue.
type Console struct {
	sel     *chat.Selector
	ai      Submitter
	out     io.Writer
	kind    aiprompt.OSKind
	timeout time.Duration

	events chan func()
	done   chan struct{}

	inflight context.CancelFunc
	listing  []aiprompt.SessionInfo
}

// NewConsole creates a console writing to out.
func NewConsole(sel *chat.Selector, ai Submitter, out io.Writer, timeout time.Duration) *Console {
	return &Console{
		sel:     sel,
		ai:      ai,
		out:     &lockedWriter{w: out},
		kind:    aiprompt.CurrentOSKind(),
		timeout: timeout,
		events:  make(chan func(), 16),
		done:    make(chan struct{}),
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

// post queues fn to run on the loop goroutine.
func (c *Console) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// Loop reads input until :quit or end of input.
func (c *Console) Loop(in lineReader) error {
	defer close(c.done)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := in.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-c.done:
				return
			}
		}
	}()

	if cur, err := c.sel.Current(); err == nil {
		c.printf("aiprompt %s, chat %q\n", c.kind.ShellLabel(), cur.Title)
		c.replay(cur)
	}
	c.printf("type :help for commands\n")

	for {
		select {
		case fn := <-c.events:
			fn()
		case line := <-lines:
			if c.handle(strings.TrimSpace(line)) {
				c.shutdown()
				return nil
			}
		case err := <-readErr:
			c.shutdown()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Console) shutdown() {
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
	if err := c.sel.Kill(); err != nil {
		slog.Warn("kill on exit failed", "error", err)
	}
}

// handle runs one input line and reports whether the console should exit.
func (c *Console) handle(line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, ":") {
		c.submit(line)
		return false
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "q", "quit", "exit":
		return true
	case "help", "h":
		c.printf("%s", consoleHelp)
	case "run", "r":
		c.run(rest)
	case "kill", "k":
		if err := c.sel.Kill(); err != nil {
			c.printf("error: %v\n", err)
		}
	case "copy":
		c.copyOutput(rest)
	case "clear":
		c.report(c.sel.ClearOutput())
	case "new", "n":
		cur, err := c.sel.NewChat()
		if c.report(err) {
			c.printf("new chat %s\n", cur.ID)
		}
	case "list", "ls":
		c.list()
	case "switch", "s":
		ids, err := c.resolveIDs(rest)
		if err == nil && len(ids) != 1 {
			err = errors.New("usage: :switch <n|id>")
		}
		if !c.report(err) {
			break
		}
		cur, err := c.sel.SwitchTo(ids[0])
		if c.report(err) {
			c.printf("switched to %q\n", cur.Title)
			c.replay(cur)
		}
	case "delete", "rm":
		ids, err := c.resolveIDs(rest)
		if !c.report(err) {
			break
		}
		cur, err := c.sel.Delete(ids...)
		if c.report(err) {
			c.listing = nil
			c.printf("deleted %d, current chat %q\n", len(ids), cur.Title)
		}
	case "delete-all":
		cur, err := c.sel.DeleteAll()
		if c.report(err) {
			c.listing = nil
			c.printf("all chats deleted, current chat %s\n", cur.ID)
		}
	case "show":
		if cur, err := c.sel.Current(); c.report(err) {
			c.replay(cur)
		}
	case "models":
		c.models()
	case "model":
		picker, ok := c.ai.(modelPicker)
		if !ok || rest == "" {
			c.printf("usage: :model <name>\n")
			break
		}
		picker.SetModel(rest)
		c.printf("model %s\n", rest)
	default:
		c.printf("unknown command :%s (try :help)\n", name)
	}
	return false
}

// report prints err and returns whether the action succeeded.
func (c *Console) report(err error) bool {
	if err != nil {
		c.printf("error: %v\n", err)
		return false
	}
	return true
}

// submit sends prompt to the model off the loop goroutine. The reply is
// recorded in the session that was current when the prompt was sent.
func (c *Console) submit(prompt string) {
	if c.inflight != nil {
		c.printf("still waiting for the previous answer\n")
		return
	}
	cur, err := c.sel.Current()
	if !c.report(err) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	c.inflight = cancel
	c.printf("thinking...\n")

	history := cur.Exchanges
	go func() {
		reply, err := c.ai.Submit(ctx, history, prompt)
		c.post(func() {
			cancel()
			c.inflight = nil
			c.finishPrompt(cur.ID, prompt, reply, err)
		})
	}()
}

func (c *Console) finishPrompt(sessionID, prompt string, reply *aiprompt.Reply, err error) {
	now, cerr := c.sel.Current()
	if cerr != nil || now.ID != sessionID {
		c.printf("answer dropped: the chat changed while waiting\n")
		return
	}
	if err != nil {
		slog.Warn("prompt failed", "error", err)
		c.printf("error: %v\n", err)
		c.report(c.sel.RecordExchange(prompt, nil))
		return
	}
	if !c.report(c.sel.RecordExchange(prompt, reply)) {
		return
	}
	c.printReply(reply)
}

func (c *Console) printReply(reply *aiprompt.Reply) {
	if reply == nil {
		return
	}
	if text := strings.TrimSpace(reply.Instructions); text != "" {
		c.printf("\n%s\n\n", text)
	}
	if cmd := reply.CommandFor(c.kind); cmd != "" {
		c.printf("%s:\n  %s\n(:run to execute)\n", c.kind.ShellLabel(), strings.ReplaceAll(cmd, "\n", "\n  "))
	}
}

// replay shows the last exchange of s, as after reopening a chat.
func (c *Console) replay(s *aiprompt.Session) {
	ex := s.LastExchange()
	if ex == nil {
		return
	}
	c.printf("> %s\n", ex.Prompt)
	if ex.Response == nil {
		c.printf("(no answer)\n")
		return
	}
	c.printReply(ex.Response)
}

// run starts command, or the last suggested command when empty.
func (c *Console) run(command string) {
	if command == "" {
		cur, err := c.sel.Current()
		if !c.report(err) {
			return
		}
		if ex := cur.LastExchange(); ex != nil {
			command = ex.Response.CommandFor(c.kind)
		}
		if command == "" {
			c.printf("no command to run\n")
			return
		}
	}

	r, err := c.sel.Run(command, func(line string) {
		fmt.Fprintf(c.out, "%s\n", line)
	})
	if !c.report(err) {
		return
	}
	go func() {
		<-r.Done()
		res := r.Result()
		c.post(func() {
			if res.Err != nil {
				c.printf("[%s: %v]\n", res.State, res.Err)
				return
			}
			c.printf("[%s, exit %d]\n", res.State, res.ExitCode)
		})
	}()
}

// copyOutput submits the current output, optionally preceded by a question.
func (c *Console) copyOutput(question string) {
	out := c.sel.Output()
	if len(out) == 0 {
		c.printf("no output to copy\n")
		return
	}
	prompt := strings.Join(out, "\n")
	if question != "" {
		prompt = question + "\n\n" + prompt
	}
	c.submit(prompt)
}

func (c *Console) list() {
	infos, err := c.sel.List()
	if !c.report(err) {
		return
	}
	c.listing = infos
	cur, _ := c.sel.Current()
	currentID := ""
	if cur != nil {
		currentID = cur.ID
	}
	writeListing(c.out, infos, currentID)
}

// resolveIDs maps arguments to session ids. Numbers refer to the last
// :list output; anything else is taken as an id.
func (c *Console) resolveIDs(args string) ([]string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return nil, errors.New("no chat given")
	}
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			ids = append(ids, f)
			continue
		}
		if c.listing == nil {
			if c.listing, err = c.sel.List(); err != nil {
				return nil, err
			}
		}
		if n < 1 || n > len(c.listing) {
			return nil, fmt.Errorf("no chat %d (see :list)", n)
		}
		ids = append(ids, c.listing[n-1].ID)
	}
	return ids, nil
}

func (c *Console) models() {
	picker, ok := c.ai.(modelPicker)
	if !ok {
		c.printf("model listing not supported\n")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	go func() {
		defer cancel()
		models, err := picker.Models(ctx)
		c.post(func() {
			if !c.report(err) {
				return
			}
			c.printf("%s models:\n", picker.Kind())
			for _, m := range models {
				c.printf("  %s\n", m)
			}
		})
	}()
}
