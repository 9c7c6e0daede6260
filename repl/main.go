// Command aiprompt turns natural-language prompts into shell commands,
// runs them and keeps every conversation on disk.
//
// Usage:
//
//	aiprompt                    # interactive console
//	aiprompt list               # stored chats, newest first
//	aiprompt show <id>          # one chat as JSON
//	aiprompt export <id>        # one chat as TOML
//	aiprompt delete <id>...     # remove chats (--all for every chat)
//	aiprompt run -- <command>   # run a command in the current chat
//	aiprompt models             # models served by the provider
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	aiprompt "github.com/CWade3051/AIPrompt"
	"github.com/CWade3051/AIPrompt/chat"
	"github.com/CWade3051/AIPrompt/provider"
	"github.com/CWade3051/AIPrompt/runner"
	"github.com/CWade3051/AIPrompt/session"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	verbose    bool
	listJSON   bool
	exportOut  string
	deleteAll  bool
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:     "aiprompt",
	Short:   "Turn prompts into shell commands and run them",
	Version: Version,
	Long: `aiprompt asks a language model (LM Studio or OpenAI) for a shell command,
shows the explanation, runs the command on request and keeps every chat,
including the command output, under the sessions directory.

Without a subcommand it starts the interactive console. Type a request to
ask the model, or one of the :commands (:help lists them).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runConsole,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored chats, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a chat as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var exportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a chat as TOML",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete chats",
	Long: `Delete the given chats. With --all every chat is removed.
A fresh empty chat is created when none remain.`,
	RunE: runDelete,
}

var runCmd = &cobra.Command{
	Use:   "run -- <command>",
	Short: "Run a command in the current chat",
	Long: `Run a command with the native interpreter, stream its output and append
it to the current chat's transcript. Ctrl-C stops the whole process tree.
The exit status of the command becomes the exit status of aiprompt.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the provider serves",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug detail")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")
	exportCmd.Flags().StringVarP(&exportOut, "output", "o", "", "write to file instead of stdout")
	deleteCmd.Flags().BoolVar(&deleteAll, "all", false, "delete every chat")

	rootCmd.AddCommand(listCmd, showCmd, exportCmd, deleteCmd, runCmd, modelsCmd)
}

func main() {
	err := rootCmd.Execute()
	if logCleanup != nil {
		logCleanup()
	}
	if err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a command's exit status out of RunE.
type exitError int

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

// setupLogging installs the default logger writing to w.
func setupLogging(w io.Writer) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// loadConfig reads the config, falling back to defaults on error.
func loadConfig() *aiprompt.Config {
	cfg, err := aiprompt.LoadConfig()
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		cfg = aiprompt.DefaultConfig()
	}
	for _, w := range aiprompt.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}
	return cfg
}

func openSelector(cfg *aiprompt.Config) (*chat.Selector, func(), error) {
	sel, store, err := chat.OpenConfigured(cfg)
	if err != nil {
		return nil, nil, err
	}
	return sel, func() {
		if err := sel.Close(); err != nil {
			slog.Warn("final save failed", "error", err)
		}
		store.Close()
	}, nil
}

func runConsole(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(aiprompt.ConfigDir(), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(aiprompt.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	logCleanup = func() { logFile.Close() }
	setupLogging(logFile)

	cfg := loadConfig()
	sel, closeSel, err := openSelector(cfg)
	if err != nil {
		return err
	}
	defer closeSel()

	term, err := openTerminal()
	if err != nil {
		return err
	}
	defer term.Close()

	c := NewConsole(sel, provider.New(cfg), term, aiprompt.ResolveTimeout(cfg))
	return c.Loop(term)
}

func runList(cmd *cobra.Command, args []string) error {
	setupLogging(os.Stderr)
	store, err := session.NewFileStore(aiprompt.ResolveSessionsDir(loadConfig()))
	if err != nil {
		return err
	}
	defer store.Close()

	infos, err := store.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if listJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}
	return writeListing(out, infos, "")
}

// writeListing prints infos as a numbered table, marking currentID.
func writeListing(w io.Writer, infos []aiprompt.SessionInfo, currentID string) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "no chats")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, info := range infos {
		mark := " "
		if info.ID == currentID {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s%d\t%s\t%s\t%s\n", mark, i+1, info.Timestamp.Local().Format("2006-01-02 15:04"), info.Title, info.ID)
	}
	return tw.Flush()
}

func loadSession(id string) (*aiprompt.Session, error) {
	store, err := session.NewFileStore(aiprompt.ResolveSessionsDir(loadConfig()))
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Load(id)
}

func runShow(cmd *cobra.Command, args []string) error {
	setupLogging(os.Stderr)
	sess, err := loadSession(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(sess)
}

func runExport(cmd *cobra.Command, args []string) error {
	setupLogging(os.Stderr)
	sess, err := loadSession(args[0])
	if err != nil {
		return err
	}
	if exportOut == "" {
		return writeExport(cmd.OutOrStdout(), sess)
	}
	f, err := os.Create(exportOut)
	if err != nil {
		return err
	}
	if err := writeExport(f, sess); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runDelete(cmd *cobra.Command, args []string) error {
	setupLogging(os.Stderr)
	if !deleteAll && len(args) == 0 {
		return errors.New("give chat ids or --all")
	}
	sel, closeSel, err := openSelector(loadConfig())
	if err != nil {
		return err
	}
	defer closeSel()

	var cur *aiprompt.Session
	if deleteAll {
		cur, err = sel.DeleteAll()
	} else {
		cur, err = sel.Delete(args...)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "current chat: %s (%s)\n", cur.Title, cur.ID)
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	setupLogging(os.Stderr)
	sel, closeSel, err := openSelector(loadConfig())
	if err != nil {
		return err
	}
	defer closeSel()

	out := cmd.OutOrStdout()
	r, err := sel.Run(strings.Join(args, " "), func(line string) {
		fmt.Fprintln(out, line)
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-r.Done():
	case sig := <-sigCh:
		slog.Info("stopping command", "signal", sig)
		if err := sel.Kill(); err != nil {
			slog.Warn("kill failed", "error", err)
		}
		<-r.Done()
	}

	res := r.Result()
	if res.Err != nil {
		return res.Err
	}
	if res.State == runner.Killed {
		return exitError(130)
	}
	if res.ExitCode != 0 {
		return exitError(res.ExitCode)
	}
	return nil
}

func runModels(cmd *cobra.Command, args []string) error {
	setupLogging(os.Stderr)
	client := provider.New(loadConfig())
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	models, err := client.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Fprintln(cmd.OutOrStdout(), m)
	}
	return nil
}
