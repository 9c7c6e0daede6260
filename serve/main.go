// Command aiprompt-serve is the aiprompt daemon. It owns the chat store and
// the command runner and serves front-ends over a Unix domain socket, one
// JSON request per connection.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	aiprompt "github.com/CWade3051/AIPrompt"
	"github.com/CWade3051/AIPrompt/chat"
	"github.com/CWade3051/AIPrompt/provider"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("verbose", false, "log every request and response")
	flag.Parse()

	if *showVersion {
		fmt.Println("aiprompt-serve", Version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := aiprompt.LoadConfig()
	if err != nil {
		slog.Warn("failed to load config, using defaults", "error", err)
		cfg = aiprompt.DefaultConfig()
	}
	for _, w := range aiprompt.ValidateConfig(cfg) {
		slog.Warn("config", "warning", w)
	}

	sel, store, err := chat.OpenConfigured(cfg)
	if err != nil {
		slog.Error("failed to open sessions", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	socketPath := aiprompt.ResolveSocketPath()
	slog.Info("starting", "socket", socketPath, "sessions", store.Dir())

	srv, err := NewServer(socketPath, sel, provider.New(cfg), aiprompt.ResolveTimeout(cfg))
	if err != nil {
		slog.Error("failed to start server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		slog.Info("shutting down")
		srv.Close()
		store.Close()
		os.Exit(0)
	}()

	slog.Info("ready")
	if err := srv.Serve(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
