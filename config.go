package aiprompt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	defaults "github.com/CWade3051/AIPrompt/default"
)

// Provider kinds.
const (
	ProviderLMStudio = "lmstudio"
	ProviderOpenAI   = "openai"
)

// Config represents the user's aiprompt configuration.
type Config struct {
	Version  int            `json:"version"`
	Provider ProviderConfig `json:"provider"`
	Shell    ShellConfig    `json:"shell"`
	Sessions SessionsConfig `json:"sessions"`
}

// ProviderConfig holds settings for the language-model backend.
type ProviderConfig struct {
	Kind           string `json:"kind"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	Model          string `json:"model"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ShellConfig holds settings for command execution.
type ShellConfig struct {
	// Posix is the interpreter for POSIX hosts; the command is passed after -c.
	Posix string `json:"posix"`
	// Windows is the interpreter for Windows hosts; the command is passed after -Command.
	Windows string `json:"windows"`
	// KillGraceMS is how long a terminated process tree gets before SIGKILL.
	KillGraceMS int `json:"kill_grace_ms,omitempty"`
}

// SessionsConfig holds settings for chat persistence.
type SessionsConfig struct {
	Dir                string `json:"dir,omitempty"`
	TranscriptMaxLines int    `json:"transcript_max_lines,omitempty"`
}

// ConfigDir returns the config directory path.
// Resolution order: $AIPROMPT_CONFIG_DIR > $XDG_CONFIG_HOME/aiprompt > ~/.config/aiprompt
func ConfigDir() string {
	if dir := os.Getenv("AIPROMPT_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "aiprompt")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "aiprompt-config")
	}
	return filepath.Join(home, ".config", "aiprompt")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// PromptPath returns the custom system prompt path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// LogPath returns the log file used by the interactive console.
func LogPath() string {
	return filepath.Join(ConfigDir(), "aiprompt.log")
}

// DefaultConfig returns the default configuration from the embedded default_config.json.
func DefaultConfig() *Config {
	var cfg Config
	if err := json.Unmarshal(defaults.DefaultConfigJSON, &cfg); err != nil {
		panic("aiprompt: invalid embedded default_config.json: " + err.Error())
	}
	return &cfg
}

// LoadConfig loads config from disk or returns defaults if not found.
func LoadConfig() (*Config, error) {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Provider.Kind == "" {
		cfg.Provider.Kind = defaults.Provider.Kind
	}
	if cfg.Provider.BaseURL == "" && cfg.Provider.Kind == defaults.Provider.Kind {
		cfg.Provider.BaseURL = defaults.Provider.BaseURL
	}
	if cfg.Provider.MaxTokens == 0 {
		cfg.Provider.MaxTokens = defaults.Provider.MaxTokens
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = defaults.Provider.TimeoutSeconds
	}
	if cfg.Shell.Posix == "" {
		cfg.Shell.Posix = defaults.Shell.Posix
	}
	if cfg.Shell.Windows == "" {
		cfg.Shell.Windows = defaults.Shell.Windows
	}
	if cfg.Shell.KillGraceMS == 0 {
		cfg.Shell.KillGraceMS = defaults.Shell.KillGraceMS
	}
	if cfg.Sessions.TranscriptMaxLines == 0 {
		cfg.Sessions.TranscriptMaxLines = defaults.Sessions.TranscriptMaxLines
	}

	return &cfg, nil
}

// ValidateConfig checks configuration for potential issues and returns warnings.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	if cfg == nil {
		return warnings
	}
	switch ResolveProvider(cfg) {
	case ProviderLMStudio:
	case ProviderOpenAI:
		if ResolveAPIKey(cfg) == "" {
			warnings = append(warnings, "provider is openai but no API key is configured; set AIPROMPT_API_KEY")
		}
	default:
		warnings = append(warnings, "unknown provider kind "+cfg.Provider.Kind+"; expected lmstudio or openai")
	}
	if cfg.Sessions.TranscriptMaxLines < 0 {
		warnings = append(warnings, "sessions.transcript_max_lines is negative; transcripts will not be retained")
	}
	if cfg.Provider.TimeoutSeconds < 0 {
		warnings = append(warnings, "provider.timeout_seconds is negative; the default is used")
	}
	return warnings
}

// ResolveProvider returns the provider kind.
// Priority: $AIPROMPT_PROVIDER env > config value.
func ResolveProvider(cfg *Config) string {
	if kind := os.Getenv("AIPROMPT_PROVIDER"); kind != "" {
		return strings.ToLower(kind)
	}
	if cfg != nil {
		return strings.ToLower(cfg.Provider.Kind)
	}
	return ProviderLMStudio
}

// ResolveBaseURL returns the provider base URL without a trailing slash.
// Priority: $AIPROMPT_BASE_URL env > config value > the provider's well-known URL.
func ResolveBaseURL(cfg *Config) string {
	url := os.Getenv("AIPROMPT_BASE_URL")
	if url == "" && cfg != nil {
		url = cfg.Provider.BaseURL
	}
	if url == "" && ResolveProvider(cfg) == ProviderOpenAI {
		url = "https://api.openai.com"
	}
	return strings.TrimRight(url, "/")
}

// ResolveAPIKey returns the provider API key.
// Priority: $AIPROMPT_API_KEY env > config value.
func ResolveAPIKey(cfg *Config) string {
	if key := os.Getenv("AIPROMPT_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Provider.APIKey
	}
	return ""
}

// ResolveModel returns the model name.
// Priority: $AIPROMPT_MODEL env > config value.
func ResolveModel(cfg *Config) string {
	if model := os.Getenv("AIPROMPT_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Provider.Model
	}
	return ""
}

// ResolveTimeout returns the bound on one provider round trip.
func ResolveTimeout(cfg *Config) time.Duration {
	if cfg == nil || cfg.Provider.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(cfg.Provider.TimeoutSeconds) * time.Second
}

// ResolveSessionsDir returns the directory holding one JSON file per chat.
// Priority: $AIPROMPT_SESSIONS_DIR env > config value > <config dir>/chats.
func ResolveSessionsDir(cfg *Config) string {
	if dir := os.Getenv("AIPROMPT_SESSIONS_DIR"); dir != "" {
		return dir
	}
	if cfg != nil && cfg.Sessions.Dir != "" {
		return cfg.Sessions.Dir
	}
	return filepath.Join(ConfigDir(), "chats")
}

// ResolveShell returns the interpreter and the arguments that precede the
// command string for the given OS kind.
func ResolveShell(cfg *Config, kind OSKind) (string, []string) {
	if kind == OSWindows {
		shell := "powershell"
		if cfg != nil && cfg.Shell.Windows != "" {
			shell = cfg.Shell.Windows
		}
		return shell, []string{"-NoProfile", "-Command"}
	}
	shell := "/bin/sh"
	if cfg != nil && cfg.Shell.Posix != "" {
		shell = cfg.Shell.Posix
	}
	return shell, []string{"-c"}
}

// ResolveKillGrace returns the delay between the graceful and the forceful
// stage of a process-tree kill.
func ResolveKillGrace(cfg *Config) time.Duration {
	if cfg == nil || cfg.Shell.KillGraceMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(cfg.Shell.KillGraceMS) * time.Millisecond
}

// ResolveSocketPath returns the daemon socket path.
// Priority: $AIPROMPT_SOCKET > $XDG_RUNTIME_DIR/aiprompt.sock > <tmp>/aiprompt-<uid>.sock
func ResolveSocketPath() string {
	if path := os.Getenv("AIPROMPT_SOCKET"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "aiprompt.sock")
	}
	return filepath.Join(os.TempDir(), "aiprompt-"+userToken()+".sock")
}

func userToken() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "default"
}
