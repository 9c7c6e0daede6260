package aiprompt

// Actions understood by the daemon.
const (
	ActionNewChat   = "new_chat"
	ActionSwitch    = "switch"
	ActionDelete    = "delete"
	ActionDeleteAll = "delete_all"
	ActionList      = "list"
	ActionCurrent   = "current"
	ActionPrompt    = "prompt"
	ActionRun       = "run"
	ActionKill      = "kill"
	ActionClear     = "clear"
	ActionModels    = "models"
	ActionConfig    = "config"
)

// Request is sent from a front-end to the daemon, one JSON object per line.
type Request struct {
	// Action is one of the Action* constants.
	Action string `json:"action"`
	// ID is the target session for "switch".
	ID string `json:"id,omitempty"`
	// IDs are the sessions to remove for "delete".
	IDs []string `json:"ids,omitempty"`
	// Prompt is the natural-language request for "prompt".
	Prompt string `json:"prompt,omitempty"`
	// Command is the shell command for "run".
	Command string `json:"command,omitempty"`
}

// Response answers every action except "run".
type Response struct {
	// Session is the current session after the action.
	Session *Session `json:"session,omitempty"`
	// Sessions is the listing for "list", newest first.
	Sessions []SessionInfo `json:"sessions,omitempty"`
	// Reply is the model's answer for "prompt".
	Reply *Reply `json:"reply,omitempty"`
	// Models lists the provider's models for "models".
	Models []string `json:"models,omitempty"`
	// Config is the effective configuration for "config".
	Config *Config `json:"config,omitempty"`
	// Warnings are configuration problems found for "config".
	Warnings []string `json:"warnings,omitempty"`
	// Error is set when the action failed.
	Error *Error `json:"error,omitempty"`
}

// Event types streamed for "run".
const (
	EventLine = "line"
	EventExit = "exit"
)

// Event is streamed back for "run": one "line" event per output line, then a
// single "exit" event, after which the daemon closes the connection.
type Event struct {
	Type string `json:"type"`
	// Line is the output line for "line" events.
	Line string `json:"line,omitempty"`
	// State is the terminal runner state for "exit" events
	// ("completed", "killed", "spawn_failed").
	State string `json:"state,omitempty"`
	// ExitCode is the process exit status for "exit" events; -1 when unknown.
	ExitCode int `json:"exit_code"`
	// Error is set when the run could not start or failed mid-stream.
	Error *Error `json:"error,omitempty"`
}

// Error describes a daemon-side error returned to the front-end.
type Error struct {
	// Code is a machine-readable error identifier (e.g. "not_found", "spawn_failed").
	Code string `json:"code"`
	// Message is a human-readable error description.
	Message string `json:"message"`
}
