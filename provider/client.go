// Package provider turns a natural-language prompt into a structured reply
// via an OpenAI-compatible chat-completions API (LM Studio or OpenAI).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	aiprompt "github.com/CWade3051/AIPrompt"
)

// ErrNotConfigured is returned when the provider cannot be called yet.
var ErrNotConfigured = errors.New("provider not configured")

// Client performs prompt round trips against one provider.
type Client struct {
	kind      string
	baseURL   string
	apiKey    string
	maxTokens int
	osKind    aiprompt.OSKind
	prompt    string // custom system prompt template, empty = built-in
	client    *http.Client

	mu    sync.Mutex
	model string
}

// NewClient creates a client for the given provider kind and endpoint.
func NewClient(kind, baseURL, apiKey, model string, maxTokens int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		kind:      kind,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		osKind:    aiprompt.CurrentOSKind(),
		client:    &http.Client{Timeout: timeout},
	}
}

// New creates a client from config, honouring the AIPROMPT_* overrides and
// a custom system prompt at aiprompt.PromptPath.
func New(cfg *aiprompt.Config) *Client {
	maxTokens := 0
	if cfg != nil {
		maxTokens = cfg.Provider.MaxTokens
	}
	c := NewClient(
		aiprompt.ResolveProvider(cfg),
		aiprompt.ResolveBaseURL(cfg),
		aiprompt.ResolveAPIKey(cfg),
		aiprompt.ResolveModel(cfg),
		maxTokens,
		aiprompt.ResolveTimeout(cfg),
	)
	c.prompt = loadCustomPrompt()
	return c
}

func loadCustomPrompt() string {
	path := aiprompt.PromptPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	slog.Info("loaded custom prompt", "path", path)
	return string(data)
}

// SetOSKind selects which command field the system prompt asks for.
func (c *Client) SetOSKind(kind aiprompt.OSKind) { c.osKind = kind }

// Kind returns the provider kind.
func (c *Client) Kind() string { return c.kind }

// Model returns the configured or auto-selected model.
func (c *Client) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel switches the model used for later prompts.
func (c *Client) SetModel(model string) {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
}

// Check reports what is missing before the provider can be called.
func (c *Client) Check() error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: no base URL; set AIPROMPT_BASE_URL", ErrNotConfigured)
	}
	if c.kind == aiprompt.ProviderOpenAI && c.apiKey == "" {
		return fmt.Errorf("%w: no API key; set AIPROMPT_API_KEY", ErrNotConfigured)
	}
	return nil
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type       string     `json:"type"`
	JSONSchema jsonSchema `json:"json_schema"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// replySchema is the structured-output schema every reply must match.
var replySchema = responseFormat{
	Type: "json_schema",
	JSONSchema: jsonSchema{
		Name:   "shell_response",
		Strict: true,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"powershell":   stringProp("ONLY the exact PowerShell commands to execute. No comments, no explanations, no backticks. If no command is needed, use empty string."),
				"zsh":          stringProp("ONLY the exact ZSH commands to execute. No comments, no explanations, no backticks. If no command is needed, use empty string."),
				"instructions": stringProp("All explanations, context, examples, and command descriptions go here. Use Markdown formatting."),
				"title":        stringProp("A short, descriptive title for this chat exchange (max 50 characters)"),
			},
			"required":             []string{"powershell", "zsh", "instructions", "title"},
			"additionalProperties": false,
		},
	},
}

// Submit sends prompt with the prior exchanges as context and returns the
// model's reply. Failed exchanges in history contribute only their prompt.
func (c *Client) Submit(ctx context.Context, history []aiprompt.Exchange, prompt string) (*aiprompt.Reply, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	model, err := c.resolveModel(ctx)
	if err != nil {
		return nil, err
	}

	messages := []chatMessage{{Role: "system", Content: SystemPrompt(c.prompt, c.osKind)}}
	for _, ex := range history {
		messages = append(messages, chatMessage{Role: "user", Content: ex.Prompt})
		if ex.Response != nil {
			data, err := json.Marshal(ex.Response)
			if err != nil {
				return nil, err
			}
			messages = append(messages, chatMessage{Role: "assistant", Content: string(data)})
		}
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	reqBody := chatRequest{
		Model:          model,
		Messages:       messages,
		ResponseFormat: &replySchema,
		MaxTokens:      c.maxTokens,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	start := time.Now()
	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var result chatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w (body: %s)", err, string(body))
	}
	if result.Error != nil {
		return nil, fmt.Errorf("API error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	reply := ParseReply(result.Choices[0].Message.Content)
	slog.Debug("prompt answered", "provider", c.kind, "model", model, "elapsed", time.Since(start), "title", reply.Title)
	return reply, nil
}

// resolveModel returns the configured model, or the first model the server
// lists when none is configured.
func (c *Client) resolveModel(ctx context.Context) (string, error) {
	if m := c.Model(); m != "" {
		return m, nil
	}
	models, err := c.Models(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: no model configured and listing failed: %v", ErrNotConfigured, err)
	}
	if len(models) == 0 {
		return "", fmt.Errorf("%w: no model configured and the server lists none", ErrNotConfigured)
	}
	c.SetModel(models[0])
	slog.Info("selected model", "model", models[0])
	return models[0], nil
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Models lists the model ids the provider serves. For OpenAI only chat
// models (gpt-*) are returned.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(httpReq)

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	var result modelsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse models: %w", err)
	}

	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		if c.kind == aiprompt.ProviderOpenAI && !strings.HasPrefix(m.ID, "gpt-") {
			continue
		}
		ids = append(ids, m.ID)
	}
	if c.kind == aiprompt.ProviderOpenAI {
		sort.Strings(ids)
	}
	return ids, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// ParseReply decodes model output. A ```json fence is removed first; output
// that is not a JSON object becomes a reply carrying only instructions.
func ParseReply(content string) *aiprompt.Reply {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	var reply aiprompt.Reply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return &aiprompt.Reply{Instructions: content}
	}
	reply.Title = strings.TrimSpace(reply.Title)
	return &reply
}
