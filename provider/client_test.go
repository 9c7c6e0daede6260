package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	aiprompt "github.com/CWade3051/AIPrompt"
)

// completionServer answers chat completions with content and records the
// last request body.
func completionServer(t *testing.T, content string, got *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" || r.Method != "POST" {
			http.NotFound(w, r)
			return
		}
		if got != nil {
			if err := json.NewDecoder(r.Body).Decode(got); err != nil {
				t.Errorf("decoding request: %v", err)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmit(t *testing.T) {
	var req chatRequest
	srv := completionServer(t, `{"zsh":"ls -la","powershell":"","instructions":"Lists files.","title":"List files"}`, &req)
	c := NewClient(aiprompt.ProviderLMStudio, srv.URL+"/", "", "local-model", 1000, time.Second)
	c.SetOSKind(aiprompt.OSPosix)

	history := []aiprompt.Exchange{
		{Prompt: "first", Response: &aiprompt.Reply{Posix: "pwd", Title: "Where"}},
		{Prompt: "failed one"},
	}
	reply, err := c.Submit(context.Background(), history, "list files")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if reply.CommandFor(aiprompt.OSPosix) != "ls -la" || reply.Title != "List files" {
		t.Errorf("reply = %+v", reply)
	}

	if req.Model != "local-model" || req.MaxTokens != 1000 {
		t.Errorf("model/max_tokens = %q/%d", req.Model, req.MaxTokens)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.JSONSchema.Name != "shell_response" {
		t.Errorf("response_format = %+v", req.ResponseFormat)
	}
	roles := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		roles[i] = m.Role
	}
	if want := "system user assistant user user"; strings.Join(roles, " ") != want {
		t.Errorf("roles = %v, want %s", roles, want)
	}
	if !strings.Contains(req.Messages[0].Content, `"zsh"`) {
		t.Errorf("system prompt does not name the zsh key: %q", req.Messages[0].Content)
	}
	if !strings.Contains(req.Messages[2].Content, `"zsh":"pwd"`) {
		t.Errorf("assistant message = %q", req.Messages[2].Content)
	}
	if last := req.Messages[len(req.Messages)-1]; last.Content != "list files" {
		t.Errorf("last message = %+v", last)
	}
}

func TestSubmitSendsAPIKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(aiprompt.ProviderOpenAI, srv.URL, "sk-test", "gpt-4o", 0, time.Second)
	if _, err := c.Submit(context.Background(), nil, "hi"); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{"status", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusBadRequest)
		}, "status 400"},
		{"api error", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"error":{"message":"quota exceeded"}}`)
		}, "quota exceeded"},
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[]}`)
		}, "no choices"},
		{"bad body", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<html>`)
		}, "failed to parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c := NewClient(aiprompt.ProviderLMStudio, srv.URL, "", "m", 0, time.Second)
			_, err := c.Submit(context.Background(), nil, "x")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSubmitTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(aiprompt.ProviderLMStudio, srv.URL, "", "m", 0, 100*time.Millisecond)
	start := time.Now()
	if _, err := c.Submit(context.Background(), nil, "x"); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Submit took %v", elapsed)
	}
}

func TestSubmitNotConfigured(t *testing.T) {
	c := NewClient(aiprompt.ProviderOpenAI, "https://api.openai.com", "", "gpt-4o", 0, time.Second)
	if _, err := c.Submit(context.Background(), nil, "x"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
	c = NewClient(aiprompt.ProviderLMStudio, "", "", "m", 0, time.Second)
	if err := c.Check(); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Check = %v, want ErrNotConfigured", err)
	}
}

func TestSubmitPicksFirstModel(t *testing.T) {
	var used string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			fmt.Fprint(w, `{"data":[{"id":"qwen"},{"id":"llama"}]}`)
		case "/v1/chat/completions":
			var req chatRequest
			json.NewDecoder(r.Body).Decode(&req)
			used = req.Model
			fmt.Fprint(w, `{"choices":[{"message":{"content":"{}"}}]}`)
		}
	}))
	defer srv.Close()

	c := NewClient(aiprompt.ProviderLMStudio, srv.URL, "", "", 0, time.Second)
	if _, err := c.Submit(context.Background(), nil, "x"); err != nil {
		t.Fatal(err)
	}
	if used != "qwen" || c.Model() != "qwen" {
		t.Errorf("model = %q (client %q), want qwen", used, c.Model())
	}
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"whisper-1"},{"id":"gpt-4o"},{"id":"dall-e-3"},{"id":"gpt-4.1-mini"}]}`)
	}))
	defer srv.Close()

	lm := NewClient(aiprompt.ProviderLMStudio, srv.URL, "", "", 0, time.Second)
	all, err := lm.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0] != "whisper-1" {
		t.Errorf("lmstudio models = %v, want all four in server order", all)
	}

	oa := NewClient(aiprompt.ProviderOpenAI, srv.URL, "sk", "", 0, time.Second)
	chat, err := oa.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(chat) != "[gpt-4.1-mini gpt-4o]" {
		t.Errorf("openai models = %v", chat)
	}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    aiprompt.Reply
	}{
		{
			name:    "plain json",
			content: `{"zsh":"df -h","powershell":"Get-PSDrive","instructions":"Disks.","title":" Disk usage "}`,
			want:    aiprompt.Reply{Posix: "df -h", Windows: "Get-PSDrive", Instructions: "Disks.", Title: "Disk usage"},
		},
		{
			name:    "json fence",
			content: "```json\n{\"zsh\":\"uptime\",\"instructions\":\"Load.\",\"title\":\"Uptime\"}\n```",
			want:    aiprompt.Reply{Posix: "uptime", Instructions: "Load.", Title: "Uptime"},
		},
		{
			name:    "bare fence",
			content: "```\n{\"zsh\":\"whoami\"}\n```",
			want:    aiprompt.Reply{Posix: "whoami"},
		},
		{
			name:    "not json",
			content: "I cannot help with that.",
			want:    aiprompt.Reply{Instructions: "I cannot help with that."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseReply(tt.content)
			if *got != tt.want {
				t.Errorf("ParseReply = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestSystemPrompt(t *testing.T) {
	posix := SystemPrompt("", aiprompt.OSPosix)
	if !strings.Contains(posix, `"zsh": ONLY`) || !strings.Contains(posix, "Unix/macOS") {
		t.Errorf("posix prompt:\n%s", posix)
	}
	win := SystemPrompt("", aiprompt.OSWindows)
	if !strings.Contains(win, `"powershell": ONLY`) || !strings.Contains(win, "PowerShell expert") {
		t.Errorf("windows prompt:\n%s", win)
	}

	custom := SystemPrompt("Answer in {{ .Shell }} only.", aiprompt.OSWindows)
	if custom != "Answer in PowerShell only." {
		t.Errorf("custom prompt = %q", custom)
	}
	broken := SystemPrompt("{{ .Nope", aiprompt.OSPosix)
	if broken != posix {
		t.Errorf("broken template did not fall back to the default")
	}
}
