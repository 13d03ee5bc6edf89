// Package llm is the provider-neutral completion interface used by stages.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Request is a single-turn completion: a role-setting system prompt and
// one user prompt.
type Request struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature *float64
	// JSON asks the backend for a JSON object answer where supported.
	JSON bool
}

// Response is the completion text plus token usage.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Client completes prompts against a language-model backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Ping(ctx context.Context) error
	// Model is the default model used when a Request leaves Model empty.
	Model() string
}

// DefaultMaxTokens bounds answers when a Request sets no limit.
const DefaultMaxTokens = 1024

// Temperature returns a pointer for Request.Temperature.
func Temperature(t float64) *float64 { return &t }

// DecodeJSON parses the first JSON object in text into v. Markdown code
// fences and leading prose are tolerated.
func DecodeJSON(text string, v any) error {
	s := strings.TrimSpace(text)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return eris.Errorf("llm: no JSON in response %q", truncate(text, 120))
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end < start {
		return eris.Errorf("llm: unterminated JSON in response %q", truncate(text, 120))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return eris.Wrap(err, "llm: decode JSON response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
