// Package gemini wraps google.golang.org/genai for single-turn completions.
package gemini

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

// Client defines the Gemini operations used by the pipeline.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Ping(ctx context.Context) error
}

// GenerateRequest is one completion request.
type GenerateRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int32
	Temperature *float32
	// JSON requests an application/json response.
	JSON bool
}

// Message is one conversational turn. Role is "user" or "model".
type Message struct {
	Role    string
	Content string
}

// GenerateResponse is the text of the first non-empty candidate plus usage.
type GenerateResponse struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Config configures the client.
type Config struct {
	APIKey string
	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

type sdkClient struct {
	client *genai.Client
}

// NewClient creates a Gemini API client.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, eris.New("gemini: api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &sdkClient{client: client}, nil
}

func (c *sdkClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var role genai.Role = genai.RoleUser
		if m.Role == "model" || m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	gc := &genai.GenerateContentConfig{CandidateCount: 1}
	if req.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		gc.Temperature = genai.Ptr(*req.Temperature)
	}
	if req.JSON {
		gc.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, gc)
	if err != nil {
		return nil, classifyErr(err)
	}

	out := &GenerateResponse{Model: req.Model, Text: firstText(resp)}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	if out.Text == "" {
		return nil, eris.New("gemini: no text in response")
	}
	return out, nil
}

// Ping lists one model to confirm the key and endpoint work.
func (c *sdkClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return classifyErr(err)
	}
	return nil
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		var b strings.Builder
		for _, p := range cand.Content.Parts {
			if p != nil && p.Text != "" {
				b.WriteString(p.Text)
			}
		}
		if b.Len() > 0 {
			return b.String()
		}
	}
	return ""
}

// classifyErr marks API status errors as transient; every non-2xx is a
// call-level failure.
func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return resilience.NewTransientError(eris.Wrap(err, "gemini: generate"), apiErr.Code)
	}
	return eris.Wrap(err, "gemini: generate")
}
