package llm

import (
	"context"

	"github.com/sells-group/enrich-cli/pkg/gemini"
)

type geminiClient struct {
	client gemini.Client
	model  string
}

// NewGemini adapts a Gemini client.
func NewGemini(client gemini.Client, model string) Client {
	return &geminiClient{client: client, model: model}
}

func (c *geminiClient) Model() string { return c.model }

func (c *geminiClient) Ping(ctx context.Context) error { return c.client.Ping(ctx) }

func (c *geminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	greq := gemini.GenerateRequest{
		Model:     model,
		System:    req.System,
		Messages:  []gemini.Message{{Role: "user", Content: req.Prompt}},
		MaxTokens: int32(maxTokens),
		JSON:      req.JSON,
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		greq.Temperature = &t
	}

	resp, err := c.client.Generate(ctx, greq)
	if err != nil {
		return nil, err
	}
	return &Response{
		Text:         resp.Text,
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}
