package llm

import (
	"context"

	"github.com/sells-group/enrich-cli/pkg/anthropic"
)

type anthropicClient struct {
	client   anthropic.Client
	model    string
	cacheTTL string
}

// NewAnthropic adapts an Anthropic client. System prompts are sent with a
// prompt-cache breakpoint so per-record calls in a batch reuse them.
func NewAnthropic(client anthropic.Client, model string) Client {
	return &anthropicClient{client: client, model: model, cacheTTL: "5m"}
}

func (c *anthropicClient) Model() string { return c.model }

func (c *anthropicClient) Ping(ctx context.Context) error { return c.client.Ping(ctx) }

func (c *anthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond with a single JSON object and nothing else."
	}

	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      anthropic.CachedSystem(req.System, c.cacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return &Response{
		Text:         resp.Text(),
		Model:        model,
		InputTokens:  resp.Usage.TotalInput(),
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
