// Package anthropic provides an llm.Client implementation backed by the
// Anthropic Claude Messages API. It translates llm.Request into a single
// sdk.MessageNewParams call using github.com/anthropics/anthropic-sdk-go
// and maps the response's text blocks and usage back into an
// llm.Response.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowforge/agentkernel/llm"
)

// MessagesClient captures the subset of the Anthropic SDK client used by
// the adapter, satisfied by *sdk.MessageService, so tests can substitute
// a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	Client       MessagesClient
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float64
}

// Client implements llm.Client via the Anthropic Messages API.
type Client struct {
	msg          MessagesClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float64
}

// New builds an Anthropic-backed client from opts.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		msg:          opts.Client,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey builds a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &c.Messages, DefaultModel: defaultModel})
}

func (c *Client) resolveModel(req llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	switch req.ModelClass {
	case llm.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case llm.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

// Complete renders a single Messages API call and translates the result.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("messages are required")
	}
	modelID := c.resolveModel(req)
	if modelID == "" {
		return llm.Response{}, errors.New("no model resolved for request")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temp
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case llm.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(block))
		default:
			msgs = append(msgs, sdk.NewUserMessage(block))
		}
	}

	params := sdk.MessageNewParams{
		Model:       sdk.Model(modelID),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Temperature: sdk.Float(temp),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %v", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(resp), nil
}

func translateResponse(resp *sdk.Message) llm.Response {
	var sb strings.Builder
	for _, block := range resp.Content {
		if text := block.AsAny(); text != nil {
			if tb, ok := text.(sdk.TextBlock); ok {
				sb.WriteString(tb.Text)
			}
		}
	}
	return llm.Response{
		Content: sb.String(),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		StopReason: string(resp.StopReason),
	}
}

func isRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}
