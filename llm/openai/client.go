// Package openai provides an llm.Client implementation backed by the
// OpenAI Chat Completions API via github.com/openai/openai-go.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flowforge/agentkernel/llm"
)

// ChatClient captures the subset of the OpenAI SDK used by the adapter.
type ChatClient interface {
	New(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements llm.Client via OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string
}

// New builds an OpenAI-backed client from opts.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID}, nil
}

// NewFromAPIKey builds a Client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	c := oai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &c.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a single chat completion call.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, oai.UserMessage(m.Content))
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    modelID,
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = oai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(req.MaxTokens))
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %v", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(resp), nil
}

func translateResponse(resp *oai.ChatCompletion) llm.Response {
	var content, stop string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		stop = string(resp.Choices[0].FinishReason)
	}
	return llm.Response{
		Content: content,
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		StopReason: stop,
	}
}

func isRateLimited(err error) bool {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}
