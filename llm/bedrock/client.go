// Package bedrock provides an llm.Client implementation backed by the AWS
// Bedrock Converse API via github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/flowforge/agentkernel/llm"
)

// RuntimeClient mirrors the subset of the Bedrock runtime client used by
// the adapter, satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	HighModel    string
	SmallModel   string
	MaxTokens    int
	Temperature  float32
}

// Client implements llm.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float32
}

// New builds a Bedrock-backed client from opts.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if strings.TrimSpace(opts.DefaultModel) == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
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

// Complete renders a single Converse call and translates the result.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("messages are required")
	}
	modelID := c.resolveModel(req)

	msgs := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := brtypes.ConversationRoleUser
		if m.Role == llm.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		msgs = append(msgs, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: msgs,
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	cfg := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(req.MaxTokens))
	} else if c.maxTok > 0 {
		cfg.MaxTokens = aws.Int32(int32(c.maxTok))
	}
	temp := req.Temperature
	if temp == 0 {
		temp = float64(c.temp)
	}
	if temp != 0 {
		cfg.Temperature = aws.Float32(float32(temp))
	}
	input.InferenceConfig = cfg

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return llm.Response{}, fmt.Errorf("%w: %v", llm.ErrRateLimited, err)
		}
		return llm.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(out), nil
}

func translateResponse(out *bedrockruntime.ConverseOutput) llm.Response {
	var sb strings.Builder
	if msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msgOutput.Value.Content {
			if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
				sb.WriteString(tb.Value)
			}
		}
	}
	resp := llm.Response{Content: sb.String(), StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.Usage = llm.Usage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp
}

func isRateLimited(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 429
	}
	return strings.Contains(strings.ToLower(err.Error()), "throttl")
}
