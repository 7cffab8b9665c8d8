package patterns

import (
	"context"
	"fmt"

	"github.com/flowforge/agentkernel/llm"
)

// addUsage accumulates delta into total, initializing it on first use.
func addUsage(total *TokenUsage, delta llm.Usage) {
	total.PromptTokens += delta.InputTokens
	total.CompletionTokens += delta.OutputTokens
	total.TotalTokens += delta.TotalTokens
}

// complete runs a single completion call against client, wrapping
// transport errors with enough context for isRetryableError to
// classify them.
func complete(ctx context.Context, client llm.Client, req llm.Request) (llm.Response, error) {
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return llm.Response{}, fmt.Errorf("llm completion: %w", err)
	}
	return resp, nil
}
