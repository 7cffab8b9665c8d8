package toolloop

import "github.com/flowforge/agentkernel/llm"

// The payload shapes below mirror the normalized event taxonomy's field
// names verbatim (spec.md §6), so an exported envelope's payload JSON is
// self-describing without a side-channel schema.

type messageDeltaPayload struct {
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

func messagePayload(content, role string) messageDeltaPayload {
	return messageDeltaPayload{Content: content, Role: role}
}

type messageCompletePayload struct {
	Content      string `json:"content"`
	Role         string `json:"role"`
	FinishReason string `json:"finish_reason,omitempty"`
}

func messageCompletePayload(content, role, finishReason string) messageCompletePayload {
	return messageCompletePayload{Content: content, Role: role, FinishReason: finishReason}
}

type usagePayloadT struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func usagePayload(u llm.Usage) usagePayloadT {
	return usagePayloadT{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens, TotalTokens: u.TotalTokens}
}

type toolCallDeltaPayloadT struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func toolCallDeltaPayload(index int, call ToolCall) toolCallDeltaPayloadT {
	return toolCallDeltaPayloadT{Index: index, ID: call.ID, Name: call.Name, Arguments: call.Arguments}
}

type toolCallCompletePayloadT struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func toolCallCompletePayload(call ToolCall) toolCallCompletePayloadT {
	return toolCallCompletePayloadT{ID: call.ID, Name: call.Name, Arguments: call.Arguments}
}

type toolResultPayloadT struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Success    bool   `json:"success"`
}

func toolResultPayload(call ToolCall, content string, success bool) toolResultPayloadT {
	return toolResultPayloadT{ToolCallID: call.ID, Name: call.Name, Content: content, Success: success}
}

type donePayloadT struct {
	Reason string `json:"reason,omitempty"`
}

func donePayload(reason string) donePayloadT { return donePayloadT{Reason: reason} }

type errorPayloadT struct {
	Message string `json:"message"`
}

func errorPayload(message string) errorPayloadT { return errorPayloadT{Message: message} }
