package toolloop

import "strings"

// parseToolCalls scans content for lines of the form
// "Tool Call: tool_name(<json arguments>)" and returns one ToolCall per
// match, in the order they appear. IDs are left empty here; Run assigns
// deterministic IDs for any call the model didn't name itself, the same
// way the teacher's normalizeToolCall fills in a missing ToolCallID.
//
// This convention generalizes patterns.parseToolCall (which recognizes a
// single "Action:"/"Tool:" line) to multiple calls per response and to
// carrying a JSON arguments blob rather than a free-text parameter
// string, since dispatch through the Tool Registry requires JSON.
func parseToolCalls(content string) []ToolCall {
	var calls []ToolCall
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)

		var prefix string
		switch {
		case strings.HasPrefix(lower, "tool call:"):
			prefix = "tool call:"
		case strings.HasPrefix(lower, "action:"):
			prefix = "action:"
		default:
			continue
		}

		remainder := strings.TrimSpace(trimmed[len(prefix):])
		open := strings.Index(remainder, "(")
		if open < 0 || !strings.HasSuffix(remainder, ")") {
			continue
		}
		name := strings.TrimSpace(remainder[:open])
		if name == "" {
			continue
		}
		args := strings.TrimSpace(remainder[open+1 : len(remainder)-1])
		if args == "" {
			args = "{}"
		}
		calls = append(calls, ToolCall{Name: name, Arguments: args})
	}
	return calls
}
