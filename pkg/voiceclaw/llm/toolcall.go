package llm

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// inlineToolCall is the text protocol some models fall back to when they
// do not emit native tool calls.
type inlineToolCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// ParseInlineToolCall extracts a {"tool": ..., "args": {...}} object from
// response text. The span from the first '{' to the last '}' must be that
// object; anything else is ordinary text.
func ParseInlineToolCall(text string) (ToolCall, bool) {
	trimmed := strings.TrimSpace(text)
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end <= start {
		return ToolCall{}, false
	}

	var call inlineToolCall
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &call); err != nil {
		return ToolCall{}, false
	}
	if call.Tool == "" || len(call.Args) == 0 {
		return ToolCall{}, false
	}

	var obj map[string]any
	if err := json.Unmarshal(call.Args, &obj); err != nil {
		return ToolCall{}, false
	}

	return ToolCall{
		ID:        "inline_" + uuid.NewString(),
		Name:      call.Tool,
		Arguments: string(call.Args),
	}, true
}

// WithInlineToolCalls returns resp with an inline tool call promoted to a
// native one when the provider returned none.
func WithInlineToolCalls(resp *Response) *Response {
	if resp == nil || len(resp.ToolCalls) > 0 {
		return resp
	}
	call, ok := ParseInlineToolCall(resp.Content)
	if !ok {
		return resp
	}
	out := *resp
	out.Content = ""
	out.ToolCalls = []ToolCall{call}
	return &out
}
