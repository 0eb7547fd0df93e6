package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInlineToolCall(t *testing.T) {
	t.Parallel()

	call, ok := ParseInlineToolCall("  {\"tool\": \"run_command\", \"args\": {\"command\": \"date\"}}  ")
	require.True(t, ok)
	assert.Equal(t, "run_command", call.Name)
	assert.JSONEq(t, `{"command":"date"}`, call.Arguments)
	assert.NotEmpty(t, call.ID)

	call, ok = ParseInlineToolCall("Sure!\n```json\n{\"tool\": \"get_time\", \"args\": {}}\n```")
	require.True(t, ok)
	assert.Equal(t, "get_time", call.Name)

	for _, text := range []string{
		"Hello there",
		`{"answer": 42}`,
		`{"tool": "x"}`,
		`{"tool": "x", "args": [1, 2]}`,
		`{"tool": "x", "args": {}`,
	} {
		_, ok := ParseInlineToolCall(text)
		assert.False(t, ok, text)
	}
}

func TestWithInlineToolCalls(t *testing.T) {
	t.Parallel()

	native := &Response{Content: `{"tool":"a","args":{}}`, ToolCalls: []ToolCall{{ID: "1", Name: "b"}}}
	assert.Same(t, native, WithInlineToolCalls(native))

	plain := &Response{Content: "just text"}
	assert.Same(t, plain, WithInlineToolCalls(plain))

	promoted := WithInlineToolCalls(&Response{Content: `{"tool":"get_time","args":{"timezone":"UTC"}}`})
	require.Len(t, promoted.ToolCalls, 1)
	assert.Equal(t, "get_time", promoted.ToolCalls[0].Name)
	assert.Empty(t, promoted.Content)
}
