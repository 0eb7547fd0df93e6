package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
)

// Context returns the model request for a conversation: the system prompt,
// the summary if any, then the remaining messages in order.
//
// An assistant tool-call message is sent natively only when all of its
// results follow it directly. Otherwise it is rendered as text and its
// results as system notes, which keeps the request valid for providers
// that reject dangling or interleaved tool calls.
func (m *Manager) Context(ctx context.Context, conversationID, systemPrompt string) ([]llm.Message, error) {
	msgs, err := m.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return Render(systemPrompt, msgs), nil
}

// Render converts stored messages into model messages.
func Render(systemPrompt string, msgs []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}

	native := nativeToolResults(msgs)
	for i, msg := range msgs {
		switch {
		case msg.IsSummary:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: msg.Content})

		case msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0:
			if native[i] {
				out = append(out, llm.Message{Role: llm.RoleAssistant, Content: msg.Content, ToolCalls: msg.ToolCalls})
				continue
			}
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: describeCalls(msg)})

		case msg.Role == llm.RoleTool:
			if native[i] {
				out = append(out, llm.Message{
					Role:       llm.RoleTool,
					Content:    msg.Content,
					ToolCallID: msg.ToolCallID,
					Name:       msg.ToolName,
				})
				continue
			}
			out = append(out, llm.Message{
				Role:    llm.RoleSystem,
				Content: fmt.Sprintf("[Result of %s]: %s", toolLabel(msg.ToolName), msg.Content),
			})

		default:
			out = append(out, llm.Message{Role: msg.Role, Content: msg.Content})
		}
	}
	return out
}

// nativeToolResults marks assistant tool-call messages whose results all
// follow directly, together with those results.
func nativeToolResults(msgs []store.Message) map[int]bool {
	native := make(map[int]bool)
	for i, msg := range msgs {
		if msg.Role != llm.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		want := make(map[string]bool, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			want[tc.ID] = true
		}
		j := i + 1
		for ; j < len(msgs) && msgs[j].Role == llm.RoleTool; j++ {
			if !want[msgs[j].ToolCallID] {
				break
			}
			delete(want, msgs[j].ToolCallID)
		}
		if len(want) != 0 {
			continue
		}
		for k := i; k < j; k++ {
			native[k] = true
		}
	}
	return native
}

func describeCalls(msg store.Message) string {
	var b strings.Builder
	if msg.Content != "" {
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("[Requested tools: ")
	for i, tc := range msg.ToolCalls {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tc.Name)
		if tc.Arguments != "" && tc.Arguments != "{}" {
			b.WriteString(" ")
			b.WriteString(tc.Arguments)
		}
	}
	b.WriteString("]")
	return b.String()
}

func toolLabel(name string) string {
	if name == "" {
		return "an earlier tool call"
	}
	return name
}
