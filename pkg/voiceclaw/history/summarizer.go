package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
)

const summarizePrompt = "Summarize the following conversation into a concise paragraph. " +
	"Preserve key facts, decisions, and any important user information."

// TextCompleter is the model call a summarizer needs.
type TextCompleter interface {
	CompleteText(ctx context.Context, system, prompt string) (string, error)
}

// ModelSummarizer summarizes with one model call over the prefix.
type ModelSummarizer struct {
	Model TextCompleter
}

// Summarize implements Summarizer.
func (s ModelSummarizer) Summarize(ctx context.Context, prefix []store.Message) (string, error) {
	var b strings.Builder
	for _, m := range prefix {
		content := strings.TrimPrefix(m.Content, SummaryPrefix)
		switch {
		case m.IsSummary:
			fmt.Fprintf(&b, "earlier summary: %s\n", content)
		case len(m.ToolCalls) > 0:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, describeCalls(m))
		case m.ToolName != "":
			fmt.Fprintf(&b, "%s (%s): %s\n", m.Role, m.ToolName, content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
		}
	}
	out, err := s.Model.CompleteText(ctx, summarizePrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}
