package history

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
)

// Compaction reports what MaybeCompact did.
type Compaction struct {
	Compacted  bool
	Summarized bool
	Removed    int
	Before     int
	After      int
}

// MaybeCompact brings the conversation under the low watermark when its
// estimate exceeds the budget. The oldest prefix whose removal, plus the
// summary allowance, reaches the watermark is replaced by one summary
// message. If summarization fails the prefix is dropped.
func (m *Manager) MaybeCompact(ctx context.Context, conversationID string) (Compaction, error) {
	unlock := m.lock(conversationID)
	defer unlock()

	msgs, err := m.store.Messages(ctx, conversationID)
	if err != nil {
		return Compaction{}, fmt.Errorf("load history: %w", err)
	}

	total := 0
	for _, msg := range msgs {
		total += msg.TokenCost
	}
	res := Compaction{Before: total, After: total}
	if total <= m.opts.MaxTokens {
		return res, nil
	}

	low := int(math.Floor(float64(m.opts.MaxTokens) * m.opts.LowWatermark))
	allowance := int(math.Ceil(float64(m.opts.MaxTokens) * m.opts.SummaryShare))

	// Smallest prefix with total - removed + allowance <= low.
	removed, cut := 0, 0
	for cut < len(msgs) && total-removed+allowance > low {
		removed += msgs[cut].TokenCost
		cut++
	}
	prefix := msgs[:cut]
	through := prefix[len(prefix)-1].Seq

	var summary *store.Message
	if text := m.summarize(ctx, conversationID, prefix, allowance); text != "" {
		s := store.Message{Role: llm.RoleSystem, Content: text}
		s.TokenCost = Estimate(s)
		summary = &s
	}

	n, err := m.store.ReplacePrefix(ctx, conversationID, through, summary)
	if err != nil {
		return res, fmt.Errorf("replace prefix: %w", err)
	}

	res.Compacted = true
	res.Removed = n
	res.After = total - removed
	if summary != nil {
		res.Summarized = true
		res.After += summary.TokenCost
		if err := m.store.SetConversationSummary(ctx, conversationID, strings.TrimPrefix(summary.Content, SummaryPrefix)); err != nil {
			m.logger.Warn("failed to store conversation summary", "conversation_id", conversationID, "error", err)
		}
	}

	m.logger.Info("conversation compacted",
		"conversation_id", conversationID,
		"removed", n,
		"summarized", res.Summarized,
		"tokens_before", res.Before,
		"tokens_after", res.After,
	)
	return res, nil
}

// summarize returns the summary message content capped to the allowance,
// or "" when the prefix should be dropped.
func (m *Manager) summarize(ctx context.Context, conversationID string, prefix []store.Message, allowance int) string {
	if m.summarizer == nil {
		m.logger.Warn("no summarizer, dropping history prefix",
			"conversation_id", conversationID, "messages", len(prefix))
		return ""
	}
	text, err := m.summarizer.Summarize(ctx, prefix)
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		m.logger.Warn("summarization failed, dropping history prefix",
			"conversation_id", conversationID,
			"messages", len(prefix),
			"error", err,
		)
		return ""
	}
	capped := capText(SummaryPrefix+text, allowance)
	if len(capped) <= len(SummaryPrefix) {
		return ""
	}
	return capped
}
