package orchestrator

import (
	"context"
	"fmt"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
)

// Recover resumes the work a previous process left behind. Open turns are
// driven again: finished calls keep their stored results, pending approvals
// get fresh waiters and overdue ones expire. Continuing turns ask the model
// again. Pending requests whose turn is gone are cancelled.
func (o *Orchestrator) Recover(ctx context.Context) error {
	turns, err := o.Store.UnfinishedTurns(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]bool)
	var reopened, continued int
	for _, t := range turns {
		switch t.Status {
		case store.TurnOpen:
			invs, err := o.Store.Invocations(ctx, t.ID)
			if err != nil {
				return err
			}
			for _, inv := range invs {
				live[inv.ID] = true
			}
			if o.enqueue(t.Requester, func() { o.drive(o.ctx, t, invs) }) {
				reopened++
			}
		case store.TurnContinuing:
			if o.enqueue(t.Requester, func() {
				o.respond(o.ctx, routeOf(t), t.ConversationID, t.Iteration+1, &t)
			}) {
				continued++
			}
		}
	}

	pending, err := o.Ledger.Pending(ctx)
	if err != nil {
		return err
	}
	var orphaned int
	for _, req := range pending {
		if live[req.ID] {
			continue
		}
		if _, err := o.Ledger.Cancel(ctx, req.ID, "turn no longer active"); err != nil {
			o.logger.Warn("failed to cancel orphaned approval", "request_id", req.ID, "error", err)
			continue
		}
		orphaned++
	}

	o.logger.Info("recovery finished",
		"open_turns", reopened,
		"continuing_turns", continued,
		"pending_approvals", len(pending)-orphaned,
		"orphaned_approvals", orphaned,
	)
	return nil
}

// Reset starts a new conversation for the user. The pending approvals of
// the old one are cancelled, its running executions are stopped and its
// open turns are closed, so late decisions and results change nothing.
// In-flight turns of the old conversation find themselves closed and stop.
func (o *Orchestrator) Reset(ctx context.Context, userID string) (store.Conversation, error) {
	old, err := o.Store.ActiveConversation(ctx, userID)
	if err != nil {
		return store.Conversation{}, err
	}

	turns, err := o.Store.CancelTurns(ctx, old.ID)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("cancel turns: %w", err)
	}
	requests, err := o.Ledger.CancelConversation(ctx, old.ID, "conversation reset")
	if err != nil {
		return store.Conversation{}, fmt.Errorf("cancel approvals: %w", err)
	}
	stopped := o.Executor.CancelConversation(old.ID)

	conv, err := o.Store.CreateConversation(ctx, userID, "")
	if err != nil {
		return store.Conversation{}, err
	}
	o.logger.Info("conversation reset",
		"user_id", userID,
		"old_conversation_id", old.ID,
		"conversation_id", conv.ID,
		"cancelled_turns", len(turns),
		"cancelled_approvals", len(requests),
		"stopped_executions", stopped,
	)
	return conv, nil
}
