package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/approval"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/channels"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
)

// Authorizer decides who may resolve approval requests.
type Authorizer interface {
	CanResolve(identity string) bool
}

// AdminList authorizes the listed identities. The empty list authorizes
// nobody.
type AdminList []string

// CanResolve implements Authorizer.
func (a AdminList) CanResolve(identity string) bool {
	return identity != "" && slices.Contains(a, identity)
}

// Decision is a resolver's verdict on one request.
type Decision struct {
	RequestID string
	Verdict   approval.Decision
	Resolver  string
}

// HandleDecision authorizes the resolver and applies the verdict. It never
// waits on a conversation mailbox; the waiting turn picks the outcome up
// from the ledger.
func (o *Orchestrator) HandleDecision(ctx context.Context, d Decision) (approval.Request, error) {
	if !o.Authorizer.CanResolve(d.Resolver) {
		o.logger.Warn("unauthorized approval decision",
			"request_id", d.RequestID,
			"resolver", d.Resolver,
		)
		return approval.Request{}, ErrUnauthorized
	}
	return o.Ledger.Resolve(ctx, d.RequestID, d.Verdict, d.Resolver)
}

// promptApproval sends the request with its buttons to the approvers and
// tells the requester when they are somewhere else.
func (o *Orchestrator) promptApproval(ctx context.Context, turn store.Turn, req approval.Request) {
	channel, chatID := o.opts.ApprovalChannel, o.opts.ApprovalChatID
	if channel == "" || chatID == "" {
		channel, chatID = turn.Channel, turn.ChatID
	}

	buttons := []channels.Button{
		{Text: "Approve", Data: "approve:" + req.ID, Style: channels.ButtonSuccess},
		{Text: "Deny", Data: "deny:" + req.ID, Style: channels.ButtonDanger},
	}
	o.sendText(ctx, channel, chatID, approval.AdminMessage(req), buttons)

	if channel != turn.Channel || chatID != turn.ChatID {
		o.sendText(ctx, turn.Channel, turn.ChatID,
			fmt.Sprintf("⏳ This needs admin approval: %s\nI'll continue once an admin decides.", req.Summary))
	}
}

// handleCallback routes a button press. Approval verdicts go straight to
// the ledger; conversation switches run on the user's mailbox.
func (o *Orchestrator) handleCallback(ctx context.Context, cb *channels.CallbackQuery) {
	prefix, value, _ := strings.Cut(cb.Data, ":")
	logger := o.logger.With("channel", cb.Channel, "from", cb.From, "action", prefix)
	logger.Info("callback received")

	switch prefix {
	case "approve":
		o.decide(ctx, cb, value, approval.Approve)
	case "deny":
		o.decide(ctx, cb, value, approval.Deny)
	case "conv":
		if !o.enqueue(cb.From, func() { o.switchConversation(o.ctx, cb, value) }) {
			o.answer(ctx, cb, "")
		}
	case "set_tts":
		o.setEngine(ctx, cb, value)
	case "set_mode":
		o.setMode(ctx, cb, value)
	default:
		logger.Debug("unknown callback", "data", cb.Data)
		o.answer(ctx, cb, "")
	}
}

func (o *Orchestrator) decide(ctx context.Context, cb *channels.CallbackQuery, requestID string, verdict approval.Decision) {
	req, err := o.HandleDecision(ctx, Decision{RequestID: requestID, Verdict: verdict, Resolver: cb.From})

	var conflict *approval.ConflictError
	switch {
	case errors.Is(err, ErrUnauthorized):
		o.answer(ctx, cb, "❌ You are not an admin.")
	case errors.As(err, &conflict):
		o.answer(ctx, cb, fmt.Sprintf("ℹ️ This request was already %s.", conflict.Current))
	case errors.Is(err, approval.ErrNotFound):
		o.answer(ctx, cb, "❌ Approval request not found.")
	case err != nil:
		o.logger.Error("failed to record decision", "request_id", requestID, "error", err)
		o.answer(ctx, cb, "⚠️ Could not record the decision.")
	default:
		if verdict == approval.Approve {
			o.answer(ctx, cb, "✅ Approved.")
		} else {
			o.answer(ctx, cb, "❌ Denied.")
		}
		if err := o.Transport.EditMessage(ctx, cb.Channel, cb.ChatID, cb.MessageID, approval.ResolutionMessage(req)); err != nil {
			o.logger.Debug("failed to update approval prompt", "request_id", requestID, "error", err)
		}
	}
}
