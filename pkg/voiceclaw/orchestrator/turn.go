package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/approval"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/llm"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/persona"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/risk"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/store"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/tools"
)

// Tool results recorded for calls that never run.
const (
	blockedOutput   = "Blocked: this action is forbidden by the security policy and was not run."
	deniedOutput    = "Denied: an admin declined this action. It was not run."
	expiredOutput   = "Expired: no admin decided before the approval deadline. It was not run."
	cancelledOutput = "Cancelled: the conversation was reset before a decision. It was not run."
)

// User-facing texts.
const (
	msgSomethingWrong = "⚠️ Something went wrong on my side. Please try again."
	msgEmptyReply     = "I have nothing to add."
	msgStepLimit      = "I stopped after several tool steps without reaching an answer. Please try rephrasing."
	msgBlocked        = "🚫 That action is blocked for safety reasons: %s"
	msgDenied         = "❌ An admin denied this action: %s"
	msgExpired        = "⌛ No admin decided in time, so this action was not run: %s"
)

// call is a tool invocation after argument parsing and classification.
type call struct {
	inv    store.Invocation
	args   map[string]any
	assess risk.Assessment

	// done is set when the invocation already has a result.
	done bool

	// synthetic is the recorded output of a call that will not run.
	synthetic string
}

func (c call) needsApproval() bool {
	return !c.done && c.synthetic == "" && c.assess.Tier == risk.Risky
}

// respond asks the model for the next step of a conversation. prev is the
// continuing turn whose results were just appended, nil for a fresh user
// message. The model either answers, closing the chain, or requests tools,
// which opens a new turn.
func (o *Orchestrator) respond(ctx context.Context, rt route, conversationID string, iteration int, prev *store.Turn) {
	logger := o.logger.With("conversation_id", conversationID, "iteration", iteration)

	profile := ""
	if u, err := o.Store.User(ctx, rt.UserID); err == nil {
		profile = u.ProfileSummary
	} else {
		logger.Warn("failed to load user profile", "user_id", rt.UserID, "error", err)
	}
	registry := o.Executor.Registry()
	system := persona.BuildSystemPrompt(o.Persona.Current(), profile, registry.Describe())

	msgs, err := o.History.Context(ctx, conversationID, system)
	if err != nil {
		logger.Error("failed to build model context", "error", err)
		o.abandon(ctx, prev)
		o.sendText(ctx, rt.Channel, rt.ChatID, msgSomethingWrong)
		return
	}

	// The last allowed round trip gets no tools so the model has to answer.
	final := iteration >= o.opts.MaxIterations
	defs := registry.Definitions()
	if final {
		defs = nil
	}

	o.Transport.SendTyping(ctx, rt.Channel, rt.ChatID)
	resp, err := o.Model.Complete(ctx, msgs, defs)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("model completion failed", "kind", llm.KindOf(err).String(), "error", err)
		o.abandon(ctx, prev)
		o.reply(ctx, rt, llm.UserMessage(err))
		return
	}

	if !final {
		resp = llm.WithInlineToolCalls(resp)
	}
	if final || len(resp.ToolCalls) == 0 {
		text := strings.TrimSpace(resp.Content)
		switch {
		case text == "" && final:
			text = msgStepLimit
		case text == "":
			text = msgEmptyReply
		}
		reply := store.Message{Role: llm.RoleAssistant, Content: text}
		if err := o.finish(ctx, conversationID, prev, &reply); err != nil {
			if errors.Is(err, store.ErrTurnClosed) {
				logger.Info("turn closed before the reply, dropping it")
				return
			}
			logger.Error("failed to store reply", "error", err)
		}
		o.reply(ctx, rt, text)
		return
	}

	o.openTurn(ctx, rt, conversationID, iteration, prev, resp)
}

// openTurn persists the tool-call message as a turn and drives it.
func (o *Orchestrator) openTurn(ctx context.Context, rt route, conversationID string, iteration int, prev *store.Turn, resp *llm.Response) {
	invs := make([]store.Invocation, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		invs[i] = store.Invocation{CallID: tc.ID, ToolName: tc.Name, Arguments: tc.Arguments}
	}
	nt := store.NewTurn{
		Turn: store.Turn{
			ConversationID: conversationID,
			Channel:        rt.Channel,
			ChatID:         rt.ChatID,
			Requester:      rt.UserID,
			ReplyVoice:     rt.Voice,
			Iteration:      iteration,
		},
		Assistant:   store.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls},
		Invocations: invs,
	}
	if prev != nil {
		nt.Supersedes = prev.ID
	}

	turn, saved, err := o.History.OpenTurn(ctx, nt)
	switch {
	case errors.Is(err, store.ErrTurnClosed):
		o.logger.Info("turn closed before its continuation, dropping tool calls", "conversation_id", conversationID)
		return
	case err != nil && turn.ID == "":
		o.logger.Error("failed to open turn", "conversation_id", conversationID, "error", err)
		o.abandon(ctx, prev)
		o.sendText(ctx, rt.Channel, rt.ChatID, msgSomethingWrong)
		return
	case err != nil:
		o.logger.Warn("turn opened but compaction failed", "turn_id", turn.ID, "error", err)
	}

	o.logger.Info("turn opened",
		"turn_id", turn.ID,
		"conversation_id", conversationID,
		"calls", len(saved),
		"iteration", iteration,
	)
	if text := strings.TrimSpace(resp.Content); text != "" {
		o.sendText(ctx, rt.Channel, rt.ChatID, text)
	}
	o.drive(ctx, turn, saved)
}

// drive classifies the calls of an open turn and runs them. Turns that need
// no approval run inline and continue on the caller's mailbox task; the
// others wait in the background and post their continuation back.
func (o *Orchestrator) drive(ctx context.Context, turn store.Turn, invs []store.Invocation) {
	logger := o.logger.With("turn_id", turn.ID, "conversation_id", turn.ConversationID)

	calls := make([]call, 0, len(invs))
	waiting := false
	for _, inv := range invs {
		c, err := o.prepare(ctx, inv)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to prepare tool call", "invocation_id", inv.ID, "error", err)
				o.sendText(ctx, turn.Channel, turn.ChatID, msgSomethingWrong)
			}
			return
		}
		waiting = waiting || c.needsApproval()
		calls = append(calls, c)
	}

	if !waiting {
		if o.runCalls(ctx, turn, calls) {
			o.continueTurn(ctx, turn)
		}
		return
	}

	started := o.spawn(func() {
		if !o.runCalls(o.ctx, turn, calls) {
			return
		}
		if !o.enqueue(turn.Requester, func() { o.continueTurn(o.ctx, turn) }) {
			logger.Info("shutting down, continuation left for recovery")
		}
	})
	if !started {
		logger.Info("shutting down, turn left for recovery")
	}
}

// prepare parses and classifies one call. Calls that already have a result
// are marked done; invalid and Blocked calls get their synthetic output.
func (o *Orchestrator) prepare(ctx context.Context, inv store.Invocation) (call, error) {
	c := call{inv: inv}

	if _, ok, err := o.Executor.Lookup(ctx, inv.ID); err != nil {
		return c, err
	} else if ok {
		c.done = true
		return c, nil
	}

	args, err := o.Executor.Registry().ParseArguments(inv.ToolName, inv.Arguments)
	if err != nil {
		var argErr *tools.ArgumentError
		switch {
		case errors.Is(err, tools.ErrUnknownTool):
			c.synthetic = fmt.Sprintf("Error: unknown tool %q. It was not run.", inv.ToolName)
		case errors.As(err, &argErr):
			c.synthetic = "Error: " + argErr.Error() + ". It was not run."
		default:
			return c, err
		}
		return c, nil
	}
	c.args = args

	c.assess = o.Classifier.Assess(inv.ToolName, args)
	if err := o.Store.SetInvocationTier(ctx, inv.ID, c.assess.Tier.String()); err != nil {
		return c, err
	}
	if c.assess.Tier == risk.Blocked {
		c.synthetic = blockedOutput
	}
	o.logger.Info("tool call classified",
		"invocation_id", inv.ID,
		"tool", inv.ToolName,
		"tier", c.assess.Tier.String(),
		"reason", c.assess.Reason,
	)
	return c, nil
}

// runCalls drives the calls of a turn concurrently and reports whether all
// of them completed.
func (o *Orchestrator) runCalls(ctx context.Context, turn store.Turn, calls []call) bool {
	completed := make([]bool, len(calls))
	var wg conc.WaitGroup
	for i := range calls {
		wg.Go(func() {
			completed[i] = o.runCall(ctx, turn, calls[i])
		})
	}
	if r := wg.WaitAndRecover(); r != nil {
		o.logger.Error("tool call panicked", "turn_id", turn.ID, "panic", r.String())
		return false
	}
	for _, ok := range completed {
		if !ok {
			return false
		}
	}
	return true
}

// runCall takes one call from Classified to Completed. It returns false
// when the call was interrupted and must be resumed by recovery.
func (o *Orchestrator) runCall(ctx context.Context, turn store.Turn, c call) bool {
	logger := o.logger.With("invocation_id", c.inv.ID, "tool", c.inv.ToolName)

	switch {
	case c.done:
	case c.synthetic != "":
		if !o.record(ctx, c.inv.ID, c.synthetic) {
			return false
		}
		if c.assess.Tier == risk.Blocked {
			logger.Warn("blocked tool call refused", "reason", c.assess.Reason)
			o.notify(ctx, turn, msgBlocked, c)
		}
	case c.assess.Tier == risk.Safe:
		if !o.execute(ctx, turn, c) {
			return false
		}
	default:
		outcome, err := o.awaitApproval(ctx, turn, c)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("approval wait failed", "error", err)
			}
			return false
		}
		o.setState(ctx, c.inv.ID, store.StateResolved)
		logger.Info("approval resolved", "outcome", string(outcome))

		var ok bool
		switch outcome {
		case approval.StatusApproved:
			open, err := o.turnOpen(ctx, turn.ID)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					logger.Error("failed to check turn before running approved call", "error", err)
				}
				return false
			case open:
				ok = o.execute(ctx, turn, c)
			default:
				logger.Info("turn closed after approval, call not run")
				ok = o.record(ctx, c.inv.ID, cancelledOutput)
			}
		case approval.StatusDenied:
			if ok = o.record(ctx, c.inv.ID, deniedOutput); ok {
				o.notify(ctx, turn, msgDenied, c)
			}
		case approval.StatusExpired:
			if ok = o.record(ctx, c.inv.ID, expiredOutput); ok {
				o.notify(ctx, turn, msgExpired, c)
			}
		default:
			ok = o.record(ctx, c.inv.ID, cancelledOutput)
		}
		if !ok {
			return false
		}
	}

	o.setState(ctx, c.inv.ID, store.StateCompleted)
	return true
}

// awaitApproval enqueues the request, prompts the approvers the first time
// and waits for a terminal status. A turn closed before the request exists
// counts as cancelled.
func (o *Orchestrator) awaitApproval(ctx context.Context, turn store.Turn, c call) (approval.Outcome, error) {
	req, created, err := o.Ledger.Enqueue(ctx, approval.Ticket{
		ID:             c.inv.ID,
		ConversationID: turn.ConversationID,
		TurnID:         turn.ID,
		ToolName:       c.inv.ToolName,
		Args:           c.args,
		Tier:           c.assess.Tier.String(),
		Requester:      turn.Requester,
		ChatID:         turn.ChatID,
		Reason:         c.assess.Reason,
	})
	if errors.Is(err, approval.ErrTurnClosed) {
		return approval.StatusCancelled, nil
	}
	if err != nil {
		return "", err
	}
	o.setState(ctx, c.inv.ID, store.StateAwaitingApproval)
	if created {
		o.promptApproval(ctx, turn, req)
	}
	return o.Ledger.Await(ctx, req.ID, 0)
}

// execute runs an approved or Safe call through the executor.
func (o *Orchestrator) execute(ctx context.Context, turn store.Turn, c call) bool {
	o.setState(ctx, c.inv.ID, store.StateExecuting)
	res, err := o.Executor.Execute(ctx, tools.Invocation{
		ID:             c.inv.ID,
		ConversationID: turn.ConversationID,
		ToolName:       c.inv.ToolName,
		Args:           c.args,
		Tier:           c.assess.Tier,
		Requester:      turn.Requester,
	})
	switch {
	case errors.Is(err, tools.ErrAlreadyExecuted):
	case err != nil && ctx.Err() != nil:
		return false
	case err != nil:
		o.logger.Error("tool execution failed", "invocation_id", c.inv.ID, "error", err)
		return o.record(ctx, c.inv.ID, "Error: "+err.Error())
	}
	if res.TimedOut {
		o.sendText(ctx, turn.Channel, turn.ChatID,
			fmt.Sprintf("⏱️ %s took too long and was stopped.", c.inv.ToolName))
	}
	return true
}

func (o *Orchestrator) turnOpen(ctx context.Context, turnID string) (bool, error) {
	current, err := o.Store.Turn(ctx, turnID)
	if err != nil {
		return false, err
	}
	return current.Status == store.TurnOpen, nil
}

// notify tells the requester why a call did not run.
func (o *Orchestrator) notify(ctx context.Context, turn store.Turn, format string, c call) {
	o.sendText(ctx, turn.Channel, turn.ChatID, fmt.Sprintf(format, approval.Describe(c.inv.ToolName, c.args)))
}

func (o *Orchestrator) record(ctx context.Context, invocationID, output string) bool {
	if _, err := o.Executor.Record(ctx, invocationID, output); err != nil {
		if ctx.Err() == nil {
			o.logger.Error("failed to record tool result", "invocation_id", invocationID, "error", err)
		}
		return false
	}
	return true
}

func (o *Orchestrator) setState(ctx context.Context, invocationID string, state store.InvocationState) {
	if err := o.Store.SetInvocationState(ctx, invocationID, state); err != nil && ctx.Err() == nil {
		o.logger.Warn("failed to record invocation state", "invocation_id", invocationID, "state", string(state), "error", err)
	}
}

// continueTurn appends all results of a completed turn and asks the model
// for the next step. A turn closed in the meantime (reset) is left alone.
func (o *Orchestrator) continueTurn(ctx context.Context, turn store.Turn) {
	logger := o.logger.With("turn_id", turn.ID, "conversation_id", turn.ConversationID)

	invs, err := o.Store.Invocations(ctx, turn.ID)
	if err != nil {
		logger.Error("failed to load turn calls", "error", err)
		return
	}
	results := make([]store.Message, 0, len(invs))
	for _, inv := range invs {
		res, ok, err := o.Executor.Lookup(ctx, inv.ID)
		if err != nil {
			logger.Error("failed to load tool result", "invocation_id", inv.ID, "error", err)
			return
		}
		if !ok {
			logger.Warn("tool call has no result yet, continuation deferred", "invocation_id", inv.ID)
			return
		}
		output := res.Output
		if output == "" {
			output = "(no output)"
		}
		results = append(results, store.Message{
			Role:       llm.RoleTool,
			Content:    output,
			ToolCallID: inv.CallID,
			ToolName:   inv.ToolName,
		})
	}

	if err := o.History.ContinueTurn(ctx, turn, results); err != nil {
		if errors.Is(err, store.ErrTurnClosed) {
			logger.Info("turn closed, continuation skipped")
			return
		}
		current, lerr := o.Store.Turn(ctx, turn.ID)
		if lerr != nil || current.Status != store.TurnContinuing {
			logger.Error("failed to append tool results", "error", err)
			return
		}
		logger.Warn("tool results appended but compaction failed", "error", err)
	}
	turn.Status = store.TurnContinuing

	logger.Info("turn continuing", "results", len(results))
	o.respond(ctx, routeOf(turn), turn.ConversationID, turn.Iteration+1, &turn)
}

// finish stores the final reply, closing prev when there is one.
func (o *Orchestrator) finish(ctx context.Context, conversationID string, prev *store.Turn, reply *store.Message) error {
	if prev != nil {
		return o.History.FinishTurn(ctx, *prev, reply)
	}
	if reply == nil {
		return nil
	}
	saved, err := o.History.Append(ctx, conversationID, *reply)
	if err != nil && saved.ID != "" {
		o.logger.Warn("reply stored but compaction failed", "conversation_id", conversationID, "error", err)
		return nil
	}
	return err
}

// abandon closes a continuing turn without a reply after a failure.
func (o *Orchestrator) abandon(ctx context.Context, prev *store.Turn) {
	if prev == nil {
		return
	}
	if err := o.History.FinishTurn(ctx, *prev, nil); err != nil && !errors.Is(err, store.ErrTurnClosed) {
		o.logger.Warn("failed to close turn", "turn_id", prev.ID, "error", err)
	}
}
