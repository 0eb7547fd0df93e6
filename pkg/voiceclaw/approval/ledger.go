package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
)

const (
	// DefaultTimeout is how long a request stays pending before it expires.
	DefaultTimeout = 10 * time.Minute

	// DefaultPollInterval bounds how late a waiter notices a resolution
	// written by another process.
	DefaultPollInterval = 2 * time.Second
)

// Options configures a Ledger. Zero values take the defaults.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Ledger is the single authority over approval state.
type Ledger struct {
	db      *database.DB
	timeout time.Duration
	poll    time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	signals map[string]chan struct{}
}

// NewLedger creates a ledger over an already migrated database.
func NewLedger(db *database.DB, opts Options, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		db:      db,
		timeout: opts.Timeout,
		poll:    opts.PollInterval,
		now:     opts.Now,
		logger:  logger.With("component", "approval_ledger"),
		signals: make(map[string]chan struct{}),
	}
}

// Timeout returns the configured approval window.
func (l *Ledger) Timeout() time.Duration {
	return l.timeout
}

const requestColumns = `id, conversation_id, tool_name, summary, tier, status, requester,
	chat_id, reason, requested_at, deadline_at, resolved_at, resolver`

// Enqueue records a pending request for the ticket. It is idempotent: when
// a request already exists for the invocation id, that request is returned
// unchanged and created is false.
func (l *Ledger) Enqueue(ctx context.Context, t Ticket) (req Request, created bool, err error) {
	if t.ID == "" {
		return Request{}, false, fmt.Errorf("enqueue approval: empty invocation id")
	}

	now := l.now()
	query := `
		INSERT INTO approval_requests
			(id, conversation_id, tool_name, summary, tier, status, requester, chat_id, reason, requested_at, deadline_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`
	args := []any{
		t.ID, t.ConversationID, t.ToolName, Describe(t.ToolName, t.Args), t.Tier,
		t.Requester, t.ChatID, t.Reason,
		database.Millis(now), database.Millis(now.Add(l.timeout)),
	}
	if t.TurnID != "" {
		// One statement: a reset that cancels the turn either precedes the
		// insert or cancels the request it made.
		query = `
		INSERT INTO approval_requests
			(id, conversation_id, tool_name, summary, tier, status, requester, chat_id, reason, requested_at, deadline_at)
		SELECT ?, ?, ?, ?, ?, 'pending', ?, ?, ?, CAST(? AS BIGINT), CAST(? AS BIGINT)
		WHERE EXISTS (SELECT 1 FROM turns WHERE id = ? AND status = 'open')
		ON CONFLICT (id) DO NOTHING`
		args = append(args, t.TurnID)
	}
	res, err := l.db.Exec(ctx, query, args...)
	if err != nil {
		return Request{}, false, fmt.Errorf("enqueue approval %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Request{}, false, fmt.Errorf("enqueue approval %s: %w", t.ID, err)
	}

	req, err = l.Get(ctx, t.ID)
	if n == 0 && t.TurnID != "" && errors.Is(err, ErrNotFound) {
		return Request{}, false, fmt.Errorf("enqueue approval %s: %w: %s", t.ID, ErrTurnClosed, t.TurnID)
	}
	if err != nil {
		return Request{}, false, err
	}
	if n == 1 {
		l.logger.Info("approval requested",
			"request_id", req.ID,
			"conversation_id", req.ConversationID,
			"tool", req.ToolName,
			"requester", req.Requester,
			"deadline", req.DeadlineAt,
		)
	}
	return req, n == 1, nil
}

// Get loads a request by id.
func (l *Ledger) Get(ctx context.Context, id string) (Request, error) {
	row := l.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Request{}, fmt.Errorf("load approval %s: %w", id, err)
	}
	return req, nil
}

// Resolve applies a human decision. Exactly one transition out of pending
// succeeds; any later attempt returns a *ConflictError wrapping
// ErrAlreadyResolved and changes nothing. Callers must have authorized the
// resolver already.
func (l *Ledger) Resolve(ctx context.Context, id string, d Decision, resolver string) (Request, error) {
	status, err := d.status()
	if err != nil {
		return Request{}, err
	}
	return l.transition(ctx, id, status, resolver, "")
}

// Cancel moves a pending request to cancelled. Used when the conversation
// that owns it is reset.
func (l *Ledger) Cancel(ctx context.Context, id, reason string) (Request, error) {
	return l.transition(ctx, id, StatusCancelled, "", reason)
}

// CancelConversation cancels every pending request of a conversation and
// returns the ids it cancelled.
func (l *Ledger) CancelConversation(ctx context.Context, conversationID, reason string) ([]string, error) {
	ids, err := l.pendingIDs(ctx, `conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}

	var cancelled []string
	for _, id := range ids {
		if _, err := l.Cancel(ctx, id, reason); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			return cancelled, err
		}
		cancelled = append(cancelled, id)
	}
	return cancelled, nil
}

// Pending lists all pending requests, oldest first.
func (l *Ledger) Pending(ctx context.Context) ([]Request, error) {
	rows, err := l.db.Query(ctx, `SELECT `+requestColumns+` FROM approval_requests
		WHERE status = 'pending' ORDER BY requested_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ExpireOverdue expires every pending request whose deadline has passed
// and returns how many it expired.
func (l *Ledger) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := l.pendingIDs(ctx, `deadline_at <= ?`, database.Millis(l.now()))
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if _, err := l.transition(ctx, id, StatusExpired, "", "no decision before deadline"); err != nil {
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// Await suspends until the request leaves pending or its deadline passes.
// The deadline is requested_at + timeout (the ledger timeout when timeout
// is zero), so it survives restarts. At the deadline Await attempts the
// pending → expired transition itself; concurrent awaiters all observe
// Expired while only one transition is written.
func (l *Ledger) Await(ctx context.Context, id string, timeout time.Duration) (Outcome, error) {
	for {
		signal := l.subscribe(id)

		req, err := l.Get(ctx, id)
		if err != nil {
			return "", err
		}
		if req.Status.Terminal() {
			l.forget(id)
			return req.Status, nil
		}

		deadline := req.DeadlineAt
		if timeout > 0 {
			deadline = req.RequestedAt.Add(timeout)
		}

		now := l.now()
		if !now.Before(deadline) {
			l.forget(id)
			return l.expire(ctx, id)
		}

		wait := deadline.Sub(now)
		if wait > l.poll {
			wait = l.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.forget(id)
			return "", ctx.Err()
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Ledger) expire(ctx context.Context, id string) (Outcome, error) {
	_, err := l.transition(ctx, id, StatusExpired, "", "no decision before deadline")
	var conflict *ConflictError
	switch {
	case err == nil:
		return StatusExpired, nil
	case errors.As(err, &conflict):
		return conflict.Current, nil
	default:
		return "", err
	}
}

// transition performs the single conditional update out of pending.
func (l *Ledger) transition(ctx context.Context, id string, to Status, resolver, reason string) (Request, error) {
	var resolverArg any
	if resolver != "" {
		resolverArg = resolver
	}

	res, err := l.db.Exec(ctx, `
		UPDATE approval_requests
		SET status = ?, resolved_at = ?, resolver = ?, reason = COALESCE(NULLIF(?, ''), reason)
		WHERE id = ? AND status = 'pending'`,
		string(to), database.Millis(l.now()), resolverArg, reason, id,
	)
	if err != nil {
		return Request{}, fmt.Errorf("%s approval %s: %w", to, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Request{}, fmt.Errorf("%s approval %s: %w", to, id, err)
	}

	req, getErr := l.Get(ctx, id)
	if n == 0 {
		if getErr != nil {
			return Request{}, getErr
		}
		l.logger.Warn("approval transition rejected",
			"request_id", id,
			"wanted", to,
			"current", req.Status,
			"resolver", resolver,
		)
		return req, &ConflictError{ID: id, Current: req.Status}
	}

	l.notify(id)
	l.logger.Info("approval resolved",
		"request_id", id,
		"status", to,
		"resolver", resolver,
		"tool", req.ToolName,
	)
	return req, getErr
}

func (l *Ledger) pendingIDs(ctx context.Context, where string, arg any) ([]string, error) {
	rows, err := l.db.Query(ctx, `SELECT id FROM approval_requests WHERE status = 'pending' AND `+where, arg)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// subscribe returns a channel closed at the next in-process transition of id.
func (l *Ledger) subscribe(id string) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.signals[id]
	if !ok {
		ch = make(chan struct{})
		l.signals[id] = ch
	}
	return ch
}

func (l *Ledger) notify(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.signals[id]; ok {
		close(ch)
		delete(l.signals, id)
	}
}

// forget drops the signal of id. Other waiters on it fall back to polling.
func (l *Ledger) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.signals, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (Request, error) {
	var (
		r                       Request
		status                  string
		requestedAt, deadlineAt int64
		resolvedAt              sql.NullInt64
		resolver                sql.NullString
	)
	err := s.Scan(&r.ID, &r.ConversationID, &r.ToolName, &r.Summary, &r.Tier, &status,
		&r.Requester, &r.ChatID, &r.Reason, &requestedAt, &deadlineAt, &resolvedAt, &resolver)
	if err != nil {
		return Request{}, err
	}
	r.Status = Status(status)
	r.RequestedAt = database.FromMillis(requestedAt)
	r.DeadlineAt = database.FromMillis(deadlineAt)
	r.ResolvedAt = database.NullMillis(resolvedAt)
	r.Resolver = resolver.String
	return r, nil
}

// argsJSON renders arguments for messages, falling back to fmt.
func argsJSON(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}
