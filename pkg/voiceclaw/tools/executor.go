package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/risk"
)

// Defaults for ExecutorOptions.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputChars = 4000
)

const truncationNotice = "\n... (output truncated)"

var (
	// ErrAlreadyExecuted is returned with the stored result when an
	// invocation was claimed before.
	ErrAlreadyExecuted = errors.New("invocation already executed")

	// ErrBlocked is returned for Blocked-tier invocations.
	ErrBlocked = errors.New("blocked invocations are never executed")
)

// Invocation is a request to run one tool call.
type Invocation struct {
	ID             string
	ConversationID string
	ToolName       string
	Args           map[string]any
	Tier           risk.Tier
	Requester      string
}

// Result is the stored outcome of an invocation.
type Result struct {
	InvocationID string
	Success      bool
	Output       string
	TimedOut     bool

	// Synthetic results were recorded without running the tool (denied,
	// expired, blocked, cancelled or invalid calls).
	Synthetic bool

	StartedAt  time.Time
	ExecutedAt time.Time
}

// ExecutorOptions tunes the executor. Zero values take the defaults.
type ExecutorOptions struct {
	Timeout        time.Duration
	MaxOutputChars int
}

// Executor runs tool invocations at most once each. A claim row is written
// before the handler starts; a claim found on a later attempt is never run
// again.
type Executor struct {
	db       *database.DB
	registry *Registry
	opts     ExecutorOptions
	logger   *slog.Logger
	now      func() time.Time

	// owner identifies this process in claim rows.
	owner string

	mu      sync.Mutex
	running map[string]*execution
}

type execution struct {
	conversationID string
	cancel         context.CancelFunc
	done           chan struct{}
}

// NewExecutor creates an executor over the shared database.
func NewExecutor(db *database.DB, registry *Registry, opts ExecutorOptions, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutputChars <= 0 {
		opts.MaxOutputChars = DefaultMaxOutputChars
	}
	return &Executor{
		db:       db,
		registry: registry,
		opts:     opts,
		logger:   logger.With("component", "tool_executor"),
		now:      time.Now,
		owner:    uuid.NewString(),
		running:  make(map[string]*execution),
	}
}

// Registry returns the tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs the invocation once. A repeated call returns the stored
// result together with ErrAlreadyExecuted. A claim left running by a
// process that died is closed as interrupted rather than run again.
func (e *Executor) Execute(ctx context.Context, inv Invocation) (Result, error) {
	logger := e.logger.With("invocation_id", inv.ID, "tool", inv.ToolName)

	if inv.Tier >= risk.Blocked {
		logger.Warn("refusing blocked invocation")
		return Result{}, ErrBlocked
	}
	tool, ok := e.registry.get(inv.ToolName)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTool, inv.ToolName)
	}
	if err := tool.validate(inv.Args); err != nil {
		return Result{}, err
	}

	// Register before claiming so a concurrent caller in this process
	// waits for this run instead of mistaking the claim for a dead one.
	e.mu.Lock()
	if other, ok := e.running[inv.ID]; ok {
		e.mu.Unlock()
		return e.existing(ctx, inv.ID, other, logger)
	}
	execCtx, cancel := context.WithCancel(ctx)
	ex := &execution{conversationID: inv.ConversationID, cancel: cancel, done: make(chan struct{})}
	e.running[inv.ID] = ex
	e.mu.Unlock()
	defer func() {
		cancel()
		e.untrack(inv.ID, ex)
	}()

	started := e.now()
	claimed, err := e.claim(ctx, inv.ID, started)
	if err != nil {
		return Result{}, err
	}
	if !claimed {
		return e.existing(ctx, inv.ID, nil, logger)
	}

	timeout := e.opts.Timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	runCtx, stop := context.WithTimeout(execCtx, timeout)
	defer stop()

	logger.Info("tool execution started", "timeout", timeout.String())
	output, runErr := tool.Handler(runCtx, Call{
		InvocationID:   inv.ID,
		ConversationID: inv.ConversationID,
		Requester:      inv.Requester,
		Args:           inv.Args,
	})

	res := Result{InvocationID: inv.ID, StartedAt: started, ExecutedAt: e.now()}
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && execCtx.Err() == nil:
		res.TimedOut = true
		res.Output = fmt.Sprintf("Command timed out after %s", timeout)
		if output != "" {
			res.Output += "\n" + output
		}
	case runCtx.Err() != nil:
		res.Output = "Execution was cancelled."
	case runErr != nil:
		res.Output = "Error: " + runErr.Error()
		if output != "" {
			res.Output = output + "\n" + res.Output
		}
	default:
		res.Success = true
		res.Output = output
		if res.Output == "" {
			res.Output = "(no output)"
		}
	}
	res.Output = truncateOutput(res.Output, e.opts.MaxOutputChars)

	// The claim is finalized even when the caller's context is gone.
	if err := e.finish(context.WithoutCancel(ctx), res); err != nil {
		return res, err
	}
	logger.Info("tool execution finished",
		"success", res.Success,
		"timed_out", res.TimedOut,
		"duration_ms", res.ExecutedAt.Sub(started).Milliseconds(),
	)
	return res, nil
}

// Record stores a synthetic result for an invocation that will not run.
// If the invocation already has a result, that one is kept and returned.
func (e *Executor) Record(ctx context.Context, invocationID, output string) (Result, error) {
	now := database.Millis(e.now())
	_, err := e.db.Exec(ctx, `
		INSERT INTO execution_results
			(tool_invocation_id, status, success, timed_out, synthetic, output, owner, started_at, executed_at)
		VALUES (?, 'done', 0, 0, 1, ?, ?, ?, ?)
		ON CONFLICT (tool_invocation_id) DO NOTHING`,
		invocationID, output, e.owner, now, now)
	if err != nil {
		return Result{}, fmt.Errorf("record result %s: %w", invocationID, err)
	}
	res, _, err := e.Lookup(ctx, invocationID)
	return res, err
}

// Lookup returns the finished result of an invocation, if any.
func (e *Executor) Lookup(ctx context.Context, invocationID string) (Result, bool, error) {
	var (
		res                      Result
		status                   string
		success, timedOut, synth int
		startedAt                int64
		executedAt               sql.NullInt64
	)
	err := e.db.QueryRow(ctx, `
		SELECT tool_invocation_id, status, success, timed_out, synthetic, output, started_at, executed_at
		FROM execution_results WHERE tool_invocation_id = ?`, invocationID,
	).Scan(&res.InvocationID, &status, &success, &timedOut, &synth, &res.Output, &startedAt, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("load result %s: %w", invocationID, err)
	}
	if status != "done" {
		return Result{}, false, nil
	}
	res.Success = success != 0
	res.TimedOut = timedOut != 0
	res.Synthetic = synth != 0
	res.StartedAt = database.FromMillis(startedAt)
	res.ExecutedAt = database.NullMillis(executedAt)
	return res, true, nil
}

// CancelConversation cancels the running executions of a conversation and
// returns how many were cancelled.
func (e *Executor) CancelConversation(conversationID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, ex := range e.running {
		if ex.conversationID == conversationID {
			ex.cancel()
			n++
			e.logger.Info("execution cancelled", "invocation_id", id, "conversation_id", conversationID)
		}
	}
	return n
}

func (e *Executor) claim(ctx context.Context, id string, started time.Time) (bool, error) {
	res, err := e.db.Exec(ctx, `
		INSERT INTO execution_results (tool_invocation_id, status, owner, started_at)
		VALUES (?, 'running', ?, ?)
		ON CONFLICT (tool_invocation_id) DO NOTHING`,
		id, e.owner, database.Millis(started))
	if err != nil {
		return false, fmt.Errorf("claim invocation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim invocation %s: %w", id, err)
	}
	return n == 1, nil
}

// existing resolves a lost claim: wait for an execution still running in
// this process, or close one left behind by a dead process.
func (e *Executor) existing(ctx context.Context, id string, inFlight *execution, logger *slog.Logger) (Result, error) {
	if inFlight != nil {
		select {
		case <-inFlight.done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	res, done, err := e.Lookup(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if done {
		logger.Info("invocation already executed, returning stored result")
		return res, ErrAlreadyExecuted
	}

	logger.Warn("closing execution interrupted by a restart")
	_, err = e.db.Exec(ctx, `
		UPDATE execution_results
		SET status = 'done', success = 0, output = ?, executed_at = ?
		WHERE tool_invocation_id = ? AND status = 'running' AND owner <> ?`,
		"Execution was interrupted by a restart and was not retried.",
		database.Millis(e.now()), id, e.owner)
	if err != nil {
		return Result{}, fmt.Errorf("close interrupted invocation %s: %w", id, err)
	}
	res, done, err = e.Lookup(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !done {
		return Result{}, fmt.Errorf("invocation %s is still running", id)
	}
	return res, ErrAlreadyExecuted
}

func (e *Executor) finish(ctx context.Context, res Result) error {
	_, err := e.db.Exec(ctx, `
		UPDATE execution_results
		SET status = 'done', success = ?, timed_out = ?, output = ?, executed_at = ?
		WHERE tool_invocation_id = ? AND status = 'running'`,
		database.Bool(res.Success), database.Bool(res.TimedOut), res.Output,
		database.Millis(res.ExecutedAt), res.InvocationID)
	if err != nil {
		return fmt.Errorf("store result %s: %w", res.InvocationID, err)
	}
	return nil
}

func (e *Executor) untrack(id string, ex *execution) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
	close(ex.done)
}

func truncateOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + truncationNotice
}
