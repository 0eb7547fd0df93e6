package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/database/dbtest"
	"github.com/jholhewres/voiceclaw/pkg/voiceclaw/risk"
)

type countingTool struct {
	runs atomic.Int32
	out  string
	wait chan struct{}
}

func (c *countingTool) handler(ctx context.Context, _ Call) (string, error) {
	c.runs.Add(1)
	if c.wait != nil {
		select {
		case <-c.wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.out, nil
}

func newExecutor(t *testing.T, path string, tools ...Tool) *Executor {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, r.Register(tool))
	}
	return NewExecutor(dbtest.OpenAt(t, path), r, ExecutorOptions{}, dbtest.Logger())
}

func TestExecuteRunsOnce(t *testing.T) {
	t.Parallel()
	counter := &countingTool{out: "hello"}
	ex := newExecutor(t, filepath.Join(t.TempDir(), "x.db"), Tool{Name: "echo", Handler: counter.handler})
	ctx := context.Background()
	inv := Invocation{ID: "inv-1", ConversationID: "c", ToolName: "echo", Tier: risk.Safe}

	res, err := ex.Execute(ctx, inv)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hello", res.Output)

	again, err := ex.Execute(ctx, inv)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.Equal(t, "hello", again.Output)
	assert.Equal(t, int32(1), counter.runs.Load())

	stored, ok, err := ex.Lookup(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Success)
}

func TestConcurrentExecuteRunsOnce(t *testing.T) {
	t.Parallel()
	counter := &countingTool{out: "x", wait: make(chan struct{})}
	ex := newExecutor(t, filepath.Join(t.TempDir(), "x.db"), Tool{Name: "slow", Handler: counter.handler})
	inv := Invocation{ID: "inv-1", ToolName: "slow"}

	var wg sync.WaitGroup
	results := make([]Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = ex.Execute(context.Background(), inv)
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(counter.wait)
	wg.Wait()

	assert.Equal(t, int32(1), counter.runs.Load())
	fresh := 0
	for i := range results {
		if errs[i] == nil {
			fresh++
		} else {
			assert.ErrorIs(t, errs[i], ErrAlreadyExecuted)
		}
		assert.Equal(t, "x", results[i].Output)
	}
	assert.Equal(t, 1, fresh)
}

func TestExecuteAtMostOnceAcrossRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "restart.db")

	first := &countingTool{out: "done"}
	ex := newExecutor(t, path, Tool{Name: "job", Handler: first.handler})
	_, err := ex.Execute(context.Background(), Invocation{ID: "inv-1", ToolName: "job"})
	require.NoError(t, err)

	second := &countingTool{out: "again"}
	restarted := newExecutor(t, path, Tool{Name: "job", Handler: second.handler})
	res, err := restarted.Execute(context.Background(), Invocation{ID: "inv-1", ToolName: "job"})
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.Equal(t, "done", res.Output)
	assert.Zero(t, second.runs.Load())
}

func TestInterruptedClaimIsNotRerun(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "crash.db")

	// A process claims the invocation and dies before finishing.
	dead := newExecutor(t, path, Tool{Name: "job", Handler: (&countingTool{}).handler})
	claimed, err := dead.claim(context.Background(), "inv-1", time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	counter := &countingTool{out: "ran"}
	ex := newExecutor(t, path, Tool{Name: "job", Handler: counter.handler})
	res, err := ex.Execute(context.Background(), Invocation{ID: "inv-1", ToolName: "job"})
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "interrupted")
	assert.Zero(t, counter.runs.Load())
}

func TestExecuteRefusesBlockedAndUnknown(t *testing.T) {
	t.Parallel()
	counter := &countingTool{}
	ex := newExecutor(t, filepath.Join(t.TempDir(), "x.db"), Tool{Name: "job", Handler: counter.handler})

	_, err := ex.Execute(context.Background(), Invocation{ID: "a", ToolName: "job", Tier: risk.Blocked})
	assert.ErrorIs(t, err, ErrBlocked)
	_, err = ex.Execute(context.Background(), Invocation{ID: "b", ToolName: "nope"})
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Zero(t, counter.runs.Load())

	_, ok, err := ex.Lookup(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, ok, "refused invocations leave no claim")
}

func TestRecordKeepsFirstResult(t *testing.T) {
	t.Parallel()
	counter := &countingTool{out: "real"}
	ex := newExecutor(t, filepath.Join(t.TempDir(), "x.db"), Tool{Name: "job", Handler: counter.handler})
	ctx := context.Background()

	res, err := ex.Record(ctx, "denied", "Denied by admin.")
	require.NoError(t, err)
	assert.True(t, res.Synthetic)
	assert.False(t, res.Success)

	_, err = ex.Execute(ctx, Invocation{ID: "denied", ToolName: "job"})
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.Zero(t, counter.runs.Load(), "a synthetic result blocks execution")

	_, err = ex.Execute(ctx, Invocation{ID: "ran", ToolName: "job"})
	require.NoError(t, err)
	res, err = ex.Record(ctx, "ran", "late synthetic")
	require.NoError(t, err)
	assert.Equal(t, "real", res.Output)
	assert.False(t, res.Synthetic)
}

func TestTimeoutKillsProcessGroup(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("needs /proc")
	}
	t.Parallel()

	pidFile := filepath.Join(t.TempDir(), "child.pid")
	r := NewRegistry()
	RegisterBuiltins(r, BuiltinOptions{CommandTimeout: 300 * time.Millisecond})
	ex := NewExecutor(dbtest.Open(t), r, ExecutorOptions{}, dbtest.Logger())

	start := time.Now()
	res, err := ex.Execute(context.Background(), Invocation{
		ID:       "inv-sleep",
		ToolName: RunCommand,
		Args:     map[string]any{"command": "sleep 30 & echo $! > " + pidFile + "; wait"},
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "timed out")

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 5*time.Second, 50*time.Millisecond,
		"background child %d survived the timeout", pid)
}

func TestCancelConversation(t *testing.T) {
	t.Parallel()
	counter := &countingTool{wait: make(chan struct{})}
	ex := newExecutor(t, filepath.Join(t.TempDir(), "x.db"), Tool{Name: "slow", Handler: counter.handler})

	done := make(chan Result, 1)
	go func() {
		res, _ := ex.Execute(context.Background(), Invocation{ID: "inv", ConversationID: "conv", ToolName: "slow"})
		done <- res
	}()
	require.Eventually(t, func() bool { return counter.runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, ex.CancelConversation("other"))
	assert.Equal(t, 1, ex.CancelConversation("conv"))

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.False(t, res.TimedOut)
		assert.Equal(t, "Execution was cancelled.", res.Output)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not stop")
	}
}

func TestOutputTruncation(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 5000)
	ex := newExecutor(t, filepath.Join(t.TempDir(), "x.db"), Tool{
		Name:    "loud",
		Handler: func(context.Context, Call) (string, error) { return long, nil },
	})
	res, err := ex.Execute(context.Background(), Invocation{ID: "i", ToolName: "loud"})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 4000)+"\n... (output truncated)", res.Output)

	failing := newExecutor(t, filepath.Join(t.TempDir(), "y.db"), Tool{
		Name:    "bad",
		Handler: func(context.Context, Call) (string, error) { return "", errors.New("boom") },
	})
	res, err = failing.Execute(context.Background(), Invocation{ID: "i", ToolName: "bad"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Error: boom", res.Output)
}

// processAlive treats zombies as dead; an orphan is reaped by whichever
// process inherits it.
func processAlive(pid int) bool {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	fields := strings.Fields(string(raw[strings.LastIndexByte(string(raw), ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}
