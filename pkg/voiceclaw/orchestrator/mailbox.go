package orchestrator

import (
	"log/slog"
	"sync"
)

// mailbox runs tasks one at a time per key, in the order they were
// posted. A key's drainer goroutine exists only while its queue is
// non-empty; different keys drain in parallel.
type mailbox struct {
	logger *slog.Logger

	// dropped is told how many queued tasks close discarded.
	dropped func(n int)

	mu     sync.Mutex
	queues map[string][]func()
	closed bool
	wg     sync.WaitGroup
}

func newMailbox(logger *slog.Logger, dropped func(n int)) *mailbox {
	if dropped == nil {
		dropped = func(int) {}
	}
	return &mailbox{
		logger:  logger,
		dropped: dropped,
		queues:  make(map[string][]func()),
	}
}

// post appends a task to the key's queue. It reports false after close.
func (m *mailbox) post(key string, task func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}

	q, draining := m.queues[key]
	m.queues[key] = append(q, task)
	if !draining {
		m.wg.Add(1)
		go m.drain(key)
	}
	return true
}

func (m *mailbox) drain(key string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		q := m.queues[key]
		if len(q) == 0 || m.closed {
			delete(m.queues, key)
			m.mu.Unlock()
			if n := len(q); n > 0 {
				m.logger.Debug("discarding queued tasks on close", "key", key, "count", n)
				m.dropped(n)
			}
			return
		}
		task := q[0]
		q[0] = nil
		m.queues[key] = q[1:]
		m.mu.Unlock()

		m.run(key, task)
	}
}

func (m *mailbox) run(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("mailbox task panicked", "key", key, "panic", r)
		}
	}()
	task()
}

// close refuses new tasks, drops queued ones and waits for running tasks.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
}
