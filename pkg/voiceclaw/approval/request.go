// Package approval implements the durable approval ledger for risky tool
// invocations.
//
// Every state transition is a conditional UPDATE on the approval_requests
// row (WHERE status = 'pending'), so exactly one resolution wins even when
// several processes share the database. Waiters are goroutines parked on a
// channel and a poll ticker; they hold no OS thread while suspended.
package approval

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Decision is a human resolver's verdict.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

func (d Decision) status() (Status, error) {
	switch d {
	case Approve:
		return StatusApproved, nil
	case Deny:
		return StatusDenied, nil
	default:
		return "", fmt.Errorf("unknown decision %q", d)
	}
}

// Outcome is what a waiter observes once the request leaves pending.
type Outcome = Status

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("approval request not found")

	// ErrAlreadyResolved is returned when a transition targets a request
	// that is no longer pending.
	ErrAlreadyResolved = errors.New("approval request already resolved")

	// ErrTurnClosed is returned by Enqueue when the ticket's turn is no
	// longer open, so no request was created.
	ErrTurnClosed = errors.New("turn no longer open")
)

// ConflictError reports a lost race on a request's single transition.
type ConflictError struct {
	ID      string
	Current Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("approval request %s already %s", e.ID, e.Current)
}

func (e *ConflictError) Unwrap() error {
	return ErrAlreadyResolved
}

// Ticket describes the invocation an approval is requested for. ID is the
// tool invocation id and becomes the request id. When TurnID is set the
// request is only created while that turn is open.
type Ticket struct {
	ID             string
	ConversationID string
	TurnID         string
	ToolName       string
	Args           map[string]any
	Tier           string
	Requester      string
	ChatID         string
	Reason         string
}

// Request is the stored approval record.
type Request struct {
	ID             string
	ConversationID string
	ToolName       string
	Summary        string
	Tier           string
	Status         Status
	Requester      string
	ChatID         string
	Reason         string
	RequestedAt    time.Time
	DeadlineAt     time.Time
	ResolvedAt     time.Time
	Resolver       string
}
