// Package risk classifies proposed tool invocations into risk tiers that
// decide whether a call runs immediately, waits for human approval, or is
// refused outright.
//
// Classification is a pure function of the tool name and its arguments: no
// I/O, no clock, no randomness. Tiers form a total order of increasing
// caution (Safe < Risky < Blocked) and every rule that matches can only move
// the result up that order.
package risk

import (
	"fmt"
	"strings"
)

// Tier is the risk level of a tool invocation.
type Tier int

const (
	// Safe invocations execute immediately.
	Safe Tier = iota
	// Risky invocations execute only after an authorized human approves them.
	Risky
	// Blocked invocations are refused and never reach approval or execution.
	Blocked
)

// String returns the lowercase label used in storage and logs.
func (t Tier) String() string {
	switch t {
	case Safe:
		return "safe"
	case Risky:
		return "risky"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier parses a stored or configured tier label.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return Safe, nil
	case "risky":
		return Risky, nil
	case "blocked":
		return Blocked, nil
	default:
		return Risky, fmt.Errorf("unknown risk tier %q", s)
	}
}

// Max returns the more cautious of two tiers.
func Max(a, b Tier) Tier {
	if b > a {
		return b
	}
	return a
}
