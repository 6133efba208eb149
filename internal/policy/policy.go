// Package policy decides what happens after an operation fails or a link
// drops: retry, reconnect after a delay, or give up.
package policy

import (
	"fmt"
	"time"

	"github.com/chaz8081/gattflow/internal/op"
)

// Action is the outcome kind of a Decision.
type Action uint8

const (
	Abandon Action = iota
	RetryNow
	RetryWithDelay
	ReconnectLink
)

func (a Action) String() string {
	switch a {
	case Abandon:
		return "abandon"
	case RetryNow:
		return "retry_now"
	case RetryWithDelay:
		return "retry_with_delay"
	case ReconnectLink:
		return "reconnect"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Decision is the value a Policy returns.
type Decision struct {
	Action   Action
	Delay    time.Duration
	LongTerm bool // only meaningful for ReconnectLink
}

func (d Decision) String() string {
	switch d.Action {
	case RetryWithDelay:
		return fmt.Sprintf("%v(%v)", d.Action, d.Delay)
	case ReconnectLink:
		return fmt.Sprintf("%v(%v, long_term=%t)", d.Action, d.Delay, d.LongTerm)
	}
	return d.Action.String()
}

// Constructors for the four decisions.
func AbandonNow() Decision                { return Decision{Action: Abandon} }
func Retry() Decision                     { return Decision{Action: RetryNow} }
func RetryAfter(d time.Duration) Decision { return Decision{Action: RetryWithDelay, Delay: d} }
func ReconnectAfter(d time.Duration, longTerm bool) Decision {
	return Decision{Action: ReconnectLink, Delay: d, LongTerm: longTerm}
}

// Event is what a policy sees when it is consulted.
type Event struct {
	Kind   op.Kind
	Node   string
	Reason op.Reason
	// Attempt counts failures of this logical request, including this one.
	Attempt int
	// NodeFailures counts consecutive failures of Kind on Node, including
	// this one. It resets when an operation of that kind succeeds.
	NodeFailures int
	// SinceLoss is the time since the link was lost, zero when connected.
	SinceLoss time.Duration
}

// Policy is consulted on failure. Implementations may keep counters, which
// Reset clears when the attempt they belong to ends.
type Policy interface {
	Decide(Event) Decision
	Reset()
}

// Func adapts a stateless function to Policy.
type Func func(Event) Decision

// Decide calls f.
func (f Func) Decide(ev Event) Decision { return f(ev) }

// Reset does nothing; a Func keeps no state.
func (Func) Reset() {}

// backoff returns base doubled attempt times, capped at max.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
