package policy

import (
	"fmt"
	"time"

	"github.com/chaz8081/gattflow/internal/op"
)

// Scope selects which counter OperationRetry compares against the limit.
type Scope uint8

const (
	// ScopeTask counts failures of one logical request.
	ScopeTask Scope = iota
	// ScopeNode counts consecutive failures of a kind on a node, across
	// requests.
	ScopeNode
)

func (s Scope) String() string {
	if s == ScopeNode {
		return "node"
	}
	return "task"
}

// ParseScope parses "task" or "node".
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "task":
		return ScopeTask, nil
	case "node":
		return ScopeNode, nil
	}
	return 0, fmt.Errorf("policy: unknown retry scope %q", s)
}

// RetryOptions configures OperationRetry.
type RetryOptions struct {
	MaxRetries        map[op.Kind]int
	DefaultMaxRetries int
	Delay             time.Duration // zero retries immediately
	Scope             Scope
}

// DefaultRetryOptions retries every retriable kind twice.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:        map[op.Kind]int{op.Connect: 2},
		DefaultMaxRetries: 2,
	}
}

// OperationRetry retries timeouts and stack rejections of idempotent
// operations a bounded number of times. The counters it compares against
// travel in the Event, so the policy itself is stateless.
type OperationRetry struct {
	opts RetryOptions
}

// NewOperationRetry returns a retry policy.
func NewOperationRetry(opts RetryOptions) *OperationRetry {
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = 0
	}
	return &OperationRetry{opts: opts}
}

// MaxRetries returns the retry limit for k.
func (p *OperationRetry) MaxRetries(k op.Kind) int {
	if n, ok := p.opts.MaxRetries[k]; ok {
		return n
	}
	return p.opts.DefaultMaxRetries
}

// Decide retries idempotent kinds that timed out or were rejected by the
// stack, until the failure count for the configured scope passes the limit.
func (p *OperationRetry) Decide(ev Event) Decision {
	switch ev.Reason {
	case op.ReasonTimeout, op.ReasonStackRejected:
	default:
		return AbandonNow()
	}
	if !ev.Kind.Idempotent() {
		return AbandonNow()
	}
	failures := ev.Attempt
	if p.opts.Scope == ScopeNode {
		failures = ev.NodeFailures
	}
	if failures > p.MaxRetries(ev.Kind) {
		return AbandonNow()
	}
	if p.opts.Delay > 0 {
		return RetryAfter(p.opts.Delay)
	}
	return Retry()
}

// Reset is a no-op; failure counts travel with the event.
func (p *OperationRetry) Reset() {}
