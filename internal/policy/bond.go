package policy

import (
	"time"

	"github.com/chaz8081/gattflow/internal/op"
)

// BondOptions configures BondRetry.
type BondOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// DisconnectOnFailure drops the link once bonding is abandoned.
	DisconnectOnFailure bool
}

// DefaultBondOptions retries bonding three times.
func DefaultBondOptions() BondOptions {
	return BondOptions{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   4 * time.Second,
	}
}

// BondRetry counts bond failures on one node and backs off between tries.
type BondRetry struct {
	opts     BondOptions
	failures int
}

// NewBondRetry returns a bond retry policy.
func NewBondRetry(opts BondOptions) *BondRetry {
	return &BondRetry{opts: opts}
}

// DisconnectOnFailure reports whether an abandoned bond should drop the link.
func (p *BondRetry) DisconnectOnFailure() bool { return p.opts.DisconnectOnFailure }

// Failures returns the bond failures counted since the last Reset.
func (p *BondRetry) Failures() int { return p.failures }

// Decide retries a failed bond with exponential backoff until MaxRetries
// failures. Cancellation, invalid state and link loss abandon at once.
func (p *BondRetry) Decide(ev Event) Decision {
	switch ev.Reason {
	case op.ReasonCancelled, op.ReasonInvalidState, op.ReasonLinkLost:
		return AbandonNow()
	}
	p.failures++
	if p.failures > p.opts.MaxRetries {
		return AbandonNow()
	}
	return RetryAfter(backoff(p.failures-1, p.opts.BaseDelay, p.opts.MaxDelay))
}

// Reset clears the failure count, normally after a successful bond.
func (p *BondRetry) Reset() { p.failures = 0 }
