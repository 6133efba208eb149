package policy

import (
	"time"

	"github.com/chaz8081/gattflow/internal/op"
)

// ReconnectOptions configures Reconnect.
type ReconnectOptions struct {
	ShortTermRate    time.Duration // spacing of short-term attempts
	ShortTermTimeout time.Duration // how long after loss short-term lasts
	LongTermRate     time.Duration // first long-term delay, doubled each attempt
	LongTermMaxDelay time.Duration
	LongTermTimeout  time.Duration // give up this long after loss; 0 never
	MaxAttempts      int           // 0 is unlimited
}

// DefaultReconnectOptions mirrors the stock reconnect filter: one second
// retries for five seconds, then backoff from three seconds for five minutes.
func DefaultReconnectOptions() ReconnectOptions {
	return ReconnectOptions{
		ShortTermRate:    time.Second,
		ShortTermTimeout: 5 * time.Second,
		LongTermRate:     3 * time.Second,
		LongTermMaxDelay: 30 * time.Second,
		LongTermTimeout:  5 * time.Minute,
	}
}

// Reconnect drives recovery after link loss. One instance belongs to one
// node; Reset must be called when the recovery ends either way.
type Reconnect struct {
	opts     ReconnectOptions
	attempts int
	longTerm int
}

// NewReconnect returns a reconnect policy.
func NewReconnect(opts ReconnectOptions) *Reconnect {
	if opts.LongTermMaxDelay < opts.LongTermRate {
		opts.LongTermMaxDelay = opts.LongTermRate
	}
	return &Reconnect{opts: opts}
}

// Attempts returns the number of reconnects scheduled since the last Reset.
func (p *Reconnect) Attempts() int { return p.attempts }

// Decide schedules the next reconnect attempt. Attempts inside
// ShortTermTimeout of the loss run at ShortTermRate; later ones back off
// from LongTermRate and stop once LongTermTimeout has passed.
func (p *Reconnect) Decide(ev Event) Decision {
	if ev.Reason == op.ReasonCancelled || ev.Reason == op.ReasonInvalidState {
		return AbandonNow()
	}
	if p.opts.MaxAttempts > 0 && p.attempts >= p.opts.MaxAttempts {
		return AbandonNow()
	}
	if p.opts.LongTermTimeout > 0 && ev.SinceLoss >= p.opts.LongTermTimeout {
		return AbandonNow()
	}

	first := p.attempts == 0
	p.attempts++
	if ev.SinceLoss < p.opts.ShortTermTimeout {
		if first {
			return ReconnectAfter(0, false)
		}
		return ReconnectAfter(p.opts.ShortTermRate, false)
	}
	delay := backoff(p.longTerm, p.opts.LongTermRate, p.opts.LongTermMaxDelay)
	p.longTerm++
	return ReconnectAfter(delay, true)
}

// Reset clears the attempt counters for the next recovery.
func (p *Reconnect) Reset() {
	p.attempts = 0
	p.longTerm = 0
}
