package engine

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/chaz8081/gattflow/internal/estimate"
	"github.com/chaz8081/gattflow/internal/op"
	"github.com/chaz8081/gattflow/internal/policy"
	"github.com/chaz8081/gattflow/internal/task"
)

// KindOptions holds the per-kind defaults.
type KindOptions struct {
	Priority   op.Priority
	Timeout    time.Duration // estimator seed
	MaxRetries int
}

// Options configures an Engine.
type Options struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	History HistorySink

	Kinds map[op.Kind]KindOptions
	// Rules overrides compatibility predicates per kind.
	Rules task.Rules

	Estimator    estimate.Options
	SafetyFactor float64 // deadline = estimate * SafetyFactor

	MaxInFlight   int     // 0 is unlimited
	DispatchRate  float64 // dispatches per second, 0 is unlimited
	DispatchBurst int

	AutoDiscoverServices bool
	AutoReconnect        bool
	ReconnectPriority    op.Priority

	Retry     policy.RetryOptions
	Reconnect policy.ReconnectOptions
	Bond      policy.BondOptions

	// Optional factories replacing the stock policies for new nodes.
	NewRetryPolicy     func(node string) policy.Policy
	NewReconnectPolicy func(node string) policy.Policy
	NewBondPolicy      func(node string) policy.Policy
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	kinds := make(map[op.Kind]KindOptions)
	for _, k := range op.Kinds() {
		kinds[k] = KindOptions{
			Priority:   op.DefaultPriority(k),
			Timeout:    5 * time.Second,
			MaxRetries: 2,
		}
	}
	for k, d := range map[op.Kind]time.Duration{
		op.Connect:          10 * time.Second,
		op.DiscoverServices: 10 * time.Second,
		op.Bond:             15 * time.Second,
		op.ReadRSSI:         2 * time.Second,
		op.Scan:             2 * time.Second,
	} {
		ko := kinds[k]
		ko.Timeout = d
		kinds[k] = ko
	}

	return Options{
		Kinds:                kinds,
		Estimator:            estimate.DefaultOptions(),
		SafetyFactor:         1.5,
		AutoDiscoverServices: true,
		AutoReconnect:        true,
		ReconnectPriority:    op.High,
		Retry:                policy.DefaultRetryOptions(),
		Reconnect:            policy.DefaultReconnectOptions(),
		Bond:                 policy.DefaultBondOptions(),
	}
}

// kind returns the options for k, falling back to defaults.
func (o *Options) kind(k op.Kind) KindOptions {
	if ko, ok := o.Kinds[k]; ok {
		return ko
	}
	return KindOptions{Priority: op.DefaultPriority(k), Timeout: 5 * time.Second, MaxRetries: 2}
}

// normalize fills zero values.
func (o *Options) normalize() {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.SafetyFactor < 1 {
		o.SafetyFactor = 1
	}
	if o.MaxInFlight < 0 {
		o.MaxInFlight = 0
	}
	if o.DispatchRate > 0 && o.DispatchBurst <= 0 {
		o.DispatchBurst = 1
	}
	// per-kind limits win over the policy's own table
	merged := make(map[op.Kind]int, len(o.Retry.MaxRetries)+len(o.Kinds))
	for k, n := range o.Retry.MaxRetries {
		merged[k] = n
	}
	for k, ko := range o.Kinds {
		merged[k] = ko.MaxRetries
	}
	o.Retry.MaxRetries = merged
}
