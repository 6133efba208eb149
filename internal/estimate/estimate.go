// Package estimate keeps running duration statistics used to derive
// adaptive operation timeouts.
package estimate

import (
	"math"
	"sync"
	"time"
)

// Options configures an Estimator.
type Options struct {
	Smoothing  float64       // EWMA weight of a new sample, in (0, 1]
	Deviations float64       // standard deviations added to the mean
	Floor      time.Duration // Estimate never returns less than this
	Fallback   time.Duration // seed for keys with no explicit seed
}

// DefaultOptions returns the defaults used by the engine.
func DefaultOptions() Options {
	return Options{
		Smoothing:  0.2,
		Deviations: 2,
		Floor:      50 * time.Millisecond,
		Fallback:   5 * time.Second,
	}
}

type stats struct {
	mean     float64 // nanoseconds
	variance float64
	samples  int
}

// Estimator tracks an exponentially weighted mean and variance per key.
// Observe is meant to be called from a single writer; Estimate is safe from
// any goroutine.
type Estimator[K comparable] struct {
	opts Options

	mu    sync.RWMutex
	seeds map[K]time.Duration
	stats map[K]*stats
}

// New returns an Estimator. Invalid options are replaced with defaults.
func New[K comparable](opts Options) *Estimator[K] {
	def := DefaultOptions()
	if opts.Smoothing <= 0 || opts.Smoothing > 1 {
		opts.Smoothing = def.Smoothing
	}
	if opts.Deviations < 0 {
		opts.Deviations = 0
	}
	if opts.Floor <= 0 {
		opts.Floor = time.Millisecond
	}
	if opts.Fallback <= 0 {
		opts.Fallback = def.Fallback
	}
	return &Estimator[K]{
		opts:  opts,
		seeds: make(map[K]time.Duration),
		stats: make(map[K]*stats),
	}
}

// Floor returns the configured minimum estimate.
func (e *Estimator[K]) Floor() time.Duration { return e.opts.Floor }

// Seed sets the conservative value returned for key until it has samples.
func (e *Estimator[K]) Seed(key K, d time.Duration) {
	e.mu.Lock()
	e.seeds[key] = d
	e.mu.Unlock()
}

// Observe folds one measured duration into key's statistics. Negative
// durations from clock skew count as zero.
func (e *Estimator[K]) Observe(key K, d time.Duration) {
	if d < 0 {
		d = 0
	}
	x := float64(d)
	a := e.opts.Smoothing

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[key]
	if !ok {
		e.stats[key] = &stats{mean: x, samples: 1}
		return
	}
	diff := x - s.mean
	s.mean += a * diff
	s.variance = (1 - a) * (s.variance + a*diff*diff)
	s.samples++
}

// Estimate returns mean plus the configured number of standard deviations,
// or the seed when key has no samples. It never returns less than Floor.
func (e *Estimator[K]) Estimate(key K) time.Duration {
	e.mu.RLock()
	s, ok := e.stats[key]
	var est float64
	if ok {
		est = s.mean + e.opts.Deviations*math.Sqrt(s.variance)
	} else if seed, seeded := e.seeds[key]; seeded {
		est = float64(seed)
	} else {
		est = float64(e.opts.Fallback)
	}
	e.mu.RUnlock()

	if math.IsNaN(est) || est < float64(e.opts.Floor) {
		return e.opts.Floor
	}
	if est > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(est)
}

// Samples returns how many observations key has received.
func (e *Estimator[K]) Samples(key K) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if s, ok := e.stats[key]; ok {
		return s.samples
	}
	return 0
}
