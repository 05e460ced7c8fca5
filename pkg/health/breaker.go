// Package health tracks dependency circuit breakers and derives the
// pipeline-wide degradation level from them. The rest of the pipeline reads
// a single atomic level per claim; it never consults breakers directly.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes one dependency breaker.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is how many requests the half-open state admits; that
	// many consecutive successes close the breaker, any failure reopens it.
	HalfOpenProbes uint32
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenProbes:      3,
	}
}

// Breaker wraps one dependency's circuit breaker.
type Breaker struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker
}

// NewBreaker constructs a named breaker. State transitions are logged and
// forwarded to onChange when set.
func NewBreaker(name string, cfg BreakerConfig, onChange func(name string, from, to gobreaker.State)) *Breaker {
	logger := slog.Default().With("component", "circuit_breaker", "dependency", name)
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			logger.Warn("breaker state change", "from", from.String(), "to", to.String())
			if onChange != nil {
				onChange(n, from, to)
			}
		},
	}
	return &Breaker{name: name, cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed, returning the completion callback
// to record the outcome. When the breaker is open, ok is false and done is nil.
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	d, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return d, true
}

// Record is the fire-and-forget form: it admits a slot and immediately
// reports the outcome. Used where the call already happened (scorer fan-out).
func (b *Breaker) Record(success bool) {
	if done, ok := b.Allow(); ok {
		done(success)
	}
}

// Healthy reports whether the breaker is closed.
func (b *Breaker) Healthy() bool {
	return b.cb.State() == gobreaker.StateClosed
}

// State returns the underlying breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// Registry holds the named breakers for every tracked dependency.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
	onChange func(name string, from, to gobreaker.State)
}

// NewRegistry constructs an empty registry using cfg for every breaker it
// creates.
func NewRegistry(cfg BreakerConfig) *Registry {
	return &Registry{breakers: map[string]*Breaker{}, cfg: cfg}
}

// OnStateChange registers the transition callback applied to breakers created
// afterwards.
func (r *Registry) OnStateChange(fn func(name string, from, to gobreaker.State)) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.cfg, r.onChange)
	r.breakers[name] = b
	return b
}

// Healthy reports whether the named dependency's breaker is closed. An
// untracked dependency is healthy.
func (r *Registry) Healthy(name string) bool {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return b.Healthy()
}

// Snapshot returns the state of every tracked breaker.
func (r *Registry) Snapshot() map[string]gobreaker.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]gobreaker.State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
