// Package breaker gates calls to upstream market-data sources with one
// circuit breaker per source id.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned by Allow while the source's breaker rejects calls.
var ErrOpen = errors.New("breaker: source circuit open")

type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker. Defaults to 5.
	FailureThreshold uint32
	// RecoveryTimeout is how long an open breaker rejects calls before
	// letting a single probe through. Defaults to 60s.
	RecoveryTimeout time.Duration
}

func (c *Config) defaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
}

// Status is a read-only view of one breaker for the statistics surface.
type Status struct {
	SourceID            string `json:"source_id"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
}

// Registry keeps exactly one breaker per source id for the process
// lifetime. The breakers themselves own all state transitions.
type Registry struct {
	mu  sync.RWMutex
	m   map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
	cfg Config

	// OnStateChange, when set, observes every breaker transition.
	OnStateChange func(sourceID string, from, to gobreaker.State)
}

func NewRegistry(cfg Config) *Registry {
	cfg.defaults()
	return &Registry{
		m:   make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}], 8),
		cfg: cfg,
	}
}

func (r *Registry) get(sourceID string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	r.mu.RLock()
	cb := r.m[sourceID]
	r.mu.RUnlock()
	if cb != nil {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb = r.m[sourceID]; cb != nil {
		return cb
	}

	threshold := r.cfg.FailureThreshold
	st := gobreaker.Settings{
		Name:        sourceID,
		MaxRequests: 1, // single half-open probe
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	}
	if hook := r.OnStateChange; hook != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			hook(name, from, to)
		}
	}
	cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](st)
	r.m[sourceID] = cb
	return cb
}

// Allow reports whether a call to the source may proceed. On success the
// returned done func must be called exactly once with the call outcome.
// A denial is routing, not an error the caller surfaces.
func (r *Registry) Allow(sourceID string) (done func(success bool), err error) {
	done, err = r.get(sourceID).Allow()
	if err != nil {
		// Both "open" and "probe already in flight" mean skip this source.
		return nil, ErrOpen
	}
	return done, nil
}

// State returns the breaker state for one source.
func (r *Registry) State(sourceID string) gobreaker.State {
	return r.get(sourceID).State()
}

// Snapshot returns the status of every registered breaker.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Status, len(r.m))
	for id, cb := range r.m {
		counts := cb.Counts()
		out[id] = Status{
			SourceID:            id,
			State:               cb.State().String(),
			ConsecutiveFailures: counts.ConsecutiveFailures,
			Requests:            counts.Requests,
			TotalFailures:       counts.TotalFailures,
		}
	}
	return out
}
