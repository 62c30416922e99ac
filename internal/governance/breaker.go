package governance

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a host's circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState represents the state of one host's circuit.
type BreakerState string

const (
	// StateClosed lets every attempt through.
	StateClosed BreakerState = "closed"
	// StateOpen rejects retries until the open timeout passes.
	StateOpen BreakerState = "open"
	// StateHalfOpen lets a limited number of probes through.
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig defines when a host's circuit opens and how it recovers.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenProbes is how many successful probes close the circuit again.
	HalfOpenProbes int
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:    5,
		OpenTimeout:    30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// BreakerSet tracks one circuit per host.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	circuits map[string]*circuit
	now      func() time.Time
}

type circuit struct {
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	probes               int
	openUntil            time.Time
}

// NewBreakerSet creates an empty set of circuits sharing config.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = 1
	}
	return &BreakerSet{
		config:   config,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
}

// Allow reports whether another attempt against host may be sent.
func (s *BreakerSet) Allow(host string) error {
	if s == nil || s.config.MaxFailures <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.circuitLocked(host)
	switch c.state {
	case StateOpen:
		if s.now().Before(c.openUntil) {
			return ErrCircuitOpen
		}
		c.transition(StateHalfOpen, time.Time{})
		c.probes++
		return nil
	case StateHalfOpen:
		if c.probes < s.config.HalfOpenProbes {
			c.probes++
			return nil
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

// Record feeds the result of an attempt against host into its circuit.
func (s *BreakerSet) Record(host string, failed bool) {
	if s == nil || s.config.MaxFailures <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.circuitLocked(host)
	if failed {
		c.consecutiveFailures++
		c.consecutiveSuccesses = 0
	} else {
		c.consecutiveSuccesses++
		c.consecutiveFailures = 0
	}

	switch c.state {
	case StateHalfOpen:
		if failed {
			c.transition(StateOpen, s.now().Add(s.config.OpenTimeout))
		} else if c.consecutiveSuccesses >= s.config.HalfOpenProbes {
			c.transition(StateClosed, time.Time{})
		}
	case StateClosed:
		if failed && c.consecutiveFailures >= s.config.MaxFailures {
			c.transition(StateOpen, s.now().Add(s.config.OpenTimeout))
		}
	}
}

// State returns the current state of host's circuit.
func (s *BreakerSet) State(host string) BreakerState {
	if s == nil {
		return StateClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.circuits[host]; ok {
		return c.state
	}
	return StateClosed
}

// Reset closes every circuit.
func (s *BreakerSet) Reset() {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuits = make(map[string]*circuit)
}

func (s *BreakerSet) circuitLocked(host string) *circuit {
	c, ok := s.circuits[host]
	if !ok {
		c = &circuit{state: StateClosed}
		s.circuits[host] = c
	}
	return c
}

func (c *circuit) transition(state BreakerState, openUntil time.Time) {
	if c.state == state {
		return
	}
	c.state = state
	c.openUntil = openUntil
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	c.probes = 0
}
