package retryer

import (
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// ErrCircuitOpen is returned without invoking the operation while a
// downstream's breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// CircuitBreaker guards one logical downstream. It trips open after N
// consecutive failures, fails fast for a cooldown period, then lets exactly
// one half-open probe through; the probe's result decides between closing
// and another cooldown.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration

	mu            sync.Mutex
	state         string
	failures      int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

// NewCircuitBreaker creates a breaker for a named downstream.
func NewCircuitBreaker(name string, failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            StateClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it starts the
// single half-open probe once the cooldown elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		log.Infof("[Retryer] Breaker %s half-open, allowing probe", b.name)
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		log.Infof("[Retryer] Breaker %s closed after successful probe", b.name)
	}
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure counts a failure; it reopens a half-open breaker and trips a
// closed one at the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		log.Warnf("[Retryer] Breaker %s reopened after failed probe", b.name)
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			log.Warnf("[Retryer] Breaker %s opened after %d consecutive failures", b.name, b.failures)
		}
	}
}

// State returns the current state name.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Breaker state is shared process-wide per downstream: its job is to protect
// the downstream from aggregate load, not to track per-job health.
var (
	breakersMu sync.Mutex
	breakers   = make(map[string]*CircuitBreaker)
)

// ForDownstream returns the shared breaker for a downstream name, creating
// it with defaults on first use.
func ForDownstream(name string) *CircuitBreaker {
	breakersMu.Lock()
	defer breakersMu.Unlock()

	if b, ok := breakers[name]; ok {
		return b
	}
	b := NewCircuitBreaker(name, DefaultFailureThreshold, DefaultCooldown)
	breakers[name] = b
	return b
}

// BreakerStates snapshots the state of every known breaker.
func BreakerStates() map[string]string {
	breakersMu.Lock()
	defer breakersMu.Unlock()

	states := make(map[string]string, len(breakers))
	for name, b := range breakers {
		states[name] = b.State()
	}
	return states
}
