package analyze

import (
	"fmt"
	"sync"
	"time"

	"github.com/perimeterlabs/vantage/internal/scan"
)

// BreakerState is the circuit state for the analysis endpoint.
type BreakerState int

const (
	// StateClosed lets requests through and counts consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen rejects requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets a single trial request through.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Breaker is a circuit breaker shared by all workers hitting the analysis
// service. A burst of failures trips it open so a dead endpoint does not
// eat every job's retry budget.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	cooldown     time.Duration
	openedAt     time.Time
	trialPending bool
	clock        scan.Clock
}

// NewBreaker trips to open after threshold consecutive failures and probes
// again after cooldown.
func NewBreaker(threshold int, cooldown time.Duration, clock scan.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, clock: clock}
}

// Allow reports whether a request may proceed. In half-open it grants the
// trial slot to exactly one caller; others are rejected until the trial
// reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.trialPending = true
		return true
	case StateHalfOpen:
		if b.trialPending {
			return false
		}
		b.trialPending = true
		return true
	default:
		return false
	}
}

// Success records a successful request. A half-open trial success closes
// the circuit and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trialPending = false
	b.state = StateClosed
}

// Failure records a failed request. Enough consecutive failures in closed
// state, or any half-open trial failure, opens the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// Cancel releases a granted slot without recording an outcome, for
// requests abandoned before reaching the service.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialPending = false
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.clock.Now()
	b.trialPending = false
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clock.Now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}
