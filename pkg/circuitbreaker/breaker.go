// Package circuitbreaker guards calls to a flaky backend. After a run of
// failures the breaker opens and rejects calls until a cool-down elapses,
// then lets a limited number of probes through before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Settings configures a breaker. Zero values take defaults.
type Settings struct {
	Name string
	// ConsecutiveFailures trips the breaker. Default 5.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open. Default 30s.
	Timeout time.Duration
	// HalfOpenProbes is how many calls may run while half-open. Default 1.
	HalfOpenProbes uint32
	// IsFailure classifies errors. Default: any non-nil error except
	// context cancellation.
	IsFailure func(err error) bool
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name      string
	threshold uint32
	timeout   time.Duration
	probes    uint32
	isFailure func(error) bool
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures uint32
	inflight uint32
	openedAt time.Time
}

func New(s Settings) *Breaker {
	b := &Breaker{
		name:      s.Name,
		threshold: s.ConsecutiveFailures,
		timeout:   s.Timeout,
		probes:    s.HalfOpenProbes,
		isFailure: s.IsFailure,
		now:       time.Now,
	}
	if b.name == "" {
		b.name = "default"
	}
	if b.threshold == 0 {
		b.threshold = 5
	}
	if b.timeout <= 0 {
		b.timeout = 30 * time.Second
	}
	if b.probes == 0 {
		b.probes = 1
	}
	if b.isFailure == nil {
		b.isFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(StateClosed))
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

// Do runs fn unless the breaker rejects the call, in which case it returns
// ErrOpen or ErrTooManyRequests without calling fn.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(b.isFailure(err))
	return err
}

// Rejected reports whether err came from the breaker rather than the call.
func Rejected(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrTooManyRequests)
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentLocked() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.inflight >= b.probes {
			return ErrTooManyRequests
		}
	}
	b.inflight++
	return nil
}

func (b *Breaker) after(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inflight > 0 {
		b.inflight--
	}
	state := b.currentLocked()
	if !failed {
		b.failures = 0
		if state == StateHalfOpen {
			b.setLocked(StateClosed)
		}
		return
	}

	b.failures++
	if state == StateHalfOpen || b.failures >= b.threshold {
		b.setLocked(StateOpen)
	}
}

// currentLocked moves an expired open breaker to half-open.
func (b *Breaker) currentLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		b.setLocked(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if to != StateHalfOpen {
		b.inflight = 0
	}
	metrics.CircuitBreakerState.WithLabelValues(b.name).Set(float64(to))
	logger.Warn("Circuit breaker state changed", "name", b.name, "from", from.String(), "to", to.String())
}
