// Three-state circuit breaker wrapping task execution.
//
// CLOSED counts consecutive failures; once they reach the threshold the breaker is OPEN and fails fast. After the timeout the next call moves it to HALF_OPEN, where exactly one probe may be in flight at a time. A configured number of consecutive probe successes closes the breaker; any probe failure re-opens it and restarts the timeout.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

var (
	ErrOpen          = errors.New("circuit breaker open")
	ErrProbeInFlight = errors.New("circuit breaker half-open probe already in flight")
)

type Config struct {
	Name              string
	Threshold         int
	Timeout           time.Duration
	HalfOpenSuccesses int
	Logger            *slog.Logger
	// called on every transition, after logging
	OnStateChange func(from, to State)
}

type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	probing atomic.Bool
	logger  *slog.Logger
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 3
	}
	if cfg.Name == "" {
		cfg.Name = "task-execution"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		logger: logger.With("component", "breaker", "breaker", cfg.Name),
	}
	threshold := uint32(cfg.Threshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenSuccesses),
		// zero interval: closed-state counts are only cleared by a success
		Interval: 0,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change", "from", fromGobreaker(from), "to", fromGobreaker(to))
			breakerTransitions.WithLabelValues(name, string(fromGobreaker(to))).Inc()
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(fromGobreaker(from), fromGobreaker(to))
			}
		},
	})
	return b
}

// State returns the current state. Reading the state may itself move an expired OPEN breaker to HALF_OPEN.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Execute runs fn through the breaker. Rejections are reported as ErrOpen or ErrProbeInFlight without calling fn.
func (b *Breaker) Execute(fn func() error) error {
	if b.cb.State() == gobreaker.StateHalfOpen {
		if !b.probing.CompareAndSwap(false, true) {
			return ErrProbeInFlight
		}
		defer b.probing.Store(false)
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return ErrOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return ErrProbeInFlight
	}
	return err
}

// IsRejection reports whether err came from the breaker refusing a call, rather than from the wrapped call.
func IsRejection(err error) bool {
	return errors.Is(err, ErrOpen) || errors.Is(err, ErrProbeInFlight)
}

type Status struct {
	State                State  `json:"state"`
	ConsecutiveFailures  uint32 `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32 `json:"consecutiveSuccesses"`
	TotalFailures        uint32 `json:"totalFailures"`
}

func (b *Breaker) Status() Status {
	c := b.cb.Counts()
	return Status{
		State:                b.State(),
		ConsecutiveFailures:  c.ConsecutiveFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		TotalFailures:        c.TotalFailures,
	}
}

func (s Status) String() string {
	return fmt.Sprintf("%s (failures=%d successes=%d)", s.State, s.ConsecutiveFailures, s.ConsecutiveSuccesses)
}
