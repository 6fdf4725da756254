package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aimerfeng/CampusRAG/internal/config"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// CircuitBreakerManager keeps one breaker per provider operation (chat, embed)
type CircuitBreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	config   *config.BreakerConfig
	mu       sync.RWMutex
}

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerStatus contains status information about a circuit breaker
type CircuitBreakerStatus struct {
	Name         string              `json:"name"`
	State        CircuitBreakerState `json:"state"`
	Requests     uint32              `json:"requests"`
	TotalSuccess uint32              `json:"total_success"`
	TotalFailure uint32              `json:"total_failure"`
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(cfg *config.BreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg,
	}
}

// GetBreaker returns or creates the breaker for name
func (m *CircuitBreakerManager) GetBreaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info().
				Str("circuit_breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(name, stateToGauge(to))
		},
		IsSuccessful: func(err error) bool {
			// Only upstream trouble counts against the provider; bad
			// requests and caller cancellations do not.
			return err == nil || !apierrors.IsTransient(err)
		},
	})
	monitoring.SetCircuitBreakerState(name, 0)

	m.breakers[name] = cb
	return cb
}

// Execute runs fn under the named breaker. An open breaker yields a
// transient error wrapping ErrCircuitOpen.
func (m *CircuitBreakerManager) Execute(ctx context.Context, name string, fn func() (interface{}, error)) (interface{}, error) {
	cb := m.GetBreaker(name)

	result, err := cb.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, apierrors.Cancellation(name, ctx.Err())
		default:
		}
		return fn()
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().
				Str("circuit_breaker", name).
				Msg("Circuit breaker is open, rejecting request")
			return nil, apierrors.Transient(name, fmt.Errorf("%w: %s", ErrCircuitOpen, name))
		}
		return nil, err
	}
	return result, nil
}

// GetAllStatus returns status of all circuit breakers
func (m *CircuitBreakerManager) GetAllStatus() []*CircuitBreakerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*CircuitBreakerStatus, 0, len(m.breakers))
	for name, cb := range m.breakers {
		counts := cb.Counts()
		statuses = append(statuses, &CircuitBreakerStatus{
			Name:         name,
			State:        CircuitBreakerState(stateToString(cb.State())),
			Requests:     counts.Requests,
			TotalSuccess: counts.TotalSuccesses,
			TotalFailure: counts.TotalFailures,
		})
	}
	return statuses
}

// IsOpen checks if the named breaker is open
func (m *CircuitBreakerManager) IsOpen(name string) bool {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	return exists && cb.State() == gobreaker.StateOpen
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return string(CircuitBreakerStateClosed)
	case gobreaker.StateOpen:
		return string(CircuitBreakerStateOpen)
	case gobreaker.StateHalfOpen:
		return string(CircuitBreakerStateHalfOpen)
	default:
		return "unknown"
	}
}

func stateToGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
