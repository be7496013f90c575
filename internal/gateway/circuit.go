package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// circuitBreaker trips after consecutive transport failures so a dead
// broker is not hammered while the watcher keeps polling.
type circuitBreaker struct {
	mu sync.Mutex

	state        State
	failureCount int
	lastFailure  time.Time

	failureThreshold int
	timeout          time.Duration
	log              *zap.SugaredLogger
	now              func() time.Time
}

func newCircuitBreaker(threshold int, timeout time.Duration, log *zap.SugaredLogger) *circuitBreaker {
	return &circuitBreaker{
		state:            StateClosed,
		failureThreshold: threshold,
		timeout:          timeout,
		log:              log,
		now:              time.Now,
	}
}

// allow reports whether a call may proceed.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.timeout {
			cb.state = StateHalfOpen
			cb.log.Infow("broker circuit half-open")
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateClosed {
		cb.log.Infow("broker circuit closed")
	}
	cb.state = StateClosed
	cb.failureCount = 0
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	cb.failureCount++
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failureCount >= cb.failureThreshold) {
		cb.state = StateOpen
		cb.log.Warnw("broker circuit open", "failures", cb.failureCount)
	}
}

func (cb *circuitBreaker) current() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
