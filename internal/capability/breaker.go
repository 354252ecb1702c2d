package capability

import (
	"sync"
	"time"

	"github.com/strandworks/strand/pkg/schema"
)

// BreakerConfig configures circuit breaker behavior for all providers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// breaker tracks failure state for a single provider. State persists
// across runs: it reflects the health of the external service, not any
// single run. Transitions are monotonic within a cooldown window:
// closed→open on crossing the threshold, open→half-open after cooldown,
// half-open→closed on probe success, half-open→open on probe failure.
type breaker struct {
	mu sync.Mutex

	provider            string
	state               schema.CircuitState
	consecutiveFailures int
	lastTransition      time.Time
	lastFailure         time.Time
	probeInFlight       bool
	config              BreakerConfig

	now func() time.Time // injectable clock for tests
}

func newBreaker(provider string, config BreakerConfig) *breaker {
	return &breaker{
		provider:       provider,
		state:          schema.CircuitClosed,
		lastTransition: time.Now().UTC(),
		config:         config,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// allow checks whether an invocation may proceed. When the circuit is
// open past its cooldown, exactly one caller is admitted as the
// half-open probe; everyone else fails fast with CIRCUIT_OPEN.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case schema.CircuitClosed:
		return nil

	case schema.CircuitOpen:
		if b.now().Sub(b.lastFailure) >= b.config.Cooldown {
			b.transition(schema.CircuitHalfOpen)
			b.probeInFlight = true
			return nil
		}
		return b.openError()

	case schema.CircuitHalfOpen:
		if b.probeInFlight {
			return b.openError()
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// recordSuccess resets the breaker after a successful invocation.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.probeInFlight = false
	if b.state != schema.CircuitClosed {
		b.transition(schema.CircuitClosed)
	}
}

// recordFailure registers a failed invocation and returns the new state.
func (b *breaker) recordFailure() schema.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailure = b.now()
	b.probeInFlight = false

	if b.state == schema.CircuitHalfOpen {
		// Probe failure reopens the circuit and restarts the cooldown.
		b.transition(schema.CircuitOpen)
		return schema.CircuitOpen
	}

	if b.state == schema.CircuitClosed && b.consecutiveFailures >= b.config.FailureThreshold {
		b.transition(schema.CircuitOpen)
		return schema.CircuitOpen
	}

	return b.state
}

// health returns a point-in-time snapshot, surfacing the pending
// open→half-open transition when the cooldown has elapsed.
func (b *breaker) health() schema.CapabilityHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	if state == schema.CircuitOpen && b.now().Sub(b.lastFailure) >= b.config.Cooldown {
		state = schema.CircuitHalfOpen
	}

	return schema.CapabilityHealth{
		Provider:            b.provider,
		State:               state,
		ConsecutiveFailures: b.consecutiveFailures,
		LastTransition:      b.lastTransition,
		Cooldown:            b.config.Cooldown,
	}
}

func (b *breaker) transition(to schema.CircuitState) {
	b.state = to
	b.lastTransition = b.now()
}

func (b *breaker) openError() *schema.StrandError {
	remaining := b.config.Cooldown - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"circuit open for provider %q: %d consecutive failures", b.provider, b.consecutiveFailures).
		WithDetails(map[string]any{
			"provider":             b.provider,
			"consecutive_failures": b.consecutiveFailures,
			"state":                string(b.state),
			"cooldown_remaining":   remaining.String(),
		})
}
