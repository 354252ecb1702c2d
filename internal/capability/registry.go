package capability

import (
	"context"
	"sort"
	"sync"

	"github.com/strandworks/strand/pkg/schema"
)

// Registry holds registered capability providers keyed by category and
// provider name, and tracks per-provider circuit state. It is populated
// at startup and read-only thereafter except for health-state mutation,
// which is synchronized internally. Shared by all concurrent runs.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	config  BreakerConfig
}

type entry struct {
	ref     schema.CapabilityRef
	cap     Capability
	breaker *breaker
}

// NewRegistry creates an empty Registry with the given breaker config.
func NewRegistry(config BreakerConfig) *Registry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Registry{
		entries: make(map[string]*entry),
		config:  config,
	}
}

// Register adds a provider under category+name. Duplicate registration
// is a conflict: providers are wired once at startup.
func (r *Registry) Register(category, provider string, cap Capability) error {
	if category == "" || provider == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability category and provider must be non-empty")
	}
	if cap == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}

	ref := schema.CapabilityRef{Category: category, Provider: provider}
	key := ref.String()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", key)
	}

	r.entries[key] = &entry{
		ref:     ref,
		cap:     cap,
		breaker: newBreaker(key, r.config),
	}
	return nil
}

// Resolve returns the provider registered under category+name.
func (r *Registry) Resolve(category, provider string) (Capability, error) {
	e, err := r.lookup(category, provider)
	if err != nil {
		return nil, err
	}
	return e.cap, nil
}

// Has reports whether a provider is registered. Used by validation.
func (r *Registry) Has(category, provider string) bool {
	_, err := r.lookup(category, provider)
	return err == nil
}

// Health returns the circuit snapshot for one provider.
func (r *Registry) Health(category, provider string) (schema.CapabilityHealth, error) {
	e, err := r.lookup(category, provider)
	if err != nil {
		return schema.CapabilityHealth{}, err
	}
	return e.breaker.health(), nil
}

// ListHealth returns circuit snapshots for every provider, sorted by key.
func (r *Registry) ListHealth() []schema.CapabilityHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.CapabilityHealth, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.breaker.health())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Invoke calls a provider action through its circuit breaker. An open
// circuit fails fast with CIRCUIT_OPEN before any network attempt.
func (r *Registry) Invoke(ctx context.Context, ref schema.CapabilityRef, action string, inputs map[string]any) (*Result, error) {
	e, err := r.lookup(ref.Category, ref.Provider)
	if err != nil {
		return nil, err
	}

	if err := e.breaker.allow(); err != nil {
		return nil, err
	}

	result, err := e.cap.Invoke(ctx, action, inputs)
	if err != nil {
		e.breaker.recordFailure()
		return nil, err
	}

	e.breaker.recordSuccess()
	if result == nil {
		result = &Result{}
	}
	return result, nil
}

// Compensate invokes a provider's compensating action when it declares
// one. Providers without a Compensator are a no-op: compensation is
// best-effort by design decision.
func (r *Registry) Compensate(ctx context.Context, ref schema.CapabilityRef, action string, inputs, outputs map[string]any) error {
	e, err := r.lookup(ref.Category, ref.Provider)
	if err != nil {
		return err
	}

	comp, ok := e.cap.(Compensator)
	if !ok {
		return nil
	}
	return comp.Compensate(ctx, action, inputs, outputs)
}

// CanCompensate reports whether the provider declares a compensating action.
func (r *Registry) CanCompensate(ref schema.CapabilityRef) bool {
	e, err := r.lookup(ref.Category, ref.Provider)
	if err != nil {
		return false
	}
	_, ok := e.cap.(Compensator)
	return ok
}

// CheckHealth probes a provider directly, bypassing the breaker.
func (r *Registry) CheckHealth(ctx context.Context, category, provider string) (bool, error) {
	e, err := r.lookup(category, provider)
	if err != nil {
		return false, err
	}
	return e.cap.CheckHealth(ctx), nil
}

func (r *Registry) lookup(category, provider string) (*entry, error) {
	key := schema.CapabilityRef{Category: category, Provider: provider}.String()

	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "capability %q not registered", key)
	}
	return e, nil
}
