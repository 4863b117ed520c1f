package scopez

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zoobzio/clockz"
)

// Deps carries the collaborators a stage factory may need that do not
// belong in a config file.
type Deps struct {
	Logger      *slog.Logger
	Clock       clockz.Clock
	Credentials CredentialSource
	Refresh     RefreshFunc
	Transient   TransientFunc
}

// StageFactory builds one stage from the configuration.
type StageFactory func(cfg Config, deps Deps) (Stage, error)

// Registry maps stage identifiers to factories. Safe for concurrent use.
type Registry struct {
	factories map[string]StageFactory
	mu        sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StageFactory)}
}

// DefaultRegistry returns a registry holding the built-in stages under
// their standard identifiers. Each call returns a fresh registry, so
// callers may add or override entries.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(StageLogging, newLoggingFromConfig)
	reg.Register(StageRateLimit, newRateLimiterFromConfig)
	reg.Register(StageRetry, newRetryFromConfig)
	reg.Register(StageAuth, newAuthFromConfig)
	reg.Register(StageTranslate, newTranslateFromConfig)
	reg.Register(StageCache, newCacheFromConfig)
	reg.Register(StageTimeout, newTimeoutFromConfig)
	reg.Register(StageBreaker, newBreakerFromConfig)
	return reg
}

// Register adds a factory under id, replacing any existing one.
func (r *Registry) Register(id string, factory StageFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = factory
}

// Get returns the factory for id.
func (r *Registry) Get(id string) (StageFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[id]
	return f, ok
}

// MustGet returns the factory for id, or panics if it is not registered.
func (r *Registry) MustGet(id string) StageFactory {
	f, ok := r.Get(id)
	if !ok {
		panic(fmt.Sprintf("scopez: stage %q not registered", id))
	}
	return f
}

// Names returns the registered identifiers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for id := range r.factories {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}

func newLoggingFromConfig(_ Config, deps Deps) (Stage, error) {
	s := NewLogging(StageLogging, deps.Logger)
	if deps.Clock != nil {
		s.WithClock(deps.Clock)
	}
	return s, nil
}

func newRateLimiterFromConfig(cfg Config, deps Deps) (Stage, error) {
	mode, err := parseRateLimitMode(cfg.RateLimitMode)
	if err != nil {
		return nil, err
	}
	s := NewRateLimiter(StageRateLimit, cfg.RateLimitPerWindow, cfg.Window()).SetMode(mode)
	if deps.Clock != nil {
		s.WithClock(deps.Clock)
	}
	return s, nil
}

func newRetryFromConfig(cfg Config, deps Deps) (Stage, error) {
	s := NewRetry(StageRetry, cfg.MaxRetries, cfg.BackoffBase())
	if deps.Clock != nil {
		s.WithClock(deps.Clock)
	}
	return s, nil
}

func newAuthFromConfig(_ Config, deps Deps) (Stage, error) {
	if deps.Credentials == nil && deps.Refresh == nil {
		return nil, fmt.Errorf("auth stage needs a credential source or a refresh hook")
	}
	s := NewAuth(StageAuth, deps.Credentials)
	if deps.Refresh != nil {
		s.WithRefresh(deps.Refresh)
	}
	if deps.Clock != nil {
		s.WithClock(deps.Clock)
	}
	return s, nil
}

func newTranslateFromConfig(_ Config, deps Deps) (Stage, error) {
	return NewTranslate(StageTranslate, deps.Transient), nil
}

func newCacheFromConfig(cfg Config, deps Deps) (Stage, error) {
	s := NewCache(StageCache, cfg.CacheTTL())
	if deps.Clock != nil {
		s.WithClock(deps.Clock)
	}
	return s, nil
}

func newTimeoutFromConfig(cfg Config, deps Deps) (Stage, error) {
	s := NewTimeout(StageTimeout, cfg.Timeout())
	if deps.Clock != nil {
		s.WithClock(deps.Clock)
	}
	return s, nil
}

func newBreakerFromConfig(cfg Config, deps Deps) (Stage, error) {
	s := NewCircuitBreaker(StageBreaker, cfg.BreakerThreshold, cfg.BreakerReset())
	if deps.Clock != nil {
		s.WithClock(deps.Clock)
	}
	return s, nil
}
