package scopez

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func TestParseConfig(t *testing.T) {
	t.Run("All Options", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(`
maxRetries: 3
backoffBaseMs: 50
rateLimitPerWindow: 100
windowMs: 1000
timeoutMs: 2000
cacheTtlMs: 30000
rateLimitMode: smooth
stageOrder: [logging, ratelimit, retry, translate, cache, timeout]
`))
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 50*time.Millisecond, cfg.BackoffBase())
		assert.Equal(t, 100, cfg.RateLimitPerWindow)
		assert.Equal(t, time.Second, cfg.Window())
		assert.Equal(t, 2*time.Second, cfg.Timeout())
		assert.Equal(t, 30*time.Second, cfg.CacheTTL())
		assert.Equal(t, ModeSmooth, cfg.RateLimitMode)
		assert.Equal(t, []string{"logging", "ratelimit", "retry", "translate", "cache", "timeout"}, cfg.StageOrder)
	})

	t.Run("Empty Is Valid", func(t *testing.T) {
		cfg, err := ParseConfig([]byte(``))
		require.NoError(t, err)
		assert.Empty(t, cfg.StageOrder)
	})

	t.Run("Rejects Bad Input", func(t *testing.T) {
		cases := map[string]string{
			"malformed yaml":      "maxRetries: [",
			"negative retries":    "maxRetries: -1",
			"negative window":     "windowMs: -5",
			"duplicate stage":     "stageOrder: [retry, retry]",
			"limiter no budget":   "stageOrder: [ratelimit]\nwindowMs: 100",
			"limiter no window":   "stageOrder: [ratelimit]\nrateLimitPerWindow: 5",
			"timeout no duration": "stageOrder: [timeout]",
			"cache no ttl":        "stageOrder: [cache]",
			"breaker no reset":    "stageOrder: [breaker]\nbreakerThreshold: 3",
			"negative threshold":  "breakerThreshold: -1",
			"unknown mode":        "rateLimitMode: burst",
		}
		for name, doc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := ParseConfig([]byte(doc))
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalid)
				assert.Equal(t, Invalid, Classify(err))
			})
		}
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("maxRetries: 2\nstageOrder: [retry]\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxRetries)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("Stages Follow Stage Order", func(t *testing.T) {
		cfg := &Config{
			MaxRetries:         2,
			RateLimitPerWindow: 10,
			WindowMs:           1000,
			TimeoutMs:          500,
			StageOrder:         []string{StageLogging, StageRateLimit, StageRetry, StageTranslate, StageTimeout},
		}
		p, err := cfg.Build("configured", nil, nil, Deps{Clock: clockz.NewFakeClock()})
		require.NoError(t, err)

		var names []string
		for _, s := range p.Stages() {
			names = append(names, s.Name())
		}
		assert.Equal(t, cfg.StageOrder, names)

		retry, ok := p.Stages()[2].(*Retry)
		require.True(t, ok)
		assert.Equal(t, 2, retry.MaxRetries())
	})

	t.Run("Built Pipeline Retries Translated Failures", func(t *testing.T) {
		cfg := &Config{MaxRetries: 2, StageOrder: []string{StageRetry, StageTranslate}}
		var calls atomic.Int32
		p, err := cfg.Build("configured", nil, failing(&calls, errors.New("x"), errors.New("y")), Deps{
			Transient: func(error) bool { return true },
		})
		require.NoError(t, err)

		_, err = p.Invoke(ctx, NewOperation("op"))
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("Breaker From Config", func(t *testing.T) {
		cfg, err := ParseConfig([]byte("stageOrder: [breaker]\nbreakerThreshold: 4\nbreakerResetMs: 250\n"))
		require.NoError(t, err)
		p, err := cfg.Build("configured", nil, nil, Deps{})
		require.NoError(t, err)

		breaker, ok := p.Stages()[0].(*CircuitBreaker)
		require.True(t, ok)
		assert.Equal(t, 4, breaker.Threshold())
		assert.Equal(t, 250*time.Millisecond, breaker.ResetTimeout())
	})

	t.Run("Unknown Stage", func(t *testing.T) {
		cfg := &Config{StageOrder: []string{"compress"}}
		_, err := cfg.Build("configured", nil, nil, Deps{})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("Auth Needs Credentials", func(t *testing.T) {
		cfg := &Config{StageOrder: []string{StageAuth}}
		_, err := cfg.Build("configured", nil, nil, Deps{})
		assert.ErrorIs(t, err, ErrInvalid)

		_, err = cfg.Build("configured", nil, nil, Deps{Credentials: StaticCredential{Token: "t"}})
		assert.NoError(t, err)
	})

	t.Run("Custom Registry Entries", func(t *testing.T) {
		reg := DefaultRegistry()
		var seen atomic.Int32
		reg.Register("count", func(Config, Deps) (Stage, error) {
			return Observe("count", func(context.Context, Operation) { seen.Add(1) }, nil), nil
		})
		assert.Contains(t, reg.Names(), "count")
		assert.Contains(t, reg.Names(), StageCache)

		cfg := &Config{StageOrder: []string{"count"}}
		var calls atomic.Int32
		p, err := cfg.Build("configured", reg, failing(&calls), Deps{})
		require.NoError(t, err)
		_, err = p.Invoke(ctx, NewOperation("op"))
		require.NoError(t, err)
		assert.Equal(t, int32(1), seen.Load())
	})

	t.Run("MustGet Panics On Unknown", func(t *testing.T) {
		assert.Panics(t, func() { NewRegistry().MustGet("nope") })
	})
}

func TestConfigOptions(t *testing.T) {
	assert.Empty(t, (&Config{}).Options())

	cfg, err := ParseConfig([]byte("timeoutMs: 20\nstageOrder: [logging]\n"))
	require.NoError(t, err)
	opts := cfg.Options()
	require.Len(t, opts, 1)

	backend := newFakeBackend()
	backend.perform = func(ctx context.Context, _ Operation) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	err = Use(context.Background(), backend, "target", nil, func(s *Session) error {
		_, err := s.Run(context.Background(), NewOperation("slow"))
		return err
	}, opts...)
	assert.ErrorIs(t, err, ErrTimeout)
}
