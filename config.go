package scopez

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Stage identifiers recognized by DefaultRegistry in Config.StageOrder.
const (
	StageLogging   = "logging"
	StageRateLimit = "ratelimit"
	StageRetry     = "retry"
	StageAuth      = "auth"
	StageTranslate = "translate"
	StageCache     = "cache"
	StageTimeout   = "timeout"
	StageBreaker   = "breaker"
)

const opConfig = "config"

// Config is the external configuration surface of a pipeline. It is usually
// read from YAML:
//
//	maxRetries: 3
//	backoffBaseMs: 50
//	rateLimitPerWindow: 100
//	windowMs: 1000
//	timeoutMs: 2000
//	stageOrder: [logging, ratelimit, retry, translate, timeout]
//
// StageOrder lists stage identifiers outermost first. TimeoutMs bounds each
// operation inside the pipeline when the timeout stage is listed, and bounds
// acquisition, runs and pulls of sessions opened with Options.
type Config struct {
	RateLimitMode      string   `yaml:"rateLimitMode"`
	StageOrder         []string `yaml:"stageOrder"`
	MaxRetries         int      `yaml:"maxRetries"`
	BackoffBaseMs      int      `yaml:"backoffBaseMs"`
	RateLimitPerWindow int      `yaml:"rateLimitPerWindow"`
	WindowMs           int      `yaml:"windowMs"`
	TimeoutMs          int      `yaml:"timeoutMs"`
	CacheTTLMs         int      `yaml:"cacheTtlMs"`
	BreakerThreshold   int      `yaml:"breakerThreshold"`
	BreakerResetMs     int      `yaml:"breakerResetMs"`
}

// ParseConfig parses YAML bytes into a Config and validates it.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, InvalidError(opConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return ParseConfig(data)
}

// Validate reports the first problem with the configuration as an
// InvalidError. Stage identifiers are checked against a registry in Build.
func (c *Config) Validate() error {
	fail := func(format string, args ...any) error {
		return InvalidError(opConfig, fmt.Errorf(format, args...))
	}

	switch {
	case c.MaxRetries < 0:
		return fail("maxRetries must not be negative, got %d", c.MaxRetries)
	case c.BackoffBaseMs < 0:
		return fail("backoffBaseMs must not be negative, got %d", c.BackoffBaseMs)
	case c.RateLimitPerWindow < 0:
		return fail("rateLimitPerWindow must not be negative, got %d", c.RateLimitPerWindow)
	case c.WindowMs < 0:
		return fail("windowMs must not be negative, got %d", c.WindowMs)
	case c.TimeoutMs < 0:
		return fail("timeoutMs must not be negative, got %d", c.TimeoutMs)
	case c.CacheTTLMs < 0:
		return fail("cacheTtlMs must not be negative, got %d", c.CacheTTLMs)
	case c.BreakerThreshold < 0:
		return fail("breakerThreshold must not be negative, got %d", c.BreakerThreshold)
	case c.BreakerResetMs < 0:
		return fail("breakerResetMs must not be negative, got %d", c.BreakerResetMs)
	}

	if _, err := parseRateLimitMode(c.RateLimitMode); err != nil {
		return InvalidError(opConfig, err)
	}

	seen := make(map[string]bool, len(c.StageOrder))
	for i, id := range c.StageOrder {
		if id == "" {
			return fail("stageOrder[%d]: identifier required", i)
		}
		if seen[id] {
			return fail("stageOrder[%d]: %q listed twice", i, id)
		}
		seen[id] = true
	}

	if seen[StageRateLimit] && (c.RateLimitPerWindow == 0 || c.WindowMs == 0) {
		return fail("ratelimit stage needs rateLimitPerWindow and windowMs")
	}
	if seen[StageTimeout] && c.TimeoutMs == 0 {
		return fail("timeout stage needs timeoutMs")
	}
	if seen[StageCache] && c.CacheTTLMs == 0 {
		return fail("cache stage needs cacheTtlMs")
	}
	if seen[StageBreaker] && (c.BreakerThreshold == 0 || c.BreakerResetMs == 0) {
		return fail("breaker stage needs breakerThreshold and breakerResetMs")
	}
	return nil
}

// BackoffBase returns BackoffBaseMs as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// Window returns WindowMs as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// Timeout returns TimeoutMs as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// CacheTTL returns CacheTTLMs as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// Options returns the session options the configuration implies.
func (c *Config) Options() []Option {
	var opts []Option
	if c.TimeoutMs > 0 {
		opts = append(opts, WithTimeout(c.Timeout()))
	}
	return opts
}

// BreakerReset returns BreakerResetMs as a duration.
func (c *Config) BreakerReset() time.Duration {
	return time.Duration(c.BreakerResetMs) * time.Millisecond
}

// Build validates the configuration and assembles a pipeline named name
// whose stages come from reg in StageOrder. A nil reg uses DefaultRegistry.
// A nil terminal uses Perform.
func (c *Config) Build(name Name, reg *Registry, terminal Terminal, deps Deps) (*Pipeline, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = DefaultRegistry()
	}

	stages := make([]Stage, 0, len(c.StageOrder))
	for i, id := range c.StageOrder {
		factory, ok := reg.Get(id)
		if !ok {
			return nil, InvalidError(opConfig, fmt.Errorf("stageOrder[%d]: %q not in registry", i, id))
		}
		stage, err := factory(*c, deps)
		if err != nil {
			if errors.Is(err, ErrInvalid) {
				return nil, err
			}
			return nil, InvalidError(opConfig, fmt.Errorf("stage %q: %w", id, err))
		}
		stages = append(stages, stage)
	}
	return Build(name, stages, terminal), nil
}

func parseRateLimitMode(s string) (string, error) {
	switch s {
	case "", ModeWindow:
		return ModeWindow, nil
	case ModeSmooth:
		return ModeSmooth, nil
	default:
		return "", fmt.Errorf("rateLimitMode %q not supported (use \"window\" or \"smooth\")", s)
	}
}
