package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/zoobzio/scopez"
	"github.com/zoobzio/scopez/backends/file"
	"github.com/zoobzio/scopez/backends/memory"
	"github.com/zoobzio/scopez/backends/redis"
)

const (
	backendFile   = "file"
	backendRedis  = "redis"
	backendMemory = "memory"

	// Environment variable holding the bearer token for the auth stage.
	tokenEnv = "SCOPEZ_TOKEN"
)

// newBackend returns the backend named by name. The memory backend is
// seeded from stdin, one record per line, under target.
func newBackend(name, target string, stdin io.Reader) (scopez.Backend, error) {
	switch name {
	case backendFile:
		return file.New(), nil
	case backendRedis:
		return redis.New(), nil
	case backendMemory:
		var records []string
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			records = append(records, sc.Text())
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return memory.New().Put(target, records...), nil
	default:
		return nil, scopez.InvalidError("backend", fmt.Errorf("unknown backend %q (use %s, %s or %s)",
			name, backendFile, backendRedis, backendMemory))
	}
}

// loadPipeline builds the pipeline and session options described by path.
// An empty path gives a nil pipeline, which Open treats as a bare Perform.
// A non-nil pipeline must be closed by the caller.
func loadPipeline(path string) (*scopez.Pipeline, []scopez.Option, error) {
	if path == "" {
		return nil, nil, nil
	}
	cfg, err := scopez.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	deps := scopez.Deps{Logger: scopez.Logger()}
	if token := strings.TrimSpace(os.Getenv(tokenEnv)); token != "" {
		deps.Credentials = scopez.StaticCredential{Token: token}
	}
	p, err := cfg.Build(path, nil, scopez.Perform, deps)
	if err != nil {
		return nil, nil, err
	}
	return p, cfg.Options(), nil
}

// parseArgs turns command-line arguments into operation arguments. Values
// that parse as integers are passed as int so backends indexing by position
// receive the type they expect.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		if n, err := strconv.Atoi(s); err == nil {
			args[i] = n
			continue
		}
		args[i] = s
	}
	return args
}
