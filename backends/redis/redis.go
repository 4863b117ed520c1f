// Package redis is a scopez backend over a Redis server.
//
// A target is a Redis URL whose fragment names the list that sequences
// stream from:
//
//	redis://localhost:6379/0#events
//
// Perform sends the operation to the server as a command, so
// NewOperation("HGET", "user:1", "name") runs HGET user:1 name. Sequences
// read the list one element per pull with LINDEX; the list is never loaded
// as a whole.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zoobzio/scopez"
)

// ErrNoKey is returned by Records when the target names no list.
var ErrNoKey = errors.New("redis: target has no list key")

// Backend connects to Redis servers named by URL targets.
type Backend struct {
	configure func(*goredis.Options)
	ping      bool
}

// New returns a Redis backend. Acquire pings the server before handing out
// a handle.
func New() *Backend {
	return &Backend{ping: true}
}

// WithOptions registers a hook that adjusts client options after the URL
// is parsed.
func (b *Backend) WithOptions(fn func(*goredis.Options)) *Backend {
	b.configure = fn
	return b
}

// WithoutPing skips the connectivity check in Acquire.
func (b *Backend) WithoutPing() *Backend {
	b.ping = false
	return b
}

type handle struct {
	client *goredis.Client
	err    error
	key    string
	once   sync.Once
}

// SplitTarget separates a target into its connection URL and list key.
func SplitTarget(target string) (url, key string) {
	if i := strings.LastIndexByte(target, '#'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

// Acquire implements scopez.Backend.
func (b *Backend) Acquire(ctx context.Context, target string) (scopez.RawHandle, error) {
	url, key := SplitTarget(target)
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if b.configure != nil {
		b.configure(opts)
	}

	client := goredis.NewClient(opts)
	if b.ping {
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return &handle{client: client, key: key}, nil
}

// Release implements scopez.Backend.
func (b *Backend) Release(raw scopez.RawHandle) error {
	h, ok := raw.(*handle)
	if !ok {
		return nil
	}
	h.once.Do(func() {
		h.err = h.client.Close()
	})
	return h.err
}

// Perform implements scopez.Backend. A missing key yields a nil payload.
func (b *Backend) Perform(ctx context.Context, raw scopez.RawHandle, op scopez.Operation) (any, error) {
	h, ok := raw.(*handle)
	if !ok {
		return nil, fmt.Errorf("redis: foreign handle %T", raw)
	}

	args := make([]any, 0, len(op.Args)+1)
	args = append(args, op.Name)
	args = append(args, op.Args...)

	payload, err := h.client.Do(ctx, args...).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Records implements scopez.Backend.
func (b *Backend) Records(_ context.Context, raw scopez.RawHandle) (scopez.RecordReader, error) {
	h, ok := raw.(*handle)
	if !ok {
		return nil, fmt.Errorf("redis: foreign handle %T", raw)
	}
	if h.key == "" {
		return nil, scopez.InvalidError("stream", ErrNoKey)
	}
	return &reader{client: h.client, key: h.key}, nil
}

type reader struct {
	client *goredis.Client
	key    string
	pos    int64
}

// ReadNext implements scopez.RecordReader.
func (r *reader) ReadNext(ctx context.Context) (scopez.Record, error) {
	b, err := r.client.LIndex(ctx, r.key, r.pos).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	r.pos++
	return scopez.Record(b), nil
}
