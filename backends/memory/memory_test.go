package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoobzio/scopez"
)

func TestBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("Operations", func(t *testing.T) {
		backend := New().Put("orders", "r1", "r2", "r3")

		err := scopez.Use(ctx, backend, "orders", nil, func(s *scopez.Session) error {
			result, err := s.Run(ctx, scopez.NewOperation(OpEcho, "hello"))
			require.NoError(t, err)
			assert.Equal(t, "hello", result.Payload)

			result, err = s.Run(ctx, scopez.NewOperation(OpLen))
			require.NoError(t, err)
			assert.Equal(t, 3, result.Payload)

			result, err = s.Run(ctx, scopez.NewOperation(OpGet, 1))
			require.NoError(t, err)
			assert.Equal(t, scopez.Record("r2"), result.Payload)

			result, err = s.Run(ctx, scopez.NewOperation(OpAppend, "r4"))
			require.NoError(t, err)
			assert.Equal(t, 4, result.Payload)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, backend.Acquired())
		assert.Equal(t, 1, backend.Released())
	})

	t.Run("Bad Operations Are Invalid", func(t *testing.T) {
		backend := New().Put("orders", "r1")
		s, err := scopez.Open(ctx, backend, "orders", nil)
		require.NoError(t, err)
		defer s.Close()

		for _, op := range []scopez.Operation{
			scopez.NewOperation("drop"),
			scopez.NewOperation(OpGet, 5),
			scopez.NewOperation(OpGet, "first"),
			scopez.NewOperation(OpEcho),
		} {
			_, err := s.Run(ctx, op)
			assert.ErrorIs(t, err, scopez.ErrInvalid, op.Name)
			assert.Equal(t, scopez.Invalid, scopez.Classify(err))
		}
	})

	t.Run("Unknown Target", func(t *testing.T) {
		_, err := scopez.Open(ctx, New(), "missing", nil)
		assert.ErrorIs(t, err, scopez.ErrAcquisition)
		assert.True(t, errors.Is(err, ErrUnknownTarget))
	})

	t.Run("Streams In Order", func(t *testing.T) {
		backend := New().Put("orders", "r1", "r2", "r3")
		s, err := scopez.Open(ctx, backend, "orders", nil)
		require.NoError(t, err)
		defer s.Close()

		seq, err := s.Stream(ctx)
		require.NoError(t, err)
		var got []string
		for rec, err := range seq.All(ctx) {
			require.NoError(t, err)
			got = append(got, rec.String())
		}
		assert.Equal(t, []string{"r1", "r2", "r3"}, got)
		assert.True(t, seq.Exhausted())
	})

	t.Run("Released Handle Refuses Work", func(t *testing.T) {
		backend := New().Put("orders", "r1")
		raw, err := backend.Acquire(ctx, "orders")
		require.NoError(t, err)
		require.NoError(t, backend.Release(raw))
		require.NoError(t, backend.Release(raw))

		_, err = backend.Perform(ctx, raw, scopez.NewOperation(OpLen))
		assert.ErrorIs(t, err, ErrReleased)
		assert.Equal(t, 1, backend.Released())
	})
}
