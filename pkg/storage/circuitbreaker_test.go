package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/circuitbreaker"
	"github.com/clxdb/clxdb/pkg/storage"
)

// failingBackend returns err from every Read call and is never expected to
// implement the rest of storage.Backend for these tests.
type failingBackend struct {
	storage.Backend

	err error
}

func (f *failingBackend) Read(context.Context, string, *storage.Range) ([]byte, error) {
	return nil, f.err
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := circuitbreaker.New(2, time.Minute)
	backend := storage.WithCircuitBreaker(&failingBackend{err: errors.New("boom")}, cb)

	_, err := backend.Read(t.Context(), "p", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrCircuitOpen)

	_, err = backend.Read(t.Context(), "p", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrCircuitOpen)

	_, err = backend.Read(t.Context(), "p", nil)
	assert.ErrorIs(t, err, storage.ErrCircuitOpen)
}

func TestCircuitBreakerDoesNotTripOnNotFound(t *testing.T) {
	cb := circuitbreaker.New(1, time.Minute)
	backend := storage.WithCircuitBreaker(&failingBackend{err: storage.ErrNotFound}, cb)

	for i := 0; i < 5; i++ {
		_, err := backend.Read(t.Context(), "p", nil)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.False(t, cb.IsOpen())
	}
}
