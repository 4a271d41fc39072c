package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/clxdb/clxdb/pkg/circuitbreaker"
)

// ErrCircuitOpen is returned by a circuit-broken Backend instead of calling
// through to the underlying driver, once enough consecutive transient
// failures have tripped the breaker.
var ErrCircuitOpen = errors.New("storage: circuit open, remote presumed down")

// circuitBreakerBackend wraps a Backend with a circuitbreaker.CircuitBreaker
// so a remote that has started timing out or refusing connections fails
// fast instead of letting every caller run its own retry/backoff against a
// backend that is already known to be down. ErrNotFound and
// ErrAlreadyExists are expected outcomes, not failures, and never trip the
// breaker.
type circuitBreakerBackend struct {
	Backend

	cb *circuitbreaker.CircuitBreaker
}

// WithCircuitBreaker wraps backend so every call is gated by cb: a call is
// rejected with ErrCircuitOpen while the breaker is open, and every
// unexpected error (anything but ErrNotFound/ErrAlreadyExists) counts
// toward tripping it.
func WithCircuitBreaker(backend Backend, cb *circuitbreaker.CircuitBreaker) Backend {
	return &circuitBreakerBackend{Backend: backend, cb: cb}
}

func (b *circuitBreakerBackend) guard(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		b.cb.RecordSuccess()

		return err
	}

	b.cb.RecordFailure()

	return err
}

func (b *circuitBreakerBackend) Read(ctx context.Context, path string, rang *Range) ([]byte, error) {
	if !b.cb.AllowRequest() {
		return nil, fmt.Errorf("%w: reading %q", ErrCircuitOpen, path)
	}

	data, err := b.Backend.Read(ctx, path, rang)

	return data, b.guard(err)
}

func (b *circuitBreakerBackend) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	if !b.cb.AllowRequest() {
		return nil, fmt.Errorf("%w: stating %q", ErrCircuitOpen, path)
	}

	info, err := b.Backend.Stat(ctx, path)

	return info, b.guard(err)
}

func (b *circuitBreakerBackend) AtomicUpdate(
	ctx context.Context, path string, data []byte, previousEtag string,
) (*UpdateResult, error) {
	if !b.cb.AllowRequest() {
		return nil, fmt.Errorf("%w: updating %q", ErrCircuitOpen, path)
	}

	result, err := b.Backend.AtomicUpdate(ctx, path, data, previousEtag)

	return result, b.guard(err)
}

func (b *circuitBreakerBackend) Write(ctx context.Context, path string, data []byte) error {
	if !b.cb.AllowRequest() {
		return fmt.Errorf("%w: writing %q", ErrCircuitOpen, path)
	}

	return b.guard(b.Backend.Write(ctx, path, data))
}

func (b *circuitBreakerBackend) Delete(ctx context.Context, path string) error {
	if !b.cb.AllowRequest() {
		return fmt.Errorf("%w: deleting %q", ErrCircuitOpen, path)
	}

	return b.guard(b.Backend.Delete(ctx, path))
}

func (b *circuitBreakerBackend) List(ctx context.Context, directory string) ([]string, error) {
	if !b.cb.AllowRequest() {
		return nil, fmt.Errorf("%w: listing %q", ErrCircuitOpen, directory)
	}

	names, err := b.Backend.List(ctx, directory)

	return names, b.guard(err)
}

func (b *circuitBreakerBackend) EnsureDirectory(ctx context.Context, directory string) error {
	if !b.cb.AllowRequest() {
		return fmt.Errorf("%w: ensuring %q", ErrCircuitOpen, directory)
	}

	return b.guard(b.Backend.EnsureDirectory(ctx, directory))
}
