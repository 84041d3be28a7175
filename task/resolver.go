// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadyResolved is returned when settling a [Resolver] that already
// holds an outcome. It signals a double-delivery bug in the caller and must
// never be silently ignored.
var ErrAlreadyResolved = errors.New("resolver already completed")

// Resolver is a single-assignment future: one write of a result or an error,
// any number of blocking reads. It correlates an asynchronous reply with its
// original request.
type Resolver[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	value   T
	err     error
	settled bool
}

// NewResolver creates an unsettled [Resolver].
func NewResolver[T any]() *Resolver[T] {
	return &Resolver[T]{done: make(chan struct{})}
}

// SetResult settles the resolver with a value. Settling twice returns
// [ErrAlreadyResolved].
func (r *Resolver[T]) SetResult(value T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		return ErrAlreadyResolved
	}
	r.value = value
	r.settled = true
	close(r.done)
	return nil
}

// SetError settles the resolver with an error. Settling twice returns
// [ErrAlreadyResolved].
func (r *Resolver[T]) SetError(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.settled {
		return ErrAlreadyResolved
	}
	r.err = err
	r.settled = true
	close(r.done)
	return nil
}

// Done reports settlement without blocking.
func (r *Resolver[T]) Done() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the resolver settles or ctx is done, then returns the
// stored outcome. Repeated calls after settlement return the same outcome.
func (r *Resolver[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
