// Copyright 2026 The Go TaskRPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool provides strongly-typed object pooling for the hot encode
// paths.
package pool

import (
	"bytes"
	"sync"
)

// Pool is a generics wrapper around [sync.Pool].
type Pool[T any] struct {
	p sync.Pool
}

// Reseter is implemented by pooled values that must be cleared before
// reuse.
type Reseter interface {
	Reset()
}

// New returns a new [Pool] for T, using fn to construct new values when the
// pool is empty.
func New[T any](fn func() T) *Pool[T] {
	return &Pool[T]{
		p: sync.Pool{
			New: func() any {
				return fn()
			},
		},
	}
}

// Get gets a T from the pool, or creates a new one if the pool is empty.
func (p *Pool[T]) Get() T {
	return p.p.Get().(T)
}

// Put returns x into the pool, resetting it first when it supports that.
func (p *Pool[T]) Put(x T) {
	if xx, ok := any(x).(Reseter); ok {
		xx.Reset()
	}
	p.p.Put(x)
}

// Bytes pools [*bytes.Buffer] values for frame encoding.
var Bytes = New(func() *bytes.Buffer {
	return &bytes.Buffer{}
})
