/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package manifest implements the reactive manifest container described in
// spec §4.2: a single-writer, many-reader latest-value channel. Readers can
// sample synchronously, await the next change, or clone to obtain an
// independent subscription; closing the writer terminates every
// subscriber's stream after delivering the final value.
//
// This mirrors the original krustlet `krator::Manifest<T>` split from
// `ObjectStore` (see original_source/crates/krator/src/manifest.rs):
// the manifest is deliberately its own package rather than folded into
// store, since a pod's live manifest and the cluster-wide object cache have
// different write disciplines (single writer vs. many).
package manifest

import "sync"

// Writer is the single producer side of a Channel[T].
type Writer[T any] struct {
	ch *channel[T]
}

// Reader is a consumer side of a Channel[T]. Multiple independent Readers
// may be created via Subscribe; all observe the writer's coalesced updates.
type Reader[T any] struct {
	ch       *channel[T]
	lastSeen uint64
}

type channel[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	value   T
	version uint64
	closed  bool
}

// New creates a Channel[T] seeded with an initial value, returning the
// writer and its first reader.
func New[T any](initial T) (*Writer[T], *Reader[T]) {
	c := &channel[T]{value: initial, version: 1}
	c.cond = sync.NewCond(&c.mu)
	return &Writer[T]{ch: c}, &Reader[T]{ch: c, lastSeen: 0}
}

// Send publishes a new value atomically. If multiple sends happen between
// two reader polls, only the latest is ever observed (coalescing) — correct
// here because each cluster watch event carries the full pod object, so no
// intermediate value is ever needed by a handler reacting mid-state.
func (w *Writer[T]) Send(v T) {
	w.ch.mu.Lock()
	defer w.ch.mu.Unlock()
	if w.ch.closed {
		return
	}
	w.ch.value = v
	w.ch.version++
	w.ch.cond.Broadcast()
}

// Close marks the channel closed. Every subscriber's Next ultimately
// returns after observing the last value; Latest keeps returning it.
func (w *Writer[T]) Close() {
	w.ch.mu.Lock()
	defer w.ch.mu.Unlock()
	w.ch.closed = true
	w.ch.cond.Broadcast()
}

// Latest returns the current value without suspending.
func (r *Reader[T]) Latest() T {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	r.lastSeen = r.ch.version
	return r.ch.value
}

// Next blocks until a value newer than the last one this reader observed
// (via Latest, Next, or since Subscribe) is available, or the channel is
// closed with no newer value, in which case ok is false. The initial poll
// after Subscribe yields the value current at subscribe time.
func (r *Reader[T]) Next() (value T, ok bool) {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	for r.ch.version == r.lastSeen && !r.ch.closed {
		r.ch.cond.Wait()
	}
	if r.ch.version == r.lastSeen && r.ch.closed {
		return r.ch.value, false
	}
	r.lastSeen = r.ch.version
	return r.ch.value, true
}

// Subscribe returns an independent Reader whose first Next/Latest call
// observes the value current as of this call.
func (r *Reader[T]) Subscribe() *Reader[T] {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	return &Reader[T]{ch: r.ch, lastSeen: 0}
}

// Closed reports whether the writer has been closed.
func (r *Reader[T]) Closed() bool {
	r.ch.mu.Lock()
	defer r.ch.mu.Unlock()
	return r.ch.closed
}
