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

// Package queue implements EventQueue (spec §4.6): a per-pod mailbox
// dispatcher that takes a single stream of cluster watch events and
// demultiplexes it into one bounded, ordered channel per pod, spawning an
// executor for each pod on its first Applied event.
//
// Grounded on original_source/crates/kubelet/src/pod/queue.rs (the
// mailbox-per-pod split and the resync-via-diffed-key-set algorithm) and on
// the teacher's channel/informer plumbing in operator/node_listener.go
// (bounded channel draining in a select loop, context-cancellation-aware
// sends).
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.corp.nvidia.com/nodelet/pkg/metrics"
)

// EventKind distinguishes a watch notification's origin, mirroring
// kube_runtime::watcher::Event.
type EventKind int

const (
	Applied EventKind = iota
	Deleted
	Restarted
)

func (k EventKind) String() string {
	switch k {
	case Applied:
		return "Applied"
	case Deleted:
		return "Deleted"
	case Restarted:
		return "Restarted"
	default:
		return "Unknown"
	}
}

// PodKey identifies a pod's mailbox.
type PodKey struct {
	Namespace string
	Name      string
}

func (k PodKey) String() string { return k.Namespace + "/" + k.Name }

// WatchEvent is one notification delivered by the cluster watch. Applied
// events derive their PodKey from Pod via the Queue's KeyOf function; Key
// must be set explicitly for Deleted (the deleted object may be a tombstone
// with no usable Pod). For Restarted, Pods carries the full current pod
// list — callers should route it to Resync instead of Enqueue (mirroring
// the original's explicit prohibition on enqueuing Restarted events).
type WatchEvent[P any] struct {
	Kind EventKind
	Key  PodKey
	Pod  P   // meaningful for Applied
	Pods []P // meaningful for Restarted
}

// mailboxCapacity bounds each pod's event channel. A slow or stuck executor
// backpressures new events for that pod without affecting others.
const mailboxCapacity = 16

// Executor starts the per-pod state machine run for a pod's first Applied
// event, returning once the pod is fully torn down. It should itself select
// on ctx and on events delivered via the returned channel consumer, which
// the Queue wires up internally.
type Executor[P any] func(ctx context.Context, key PodKey, events <-chan WatchEvent[P]) error

// KeyOf extracts a PodKey from a pod object; supplied by the caller since P
// is an opaque type parameter here.
type KeyOf[P any] func(p P) PodKey

// Queue fans a single watch-event stream out into one ordered, bounded
// mailbox per pod, starting an Executor the first time a pod is seen.
type Queue[P any] struct {
	keyOf    KeyOf[P]
	executor Executor[P]

	mu       sync.Mutex
	mailbox  map[PodKey]chan WatchEvent[P]
	wg       sync.WaitGroup
}

// New creates a Queue that dispatches to executor, keyed by keyOf.
func New[P any](keyOf KeyOf[P], executor Executor[P]) *Queue[P] {
	return &Queue[P]{
		keyOf:    keyOf,
		executor: executor,
		mailbox:  make(map[PodKey]chan WatchEvent[P]),
	}
}

// Enqueue routes an Applied or Deleted event to the pod's mailbox, spawning
// an executor on first sight of the pod. Restarted events are rejected;
// callers must route them through Resync. For Applied, ev.Key is derived
// from ev.Pod; for Deleted, ev.Key must already be set.
func (q *Queue[P]) Enqueue(ctx context.Context, ev WatchEvent[P]) error {
	var key PodKey
	switch ev.Kind {
	case Applied:
		key = q.keyOf(ev.Pod)
		ev.Key = key
	case Deleted:
		key = ev.Key
	case Restarted:
		return fmt.Errorf("queue: Restarted events must go through Resync, not Enqueue")
	default:
		return fmt.Errorf("queue: unknown event kind %v", ev.Kind)
	}

	q.mu.Lock()
	ch, ok := q.mailbox[key]
	if !ok {
		if ev.Kind == Deleted {
			// Nothing to deliver a delete to; the pod was never started here.
			q.mu.Unlock()
			return nil
		}
		ch = make(chan WatchEvent[P], mailboxCapacity)
		q.mailbox[key] = ch
		q.wg.Add(1)
		metrics.Get().RecordUpDownCounter(ctx, "nodelet.queue.mailbox_depth", 1, "1", "pods with a live mailbox", nil)
		go q.run(ctx, key, ch)
	}
	q.mu.Unlock()

	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[P]) run(ctx context.Context, key PodKey, ch chan WatchEvent[P]) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		delete(q.mailbox, key)
		q.mu.Unlock()
		metrics.Get().RecordUpDownCounter(ctx, "nodelet.queue.mailbox_depth", -1, "1", "pods with a live mailbox", nil)
	}()

	if err := q.executor(ctx, key, ch); err != nil {
		slog.Error("pod executor exited with error", slog.String("pod", key.String()), slog.String("error", err.Error()))
	}
}

// Resync reconciles the mailbox set against the authoritative pod list
// delivered by a Restarted event: pods with a live mailbox that are absent
// from pods get a synthetic Deleted event, then every pod in the list gets
// an Applied event (spawning an executor for any not already running).
func (q *Queue[P]) Resync(ctx context.Context, pods []P) error {
	current := make(map[PodKey]P, len(pods))
	for _, p := range pods {
		current[q.keyOf(p)] = p
	}

	q.mu.Lock()
	stale := make([]PodKey, 0)
	for key := range q.mailbox {
		if _, ok := current[key]; !ok {
			stale = append(stale, key)
		}
	}
	q.mu.Unlock()

	for _, key := range stale {
		if err := q.Enqueue(ctx, WatchEvent[P]{Kind: Deleted, Key: key}); err != nil {
			return err
		}
	}

	for _, p := range pods {
		if err := q.Enqueue(ctx, WatchEvent[P]{Kind: Applied, Pod: p}); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until every spawned executor has returned. Intended for
// drain-on-shutdown; callers should cancel the context passed to Enqueue's
// executors first.
func (q *Queue[P]) Wait() {
	q.wg.Wait()
}

// Len reports the number of pods with a live mailbox, for diagnostics.
func (q *Queue[P]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.mailbox)
}
