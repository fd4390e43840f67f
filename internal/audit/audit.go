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

// Package audit implements a durable, queryable record of every pod state
// transition the StateMachine executor reports (spec §11's domain-stack
// extension: operators need transition history independent of whatever the
// in-cluster event log still retains). It is a side channel, not a
// correctness dependency — a write failure here is logged and swallowed,
// never propagated back into a pod's state machine run.
//
// Grounded on the teacher's pgxpool wiring in internal/postgres (itself
// adapted from utils/postgres/postgres.go) and on the generic decorator
// shape internal/state.State[S] already exposes, so recording a transition
// requires no change to the executor itself.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/nodelet/internal/state"
)

// Record is one observed state transition.
type Record struct {
	ID         uuid.UUID
	Namespace  string
	Pod        string
	State      string
	Kind       string
	Message    string
	OccurredAt time.Time
}

// Sink persists a Record. Implementations must not block the caller for
// long; RecordTransition runs synchronously on the pod's state-machine
// goroutine.
type Sink interface {
	RecordTransition(ctx context.Context, rec Record) error
}

// Execer is the minimal surface PostgresSink needs from a connection pool,
// satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresSink is a Sink backed by a Postgres table, one row per
// transition.
type PostgresSink struct {
	db Execer
}

// NewPostgresSink wraps an already-connected pool.
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS nodelet_state_transitions (
	id          UUID PRIMARY KEY,
	namespace   TEXT NOT NULL,
	pod         TEXT NOT NULL,
	state       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the backing table if it does not already exist. Idempotent.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("audit: creating schema: %w", err)
	}
	return nil
}

const insertSQL = `
INSERT INTO nodelet_state_transitions (id, namespace, pod, state, kind, message, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// RecordTransition implements Sink.
func (s *PostgresSink) RecordTransition(ctx context.Context, rec Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	_, err := s.db.Exec(ctx, insertSQL, rec.ID, rec.Namespace, rec.Pod, rec.State, rec.Kind, rec.Message, rec.OccurredAt)
	if err != nil {
		return fmt.Errorf("audit: inserting transition record: %w", err)
	}
	return nil
}

// auditingState decorates a state.State[S], recording every transition it
// reports to sink without altering the executor's control flow.
type auditingState[S any] struct {
	inner state.State[S]
	sink  Sink
}

// Wrap decorates every state in a graph so transitions out of it are
// recorded. Since State values are small, stateless descriptors
// constructed fresh per transition (see internal/testprovider/states.go),
// wrapping happens once per Next call rather than requiring the whole
// graph to be pre-walked.
func Wrap[S any](inner state.State[S], sink Sink) state.State[S] {
	if sink == nil {
		return inner
	}
	return auditingState[S]{inner: inner, sink: sink}
}

func (a auditingState[S]) Name() string { return a.inner.Name() }

func (a auditingState[S]) StatusPatch(ps *S, pod *corev1.Pod) (state.StatusPatch, error) {
	return a.inner.StatusPatch(ps, pod)
}

func (a auditingState[S]) Next(ctx context.Context, ps *S, pod *corev1.Pod) state.Transition[S] {
	tr := a.inner.Next(ctx, ps, pod)

	rec := Record{
		Namespace: pod.Namespace,
		Pod:       pod.Name,
		State:     a.inner.Name(),
		Kind:      kindString(tr.Kind),
	}
	if tr.Err != nil {
		rec.Message = tr.Err.Error()
	}
	if err := a.sink.RecordTransition(ctx, rec); err != nil {
		slog.Warn("audit: recording transition failed", slog.String("pod", pod.Namespace+"/"+pod.Name), slog.String("state", rec.State), slog.String("error", err.Error()))
	}

	if tr.Kind == state.KindNext && tr.Next != nil {
		tr.Next = Wrap(tr.Next, a.sink)
	}
	return tr
}

func kindString(k state.TransitionKind) string {
	switch k {
	case state.KindNext:
		return "Next"
	case state.KindError:
		return "Error"
	case state.KindComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}
