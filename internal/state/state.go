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

// Package state implements the StateMachine executor (spec §4.5): it drives
// a typed graph of pod-level states to completion, racing each state's next
// transition against a pod-deletion signal, patching cluster status after
// every transition, and guaranteeing a pod's async teardown runs exactly
// once regardless of which path the machine exits through.
//
// The concrete named graph (Registered, ImagePull, VolumeMount, Starting,
// Running, Completed, ImagePullBackoff, CrashLoopBackoff) is provider
// territory — see internal/testprovider — built on top of the State
// interface and Run loop defined here, the way wasi-provider/src/states/*
// builds its graph on kubelet::state::{State, Transition} in
// original_source/crates/kubelet/src/state/prelude.rs.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/nodelet/pkg/metrics"
)

// TransitionKind distinguishes the three outcomes a state's Next may report.
type TransitionKind int

const (
	// KindNext replaces the current state and continues the loop.
	KindNext TransitionKind = iota
	// KindError records a failed attempt; the executor either retries from
	// the graph's entry point or escalates to its CrashLoopBackoff state,
	// per RunConfig.MaxConsecutiveErrors.
	KindError
	// KindComplete ends the machine, successfully or not.
	KindComplete
)

// Transition is the value a State.Next implementation returns.
type Transition[S any] struct {
	Kind TransitionKind
	Next State[S] // meaningful for KindNext
	Err  error    // meaningful for KindError and KindComplete
}

// Next builds a KindNext transition.
func Next[S any](next State[S]) Transition[S] { return Transition[S]{Kind: KindNext, Next: next} }

// ErrorTransition builds a KindError transition.
func ErrorTransition[S any](err error) Transition[S] { return Transition[S]{Kind: KindError, Err: err} }

// Complete builds a KindComplete transition; err may be nil for success.
func Complete[S any](err error) Transition[S] { return Transition[S]{Kind: KindComplete, Err: err} }

// StatusPatch is the patch-shaped status a state contributes each time it is
// entered, mirrored after original_source/crates/kubelet/src/pod/status.rs's
// make_status/make_status_with_containers JSON shape.
type StatusPatch struct {
	Phase             corev1.PodPhase
	Reason            string
	Message           string
	ContainerStatuses []corev1.ContainerStatus
}

// MergePatchJSON renders the patch as a Kubernetes JSON merge-patch body
// against a Pod's metadata+status.
func (p StatusPatch) MergePatchJSON() ([]byte, error) {
	status := map[string]any{
		"phase": p.Phase,
	}
	if p.Reason != "" {
		status["reason"] = p.Reason
	}
	if p.Message != "" {
		status["message"] = p.Message
	}
	if len(p.ContainerStatuses) > 0 {
		status["containerStatuses"] = p.ContainerStatuses
	}
	doc := map[string]any{
		"metadata": map[string]any{"resourceVersion": ""},
		"status":   status,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("state: marshaling status patch: %w", err)
	}
	return data, nil
}

// State is one node in a pod's state graph. S is the provider's per-pod
// state type (spec §4.7's PodState).
type State[S any] interface {
	Name() string
	Next(ctx context.Context, ps *S, pod *corev1.Pod) Transition[S]
	StatusPatch(ps *S, pod *corev1.Pod) (StatusPatch, error)
}

// StatusPatcher is the minimal surface Run needs from the cluster API
// client.
type StatusPatcher interface {
	PatchPodStatus(ctx context.Context, ns, name string, mergePatch []byte) error
}

// Teardown is implemented by a PodState requiring guaranteed-once async
// cleanup when its state machine finishes (spec §4.5 AsyncDrop).
type Teardown interface {
	Teardown(ctx context.Context) error
}

// heartbeatInterval controls how often Run logs while a state's Next call
// is still outstanding (spec §5: "log-heartbeat every 10s if next suspends
// longer").
const heartbeatInterval = 10 * time.Second

// RunConfig parameterizes one pod's execution of its state graph.
type RunConfig[S any] struct {
	// Initial is the graph's entry point, and the retry target after a
	// KindError transition that hasn't hit MaxConsecutiveErrors.
	Initial State[S]
	// Terminated is the state jumped to when Deleted fires mid-run.
	Terminated State[S]
	// CrashLoopBackoff is the state jumped to once MaxConsecutiveErrors
	// consecutive KindError transitions occur without an intervening
	// KindNext. Leave nil to terminate with the last error instead.
	CrashLoopBackoff State[S]
	// MaxConsecutiveErrors is the open-question-resolved threshold (3, per
	// spec §9) before CrashLoopBackoff engages.
	MaxConsecutiveErrors int

	PodState *S
	Pod      *corev1.Pod

	// Deleted is closed by the event dispatcher once the pod's deletion
	// timestamp appears or a Deleted event arrives.
	Deleted <-chan struct{}

	Patcher StatusPatcher
}

// Run drives the state graph to completion. It always runs PodState's
// Teardown (if it implements Teardown) exactly once before returning,
// whichever path the machine exits through.
func Run[S any](ctx context.Context, cfg RunConfig[S]) error {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}

	var teardownOnce sync.Once
	runTeardown := func() {
		teardownOnce.Do(func() {
			if td, ok := any(cfg.PodState).(Teardown); ok {
				if err := td.Teardown(ctx); err != nil {
					slog.Warn("pod state teardown failed", slog.String("pod", podLabel(cfg.Pod)), slog.String("error", err.Error()))
				}
			}
		})
	}
	defer runTeardown()

	cur := cfg.Initial
	consecutiveErrors := 0

	for {
		if cur == nil {
			return nil
		}

		if sp, err := cur.StatusPatch(cfg.PodState, cfg.Pod); err != nil {
			slog.Warn("state status computation failed", slog.String("pod", podLabel(cfg.Pod)), slog.String("state", cur.Name()), slog.String("error", err.Error()))
		} else if cfg.Patcher != nil {
			data, merr := sp.MergePatchJSON()
			if merr != nil {
				slog.Warn("status patch marshal failed", slog.String("pod", podLabel(cfg.Pod)), slog.String("error", merr.Error()))
			} else if perr := cfg.Patcher.PatchPodStatus(ctx, cfg.Pod.Namespace, cfg.Pod.Name, data); perr != nil {
				slog.Warn("status patch failed", slog.String("pod", podLabel(cfg.Pod)), slog.String("error", perr.Error()))
			}
		}

		inTerminated := cfg.Terminated != nil && cur.Name() == cfg.Terminated.Name()

		if !inTerminated && deleted(cfg.Deleted) {
			cur = cfg.Terminated
			continue
		}

		var tr Transition[S]
		if inTerminated {
			// Already unwinding: run straight through without re-racing the
			// deletion signal, which would otherwise fire on every iteration
			// once closed and prevent Terminated's own Next from ever being
			// awaited.
			tr = cur.Next(ctx, cfg.PodState, cfg.Pod)
		} else {
			tr = raceNext(ctx, cur, cfg.PodState, cfg.Pod, cfg.Deleted)
		}

		switch tr.Kind {
		case KindNext:
			metrics.Get().RecordCounter(ctx, "nodelet.state.transitions", 1, "1", "state graph transitions", map[string]string{"state": cur.Name(), "kind": "Next"})
			consecutiveErrors = 0
			cur = tr.Next
		case KindError:
			consecutiveErrors++
			metrics.Get().RecordCounter(ctx, "nodelet.state.transitions", 1, "1", "state graph transitions", map[string]string{"state": cur.Name(), "kind": "Error"})
			slog.Error("pod state reported an error", slog.String("pod", podLabel(cfg.Pod)), slog.String("state", cur.Name()), slog.Int("attempt", consecutiveErrors), slog.String("error", errString(tr.Err)))
			if consecutiveErrors >= cfg.MaxConsecutiveErrors && cfg.CrashLoopBackoff != nil {
				metrics.Get().RecordCounter(ctx, "nodelet.state.crashloop_escalations", 1, "1", "times a pod escalated into its CrashLoopBackoff state", map[string]string{"pod": podLabel(cfg.Pod)})
				cur = cfg.CrashLoopBackoff
				consecutiveErrors = 0
			} else if consecutiveErrors >= cfg.MaxConsecutiveErrors {
				return tr.Err
			} else {
				cur = cfg.Initial
			}
		case KindComplete:
			metrics.Get().RecordCounter(ctx, "nodelet.state.transitions", 1, "1", "state graph transitions", map[string]string{"state": cur.Name(), "kind": "Complete"})
			if tr.Err != nil {
				slog.Error("pod state machine exited with error", slog.String("pod", podLabel(cfg.Pod)), slog.String("error", tr.Err.Error()))
			}
			return tr.Err
		}
	}
}

func deleted(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// raceNext runs cur.Next concurrently with the deletion signal, logging a
// heartbeat every 10s while still waiting. If the deletion signal fires
// first, it reports a synthetic KindNext to the graph's deletion handling in
// Run's next loop iteration (the in-flight Next call is abandoned — the
// context passed to it is not this function's to cancel, since Run may
// still want its side effects to finish naturally on its own goroutine).
func raceNext[S any](ctx context.Context, cur State[S], ps *S, pod *corev1.Pod, deletedCh <-chan struct{}) Transition[S] {
	resultCh := make(chan Transition[S], 1)
	go func() {
		resultCh <- cur.Next(ctx, ps, pod)
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case tr := <-resultCh:
			return tr
		case <-deletedCh:
			return Transition[S]{Kind: KindNext, Next: cur} // re-evaluated by Run's deletion check
		case <-ticker.C:
			slog.Info("pod state transition still in flight", slog.String("pod", podLabel(pod)), slog.String("state", cur.Name()))
		}
	}
}

func podLabel(pod *corev1.Pod) string {
	if pod == nil {
		return "<nil>"
	}
	return pod.Namespace + "/" + pod.Name
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
