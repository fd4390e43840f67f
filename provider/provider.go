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

// Package provider defines the seam between the core node agent and a
// concrete workload runtime (spec §4.7). A Provider builds its own pod- and
// container-level state graphs on top of internal/state's generic executor;
// the core only needs enough of a provider to register a node, spawn a
// pod's state machine, and serve logs.
package provider

import (
	"context"
	"io"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/nodelet/internal/state"
)

// Provider is generic over S, the provider's own per-pod state type (spec's
// PodState). The core never constructs an S itself — InitializePodState does
// that — and never inspects its fields; it only drives the state.State[S]
// graph the provider hands back via InitialState/TerminatedState.
type Provider[S any] interface {
	// Arch is the architecture string used for node labeling and the
	// scheduling-toleration taint (spec §4.8).
	Arch() string

	// InitializePodState builds the per-pod state for a newly Applied pod.
	InitializePodState(ctx context.Context, pod *corev1.Pod) (*S, error)

	// InitialState returns the pod-level graph's entry point.
	InitialState() state.State[S]

	// TerminatedState returns the state the executor jumps to when the
	// pod's deletion signal fires.
	TerminatedState() state.State[S]

	// CrashLoopBackoffState returns the state the executor escalates to
	// once a pod's state task has errored MaxConsecutiveErrors times in a
	// row (spec §4.5's Error-state counting, folded into the executor
	// itself rather than modeled as a graph node — see internal/state).
	CrashLoopBackoffState() state.State[S]

	// Logs writes container logs into sink. Used by the Log/Exec server
	// (spec §4.9) to serve /containerLogs.
	Logs(ctx context.Context, ns, pod, container string, sink io.Writer) error
}

// ExecSupport is optionally implemented by a Provider that can stream
// interactive stdio to a running container (spec §4.9's /exec endpoint,
// 501 if unimplemented).
type ExecSupport interface {
	Exec(ctx context.Context, ns, pod, container string, command []string, stdin io.Reader, stdout, stderr io.Writer) error
}
