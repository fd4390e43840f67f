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

// Package nodeerrs defines the error-kind taxonomy the core agent
// distinguishes (spec §7): config, transient API, schedulability, image
// pull, workload failure, type mismatch and fatal internal errors. Callers
// use errors.Is/errors.As against these sentinels instead of matching error
// strings.
package nodeerrs

import "errors"

// Sentinel error kinds. Wrap the underlying cause with fmt.Errorf("...: %w", Kind)
// so both errors.Is(err, Kind) and the original cause survive.
var (
	// ErrConfig marks a bad kubeconfig or data directory. Fatal; the
	// process should surface it to the operator and terminate.
	ErrConfig = errors.New("config error")

	// ErrTransientAPI marks a retryable cluster API failure. Retried with
	// backoff inside API helpers; never propagated above the EventQueue.
	ErrTransientAPI = errors.New("transient API error")

	// ErrSchedulability marks a pod that cannot run on this node (arch
	// mismatch, missing toleration). The pod is patched Failed and no
	// mailbox is created for it.
	ErrSchedulability = errors.New("pod not schedulable on this node")

	// ErrImagePull marks a failure fetching pod modules/images. Triggers a
	// transition to ImagePullBackoff.
	ErrImagePull = errors.New("image pull error")

	// ErrWorkloadFailure marks a runtime failure inside a running
	// container. After 3 consecutive occurrences the pod moves to
	// CrashLoopBackoff.
	ErrWorkloadFailure = errors.New("workload failure")

	// ErrTypeMismatch marks an ObjectStore downcast failure. Logged and
	// treated as a cache miss by the caller, never a panic.
	ErrTypeMismatch = errors.New("object store type mismatch")

	// ErrFatalInternal marks an unrecoverable internal error. Causes the
	// pod's state task to exit via Transition.Complete(err); the pod is
	// patched Failed and the executor is not restarted until the next
	// Applied event.
	ErrFatalInternal = errors.New("fatal internal error")
)

// ModuleStore fetch errors (spec §6: AuthRequired, NotFound, Transient).
var (
	ErrAuthRequired   = errors.New("module store: authentication required")
	ErrModuleNotFound = errors.New("module store: not found")
	ErrModuleTransient = errors.New("module store: transient error")
)
