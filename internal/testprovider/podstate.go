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

package testprovider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"go.corp.nvidia.com/nodelet/internal/backoff"
	"go.corp.nvidia.com/nodelet/internal/handle"
	"go.corp.nvidia.com/nodelet/internal/modulestore"
)

// PodState is testprovider's per-pod state (spec §4.7's PodState): resolved
// modules, the two backoff policies, and the runtime handles built up as the
// pod progresses through the graph.
type PodState struct {
	Namespace string
	Name      string

	mu sync.Mutex

	modules    modulestore.Modules
	workDir    string
	volumeRefs []*handle.VolumeRef

	imagePullBackoff *backoff.Policy
	crashLoopBackoff *backoff.Policy

	containerHandles map[string]*handle.ContainerHandle // main containers, fed to PodHandle
	initHandles      map[string]*handle.ContainerHandle // init containers, status-only
	logPaths         map[string]string

	podHandle *handle.PodHandle
}

func newPodState(ns, name, workDir string) *PodState {
	return &PodState{
		Namespace:        ns,
		Name:             name,
		workDir:          workDir,
		imagePullBackoff: backoff.New(imagePullBackoffBase, imagePullBackoffMax),
		crashLoopBackoff: backoff.New(crashLoopBackoffBase, crashLoopBackoffMax),
		containerHandles: make(map[string]*handle.ContainerHandle),
		initHandles:      make(map[string]*handle.ContainerHandle),
		logPaths:         make(map[string]string),
	}
}

// Teardown releases every runtime resource the pod acquired: stops any
// still-running containers, closes the pod handle (which releases volume
// refs), guaranteed to run exactly once by internal/state.Run's defer
// (spec §4.5 AsyncDrop).
func (ps *PodState) Teardown(ctx context.Context) error {
	ps.mu.Lock()
	ph := ps.podHandle
	ps.mu.Unlock()

	if ph == nil {
		return nil
	}
	ph.Stop()
	ph.Close()
	slog.Info("pod state torn down", slog.String("pod", fmt.Sprintf("%s/%s", ps.Namespace, ps.Name)))
	return nil
}

// logReaderFactory returns a handle.LogReaderFactory that reopens the
// on-disk log file for a container from byte zero on every call.
func logReaderFactory(path string) handle.LogReaderFactory {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("testprovider: opening log %s: %w", path, err)
		}
		return f, nil
	}
}
