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
	"os"
	"path/filepath"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/nodelet/internal/handle"
	"go.corp.nvidia.com/nodelet/internal/state"
	"go.corp.nvidia.com/nodelet/pkg/metrics"
)

// registeredState is the graph's entry point (spec §4.5, §4.7), grounded on
// original_source/crates/wasi-provider/src/states/registered.rs.
type registeredState struct{ p *Provider }

func (registeredState) Name() string { return "Registered" }

func (s registeredState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	return state.Next[PodState](imagePullState{p: s.p})
}

func (registeredState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodPending, Reason: "Registered"}, nil
}

// imagePullState fetches the pod's modules via the ModuleStore, grounded on
// original_source/crates/wascc-provider/src/states/pod/image_pull.rs.
type imagePullState struct{ p *Provider }

func (imagePullState) Name() string { return "ImagePull" }

func (s imagePullState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	modules, err := s.p.modules.FetchPodModules(ctx, pod)
	if err != nil {
		return state.Next[PodState](imagePullBackoffState{p: s.p})
	}
	ps.mu.Lock()
	ps.modules = modules
	ps.mu.Unlock()
	ps.imagePullBackoff.Reset()
	return state.Next[PodState](volumeMountState{p: s.p})
}

func (imagePullState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodPending, Reason: "ImagePull"}, nil
}

// imagePullBackoffState waits out the image-pull backoff before retrying,
// grounded on original_source/crates/wascc-provider/src/states/image_pull_backoff.rs.
type imagePullBackoffState struct{ p *Provider }

func (imagePullBackoffState) Name() string { return "ImagePullBackoff" }

func (s imagePullBackoffState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	start := time.Now()
	err := ps.imagePullBackoff.Wait(ctx)
	metrics.Get().RecordHistogram(ctx, "nodelet.state.backoff_wait_seconds", time.Since(start).Seconds(), "s", "time spent waiting out a backoff before retrying", map[string]string{"state": "ImagePullBackoff"})
	if err != nil {
		return state.Complete[PodState](err)
	}
	return state.Next[PodState](imagePullState{p: s.p})
}

func (imagePullBackoffState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodPending, Reason: "ImagePullBackoff"}, nil
}

// volumeMountState materializes the pod's secret/configmap volumes.
type volumeMountState struct{ p *Provider }

func (volumeMountState) Name() string { return "VolumeMount" }

func (s volumeMountState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	refs, err := s.p.volumes.Materialize(ctx, pod.Namespace, pod.Name, pod.Spec.Volumes)
	if err != nil {
		return state.ErrorTransition[PodState](fmt.Errorf("mounting volumes: %w", err))
	}
	ps.mu.Lock()
	ps.volumeRefs = refs
	ps.mu.Unlock()
	return state.Next[PodState](startingState{p: s.p})
}

func (volumeMountState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodPending, Reason: "VolumeMount"}, nil
}

// startingState runs init containers to completion in order, then launches
// the pod's main containers and assembles the PodHandle.
type startingState struct{ p *Provider }

func (startingState) Name() string { return "Starting" }

func (s startingState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	for _, ic := range pod.Spec.InitContainers {
		if err := s.runInitContainer(ctx, ps, pod, ic); err != nil {
			// An init container failure is terminal, not retried: the pod
			// never reaches its main containers, matching the original's
			// faily-inits-pod case (no CrashLoopBackoff detour).
			return state.Complete[PodState](err)
		}
	}

	containers := make(map[string]*handle.ContainerHandle, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		ch, proc, err := s.launch(ctx, ps, pod, c)
		if err != nil {
			return state.ErrorTransition[PodState](fmt.Errorf("starting container %s: %w", c.Name, err))
		}
		ch.SetStatus(handle.Running, "", false)
		containers[c.Name] = ch
		go watchExit(ch, proc)
	}

	ps.mu.Lock()
	ps.containerHandles = containers
	ps.podHandle = handle.NewPodHandle(ctx, pod.Namespace, pod.Name, containers, s.p.patcher, ps.volumeRefs)
	ps.mu.Unlock()

	return state.Next[PodState](runningState{p: s.p})
}

func (s startingState) runInitContainer(ctx context.Context, ps *PodState, pod *corev1.Pod, ic corev1.Container) error {
	ch, proc, err := s.launch(ctx, ps, pod, ic)
	if err != nil {
		return fmt.Errorf("init container %s: %w", ic.Name, err)
	}
	ch.SetStatus(handle.Running, "", false)
	ps.mu.Lock()
	ps.initHandles[ic.Name] = ch
	ps.mu.Unlock()

	err = proc.Wait()
	if err != nil {
		ch.SetStatus(handle.Terminated, err.Error(), true)
		ch.CloseStatus()
		return fmt.Errorf("Init container %s failed: %w", ic.Name, err)
	}
	ch.SetStatus(handle.Terminated, "", false)
	ch.CloseStatus()
	return nil
}

func (s startingState) launch(ctx context.Context, ps *PodState, pod *corev1.Pod, c corev1.Container) (*handle.ContainerHandle, *processStopper, error) {
	ps.mu.Lock()
	data, ok := ps.modules[c.Name]
	ps.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("no module fetched for container %s", c.Name)
	}

	execDir := filepath.Join(s.p.cfg.ModulesDir(), "exec")
	if err := os.MkdirAll(execDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating exec dir: %w", err)
	}
	modPath := filepath.Join(execDir, fmt.Sprintf("%s-%s-%s", pod.Namespace, pod.Name, c.Name))
	if err := writeExecutable(modPath, data); err != nil {
		return nil, nil, err
	}

	logPath := filepath.Join(s.p.cfg.LogsDir(), fmt.Sprintf("%s-%s-%s.log", pod.Namespace, pod.Name, c.Name))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log dir: %w", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, nil, fmt.Errorf("creating log file: %w", err)
	}
	defer logFile.Close()

	env := buildEnv(c, ps)
	proc, err := startProcess(ctx, modPath, c.Args, env, ps.workDir, logFile)
	if err != nil {
		return nil, nil, err
	}

	ps.mu.Lock()
	ps.logPaths[c.Name] = logPath
	ps.mu.Unlock()

	ch := handle.NewContainerHandle(c.Name, proc, logReaderFactory(logPath))
	return ch, proc, nil
}

// watchExit waits for a running container's process to exit and reports the
// final status transition, unblocking PodHandle.aggregate's subscriber.
func watchExit(ch *handle.ContainerHandle, proc *processStopper) {
	err := proc.Wait()
	if err != nil {
		ch.SetStatus(handle.Terminated, err.Error(), true)
	} else {
		ch.SetStatus(handle.Terminated, "", false)
	}
	ch.CloseStatus()
}

// buildEnv projects a container's declared env plus a mount-path lookup for
// each volume it references, since there is no real mount namespace to
// place files at absolute container paths under.
func buildEnv(c corev1.Container, ps *PodState) []string {
	env := os.Environ()
	for _, e := range c.Env {
		env = append(env, e.Name+"="+e.Value)
	}
	ps.mu.Lock()
	refs := ps.volumeRefs
	ps.mu.Unlock()
	for _, vm := range c.VolumeMounts {
		for _, ref := range refs {
			if ref.Name == vm.Name {
				env = append(env, fmt.Sprintf("NODELET_MOUNT_%s=%s", strings.ToUpper(vm.Name), ref.Path))
			}
		}
	}
	return env
}

func (startingState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodPending, Reason: "Starting"}, nil
}

// runningState blocks until every main container has exited.
type runningState struct{ p *Provider }

func (runningState) Name() string { return "Running" }

func (s runningState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	ps.mu.Lock()
	ph := ps.podHandle
	ps.mu.Unlock()

	if err := ph.Wait(); err != nil {
		return state.ErrorTransition[PodState](fmt.Errorf("container exited with error: %w", err))
	}
	return state.Next[PodState](completedState{p: s.p})
}

func (runningState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodRunning, Reason: "Running"}, nil
}

// completedState is terminal: every container exited zero.
type completedState struct{ p *Provider }

func (completedState) Name() string { return "Completed" }

func (completedState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	return state.Complete[PodState](nil)
}

func (completedState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodSucceeded, Reason: "Completed"}, nil
}

// crashLoopBackoffState waits out the crash-loop backoff before retrying
// from Registered, grounded on
// original_source/crates/wasi-provider/src/states/crash_loop_backoff.rs.
type crashLoopBackoffState struct{ p *Provider }

func (crashLoopBackoffState) Name() string { return "CrashLoopBackoff" }

func (s crashLoopBackoffState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	start := time.Now()
	err := ps.crashLoopBackoff.Wait(ctx)
	metrics.Get().RecordHistogram(ctx, "nodelet.state.backoff_wait_seconds", time.Since(start).Seconds(), "s", "time spent waiting out a backoff before retrying", map[string]string{"state": "CrashLoopBackoff"})
	if err != nil {
		return state.Complete[PodState](err)
	}
	return state.Next[PodState](registeredState{p: s.p})
}

func (crashLoopBackoffState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodPending, Reason: "CrashLoopBackoff"}, nil
}

// terminatedState is the jump target when the pod's deletion signal fires
// (spec E5): stops containers, closes the pod handle (releasing volumes),
// and removes the pod's cluster object.
type terminatedState struct{ p *Provider }

func (terminatedState) Name() string { return "Terminated" }

func (s terminatedState) Next(ctx context.Context, ps *PodState, pod *corev1.Pod) state.Transition[PodState] {
	ps.mu.Lock()
	ph := ps.podHandle
	ps.mu.Unlock()

	if ph != nil {
		ph.Stop()
		ph.Close()
	}
	s.p.forget(pod.Namespace, pod.Name)
	if s.p.deleter != nil {
		if err := s.p.deleter.DeletePod(ctx, pod.Namespace, pod.Name); err != nil {
			return state.Complete[PodState](fmt.Errorf("removing deleted pod object: %w", err))
		}
	}
	return state.Complete[PodState](nil)
}

func (terminatedState) StatusPatch(ps *PodState, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{Phase: corev1.PodFailed, Reason: "Terminated", Message: "pod deleted"}, nil
}
