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
	"os"
	"path/filepath"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/nodelet/internal/config"
	"go.corp.nvidia.com/nodelet/internal/handle"
	"go.corp.nvidia.com/nodelet/internal/modulestore"
	"go.corp.nvidia.com/nodelet/internal/state"
	"go.corp.nvidia.com/nodelet/internal/volume"
	"go.corp.nvidia.com/nodelet/provider"
)

const (
	imagePullBackoffBase = time.Second
	imagePullBackoffMax  = 30 * time.Second
	crashLoopBackoffBase = 5 * time.Second
	crashLoopBackoffMax  = 2 * time.Minute
)

// PodDeleter removes a pod's cluster object once its state machine has
// finished tearing down (spec E5: "pod object is removed from the API").
// Defined here, not imported from internal/apiclient, to keep testprovider
// free of a dependency on the concrete cluster client.
type PodDeleter interface {
	DeletePod(ctx context.Context, ns, name string) error
}

// Provider runs pods as native OS processes: a pod's containers are
// executables fetched from a ModuleStore and run directly, with no
// container runtime underneath. It implements provider.Provider[PodState]
// and provider.ExecSupport.
type Provider struct {
	arch    string
	cfg     config.AgentConfig
	modules modulestore.Store
	volumes *volume.Resolver
	patcher handle.StatusPatcher
	deleter PodDeleter

	mu     sync.Mutex
	active map[string]*PodState
}

// New builds a Provider. arch is reported to NodeController for the node's
// label/taint (spec §4.8).
func New(arch string, cfg config.AgentConfig, modules modulestore.Store, volumes *volume.Resolver, patcher handle.StatusPatcher, deleter PodDeleter) *Provider {
	return &Provider{
		arch:    arch,
		cfg:     cfg,
		modules: modules,
		volumes: volumes,
		patcher: patcher,
		deleter: deleter,
		active:  make(map[string]*PodState),
	}
}

func activeKey(ns, name string) string { return ns + "/" + name }

// Arch implements provider.Provider.
func (p *Provider) Arch() string { return p.arch }

// InitializePodState implements provider.Provider.
func (p *Provider) InitializePodState(ctx context.Context, pod *corev1.Pod) (*PodState, error) {
	workDir := filepath.Join(p.cfg.DataDir, "work", fmt.Sprintf("%s-%s", pod.Namespace, pod.Name))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("testprovider: creating work dir: %w", err)
	}
	ps := newPodState(pod.Namespace, pod.Name, workDir)

	p.mu.Lock()
	p.active[activeKey(pod.Namespace, pod.Name)] = ps
	p.mu.Unlock()

	return ps, nil
}

func (p *Provider) forget(ns, name string) {
	p.mu.Lock()
	delete(p.active, activeKey(ns, name))
	p.mu.Unlock()
}

// InitialState implements provider.Provider: the entry point is Registered.
func (p *Provider) InitialState() state.State[PodState] { return registeredState{p: p} }

// TerminatedState implements provider.Provider.
func (p *Provider) TerminatedState() state.State[PodState] { return terminatedState{p: p} }

// CrashLoopBackoffState implements provider.Provider.
func (p *Provider) CrashLoopBackoffState() state.State[PodState] { return crashLoopBackoffState{p: p} }

// Logs implements provider.Provider by reopening the container's on-disk
// log file, independent of whether the container is still running (spec
// §4.9's /containerLogs).
func (p *Provider) Logs(ctx context.Context, ns, pod, container string, sink io.Writer) error {
	p.mu.Lock()
	ps, ok := p.active[activeKey(ns, pod)]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("testprovider: no such pod %s/%s", ns, pod)
	}

	ps.mu.Lock()
	path, ok := ps.logPaths[container]
	ps.mu.Unlock()
	if !ok {
		return fmt.Errorf("testprovider: no such container %s in pod %s/%s", container, ns, pod)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("testprovider: opening log for %s: %w", container, err)
	}
	defer f.Close()

	_, err = io.Copy(sink, f)
	return err
}

// Exec implements provider.ExecSupport by running the given command with
// the pod's work directory as its cwd, piping the supplied stdio.
func (p *Provider) Exec(ctx context.Context, ns, podName, container string, command []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(command) == 0 {
		return fmt.Errorf("testprovider: exec requires a command")
	}
	p.mu.Lock()
	ps, ok := p.active[activeKey(ns, podName)]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("testprovider: no such pod %s/%s", ns, podName)
	}

	proc, err := startProcessIO(ctx, command[0], command[1:], os.Environ(), ps.workDir, stdin, stdout, stderr)
	if err != nil {
		return err
	}
	return proc.Wait()
}

var _ provider.Provider[PodState] = (*Provider)(nil)
var _ provider.ExecSupport = (*Provider)(nil)
