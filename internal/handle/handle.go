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

// Package handle implements the per-container and per-pod runtime handles
// (spec §4.4): a Stopper + log-reader factory + status stream per
// container, and an aggregator that multiplexes every container's status
// into one stream and patches pod status through the API client.
package handle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.corp.nvidia.com/nodelet/internal/manifest"
)

// Phase is the container status variant (spec §3). Transitions may only go
// Waiting -> Running -> Terminated; a restart issues a fresh sequence under
// the same container identity rather than regressing an existing one
// (original_source/crates/kubelet/src/container/handle.rs).
type Phase int

const (
	Waiting Phase = iota
	Running
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Waiting:
		return "Waiting"
	case Running:
		return "Running"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// ContainerStatus is one observation in a container's status stream.
type ContainerStatus struct {
	Phase     Phase
	Timestamp time.Time
	Message   string
	Failed    bool // meaningful only when Phase == Terminated
	Restart   int  // which Waiting->Running->Terminated sequence this belongs to
}

func rank(p Phase) int { return int(p) }

// Stopper is the capability a provider-supplied workload exposes: request
// termination, and block until it has actually exited.
type Stopper interface {
	Stop() error
	Wait() error
}

// LogReaderFactory produces a fresh, independent reader positioned at byte
// zero of a container's log backing store. Readers obtained from the
// factory are independent of the Stopper and may outlive a Stop call.
type LogReaderFactory func() (io.ReadCloser, error)

// ContainerHandle is the owning handle for one live container. The owning
// PodHandle exclusively holds it; readers obtained via Output/logs are
// independent.
type ContainerHandle struct {
	Name string

	stopper Stopper
	logs    LogReaderFactory

	mu      sync.Mutex
	writer  *manifest.Writer[ContainerStatus]
	reader  *manifest.Reader[ContainerStatus]
	restart int
	last    Phase
}

// NewContainerHandle wraps a provider-supplied Stopper and log reader
// factory. The status stream starts at Waiting.
func NewContainerHandle(name string, stopper Stopper, logs LogReaderFactory) *ContainerHandle {
	w, r := manifest.New(ContainerStatus{Phase: Waiting, Timestamp: time.Now()})
	return &ContainerHandle{Name: name, stopper: stopper, logs: logs, writer: w, reader: r, last: Waiting}
}

// SetStatus publishes a new ContainerStatus, enforcing the
// Waiting->Running->Terminated ordering within one restart sequence. A
// transition to Waiting when the last observed phase in this sequence was
// Running or Terminated begins a new restart sequence instead of
// regressing the current one.
func (h *ContainerHandle) SetStatus(phase Phase, message string, failed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if phase == Waiting && h.last != Waiting {
		h.restart++
		h.last = Waiting
	} else if rank(phase) < rank(h.last) {
		// Regression within the same sequence: refuse, per spec invariant 8.
		return
	} else {
		h.last = phase
	}

	h.writer.Send(ContainerStatus{
		Phase:     phase,
		Timestamp: time.Now(),
		Message:   message,
		Failed:    failed,
		Restart:   h.restart,
	})
}

// Status returns an independent subscription; every call sees an identical
// sequence of observations.
func (h *ContainerHandle) Status() *manifest.Reader[ContainerStatus] {
	return h.reader.Subscribe()
}

// CloseStatus closes the status stream, unblocking every subscriber's
// pending Next with ok=false after the final observed value. Called once
// the container is permanently done (no further restarts expected).
func (h *ContainerHandle) CloseStatus() {
	h.writer.Close()
}

// Stop asks the underlying Stopper to signal termination. Does not wait.
func (h *ContainerHandle) Stop() error {
	if h.stopper == nil {
		return nil
	}
	return h.stopper.Stop()
}

// Wait blocks until the workload exits.
func (h *ContainerHandle) Wait() error {
	if h.stopper == nil {
		return nil
	}
	return h.stopper.Wait()
}

// Output opens a fresh log reader at byte zero and streams it to sink until
// EOF or ctx is cancelled. Callers that need to bound log-streaming
// bandwidth do so at the listener (see internal/server, which wraps its
// net.Listener with bwlimit.NewListener) rather than per container here.
func (h *ContainerHandle) Output(ctx context.Context, sink io.Writer) error {
	if h.logs == nil {
		return fmt.Errorf("container %s: no log reader factory configured", h.Name)
	}
	r, err := h.logs()
	if err != nil {
		return fmt.Errorf("container %s: opening log reader: %w", h.Name, err)
	}
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(sink, r)
		done <- copyErr
	}()

	select {
	case err := <-done:
		if err == io.EOF {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// VolumeRef is a scoped acquisition of a volume mount, released exactly
// once when the owning PodHandle is dropped.
type VolumeRef struct {
	Name    string
	Path    string
	release func() error
	once    sync.Once
}

// NewVolumeRef wraps a release callback so Release is idempotent.
func NewVolumeRef(name, path string, release func() error) *VolumeRef {
	return &VolumeRef{Name: name, Path: path, release: release}
}

// Release runs the volume's teardown exactly once.
func (v *VolumeRef) Release() error {
	var err error
	v.once.Do(func() {
		if v.release != nil {
			err = v.release()
		}
	})
	return err
}

// StatusPatcher is the minimal surface PodHandle needs from the cluster API
// client: patch a pod's aggregated status. Defined here (not imported from
// internal/apiclient) to avoid a handle<->apiclient import cycle; apiclient
// satisfies this interface.
type StatusPatcher interface {
	PatchContainerStatus(ctx context.Context, ns, pod, container string, status ContainerStatus) error
}

// PodHandle owns a pod's container handles and an aggregator task that
// multiplexes their status streams, tagged by container name, into status
// patches against the API client. Dropping the PodHandle (Close) cancels
// the aggregator and releases every volume ref exactly once.
type PodHandle struct {
	Namespace string
	Name      string

	containers map[string]*ContainerHandle
	mu         sync.RWMutex // guards dynamic add/remove during restarts

	volumes []*VolumeRef

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPodHandle spawns the aggregator and returns the PodHandle. containers
// is copied so callers retain their own handle references.
func NewPodHandle(ctx context.Context, ns, pod string, containers map[string]*ContainerHandle, patcher StatusPatcher, volumes []*VolumeRef) *PodHandle {
	cctx, cancel := context.WithCancel(ctx)
	cp := make(map[string]*ContainerHandle, len(containers))
	for k, v := range containers {
		cp[k] = v
	}
	ph := &PodHandle{
		Namespace:  ns,
		Name:       pod,
		containers: cp,
		volumes:    volumes,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go ph.aggregate(cctx, patcher)
	return ph
}

func (ph *PodHandle) aggregate(ctx context.Context, patcher StatusPatcher) {
	defer close(ph.done)

	ph.mu.RLock()
	names := make([]string, 0, len(ph.containers))
	for name := range ph.containers {
		names = append(names, name)
	}
	ph.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		ch := ph.Container(name)
		if ch == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := ch.Status()
			for {
				st, ok := r.Next()
				if !ok {
					// CloseStatus was called: the container is done for good.
					return
				}
				if err := patcher.PatchContainerStatus(ctx, ph.Namespace, ph.Name, name, st); err != nil {
					slog.Warn("failed to patch container status", slog.String("pod", ph.Namespace+"/"+ph.Name), slog.String("container", name), slog.String("error", err.Error()))
				}
			}
		}()
	}
	wg.Wait()
}

// Container returns the named container handle, or nil if unknown. Safe to
// call concurrently with AddContainer/RemoveContainer during a restart.
func (ph *PodHandle) Container(name string) *ContainerHandle {
	ph.mu.RLock()
	defer ph.mu.RUnlock()
	return ph.containers[name]
}

// AddContainer registers a new container handle, e.g. after a restart spins
// up a fresh process under the same container name.
func (ph *PodHandle) AddContainer(name string, ch *ContainerHandle) {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	ph.containers[name] = ch
}

// Stop calls Stop on every container handle in parallel. Errors are logged,
// not short-circuited — a hung container must not block termination of the
// rest of the pod.
func (ph *PodHandle) Stop() {
	ph.mu.RLock()
	handles := make([]*ContainerHandle, 0, len(ph.containers))
	for _, ch := range ph.containers {
		handles = append(handles, ch)
	}
	ph.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range handles {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Stop(); err != nil {
				slog.Warn("container stop failed", slog.String("container", ch.Name), slog.String("error", err.Error()))
			}
		}()
	}
	wg.Wait()
}

// Wait awaits every container handle in (map) iteration order, then awaits
// the aggregator task, per spec §4.4.
func (ph *PodHandle) Wait() error {
	ph.mu.RLock()
	handles := make([]*ContainerHandle, 0, len(ph.containers))
	for _, ch := range ph.containers {
		handles = append(handles, ch)
	}
	ph.mu.RUnlock()

	var firstErr error
	for _, ch := range handles {
		if err := ch.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	<-ph.done
	return firstErr
}

// Close closes every container's status stream (unblocking the aggregator),
// cancels any in-flight patch calls, waits for the aggregator to drain, then
// releases every volume ref. Safe to call more than once.
func (ph *PodHandle) Close() {
	ph.mu.RLock()
	handles := make([]*ContainerHandle, 0, len(ph.containers))
	for _, ch := range ph.containers {
		handles = append(handles, ch)
	}
	ph.mu.RUnlock()

	for _, ch := range handles {
		ch.CloseStatus()
	}
	ph.cancel()
	<-ph.done
	for _, v := range ph.volumes {
		if err := v.Release(); err != nil {
			slog.Warn("volume release failed", slog.String("volume", v.Name), slog.String("error", err.Error()))
		}
	}
}
