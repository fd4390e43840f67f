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

// Package nodelet wires the agent's collaborators (spec §5 Bootstrap/Run)
// into a runnable process: it builds the cluster API client, starts the
// pod watch feeding EventQueue, spawns a StateMachine executor per pod
// through the configured Provider, runs NodeController's lease/status
// loop, and serves /containerLogs and /exec.
//
// Grounded on the teacher's service/*/main.go bootstrap shape (flags,
// logging, metrics all initialized before the watch loop starts) and on
// operator/main.go's informer-then-block-on-signal lifecycle.
package nodelet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	corev1 "k8s.io/api/core/v1"

	"go.corp.nvidia.com/nodelet/internal/apiclient"
	"go.corp.nvidia.com/nodelet/internal/audit"
	"go.corp.nvidia.com/nodelet/internal/config"
	"go.corp.nvidia.com/nodelet/internal/node"
	"go.corp.nvidia.com/nodelet/internal/nodeerrs"
	"go.corp.nvidia.com/nodelet/internal/queue"
	"go.corp.nvidia.com/nodelet/internal/server"
	"go.corp.nvidia.com/nodelet/internal/state"
	"go.corp.nvidia.com/nodelet/internal/store"
	"go.corp.nvidia.com/nodelet/provider"
)

// Agent owns one Provider's full runtime: the cluster watch, the per-pod
// EventQueue/StateMachine pipeline, node registration/lease, and the
// Log/Exec server. S is the provider's PodState type.
type Agent[S any] struct {
	cfg      config.AgentConfig
	client   *apiclient.Client
	provider provider.Provider[S]
	store    *store.Store
	queue    *queue.Queue[*corev1.Pod]
	node     *node.Controller
	server   *server.Server
	audit    audit.Sink
}

// Options configures an Agent beyond what AgentConfig and the Provider
// already supply.
type Options struct {
	// ServerAddr is the Log/Exec server's listen address, e.g. ":10250".
	ServerAddr string
	// AuditSink records every pod state transition if non-nil (spec §11's
	// audit extension). Construct one with audit.NewPostgresSink and call
	// audit.EnsureSchema first.
	AuditSink audit.Sink
}

// New builds an Agent. client must already be constructed (apiclient.New)
// since its kubeconfig/in-cluster resolution is a Bootstrap-time concern
// the caller may want to fail fast on, before touching the provider.
func New[S any](cfg config.AgentConfig, client *apiclient.Client, p provider.Provider[S], opts Options) *Agent[S] {
	objStore := store.New()
	a := &Agent[S]{
		cfg:      cfg,
		client:   client,
		provider: p,
		store:    objStore,
		node:     node.New(client, objStore, cfg.NodeName, p.Arch(), cfg.LeaseNamespace),
		audit:    opts.AuditSink,
	}
	a.queue = queue.New[*corev1.Pod](apiclient.PodKeyOf, a.runPod)

	srvCfg := server.Config{Addr: opts.ServerAddr, Logs: providerLogSource[S]{p}, Authorizer: client}
	if execProvider, ok := p.(provider.ExecSupport); ok {
		srvCfg.Exec = execProvider
	}
	a.server = server.New(srvCfg)

	return a
}

// providerLogSource adapts provider.Provider[S].Logs to server.LogSource.
type providerLogSource[S any] struct{ p provider.Provider[S] }

func (l providerLogSource[S]) Logs(ctx context.Context, ns, pod, container string, sink io.Writer) error {
	return l.p.Logs(ctx, ns, pod, container, sink)
}

// Bootstrap performs the one-time registration step (spec §4.8: ensure the
// Node object exists, carries the arch taint/label) before Run starts the
// steady-state loops.
func (a *Agent[S]) Bootstrap(ctx context.Context) error {
	if err := a.node.Register(ctx); err != nil {
		return fmt.Errorf("nodelet: bootstrap: %w", err)
	}
	return nil
}

// Run blocks, driving the pod watch, NodeController's lease/status loop,
// and the Log/Exec server until ctx is cancelled. The first of the three
// to fail stops the others.
func (a *Agent[S]) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handleApplied := func(pod *corev1.Pod) {
		if reason, schedulable := a.checkSchedulable(pod); !schedulable {
			a.failUnschedulable(ctx, pod, reason)
			return
		}
		store.Insert(a.store, node.PodsTypeKey, store.ObjectKey{Namespace: pod.Namespace, Name: pod.Name}, pod)
		if err := a.queue.Enqueue(ctx, queue.WatchEvent[*corev1.Pod]{Kind: queue.Applied, Pod: pod}); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("enqueue failed", slog.String("pod", pod.Namespace+"/"+pod.Name), slog.String("error", err.Error()))
		}
	}
	handleDeleted := func(pod *corev1.Pod) {
		a.store.Delete(node.PodsTypeKey, store.ObjectKey{Namespace: pod.Namespace, Name: pod.Name})
		key := apiclient.PodKeyOf(pod)
		if err := a.queue.Enqueue(ctx, queue.WatchEvent[*corev1.Pod]{Kind: queue.Deleted, Key: key}); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("enqueue delete failed", slog.String("pod", key.String()), slog.String("error", err.Error()))
		}
	}

	if _, err := a.client.WatchPods(ctx, a.cfg.NodeName, handleApplied, handleDeleted); err != nil {
		return fmt.Errorf("nodelet: starting pod watch: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- a.node.Run(ctx) }()
	go func() { errCh <- a.server.Serve(ctx) }()

	select {
	case <-ctx.Done():
		a.queue.Wait()
		return ctx.Err()
	case err := <-errCh:
		cancel()
		a.queue.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}

// checkSchedulable is the Provider-independent arch pre-check (spec §7:
// "Patch pod phase Failed with reason; do not create a mailbox" for a pod
// this node cannot run). A pod with no architecture annotation is assumed
// schedulable everywhere.
func (a *Agent[S]) checkSchedulable(pod *corev1.Pod) (reason string, ok bool) {
	wantArch, ok := pod.Annotations["kubernetes.io/arch"]
	if !ok || wantArch == "" || wantArch == a.provider.Arch() {
		return "", true
	}
	return fmt.Sprintf("pod requires arch %q, node is %q", wantArch, a.provider.Arch()), false
}

func (a *Agent[S]) failUnschedulable(ctx context.Context, pod *corev1.Pod, reason string) {
	slog.Warn("pod not schedulable on this node", slog.String("pod", pod.Namespace+"/"+pod.Name), slog.String("reason", reason))
	patch := []byte(fmt.Sprintf(`{"status":{"phase":"Failed","reason":"NotSchedulable","message":%q}}`, reason))
	if err := a.client.PatchPodStatus(ctx, pod.Namespace, pod.Name, patch); err != nil {
		slog.Warn("failed to patch unschedulable pod", slog.String("pod", pod.Namespace+"/"+pod.Name), slog.String("error", fmt.Errorf("%w: %v", nodeerrs.ErrSchedulability, err).Error()))
	}
}

// runPod is the queue.Executor driving one pod's StateMachine run, wired
// as the audit-wrapped graph entry point when an audit sink is configured.
func (a *Agent[S]) runPod(ctx context.Context, key queue.PodKey, events <-chan queue.WatchEvent[*corev1.Pod]) error {
	first, ok := <-events
	if !ok {
		return nil
	}
	pod := first.Pod

	ps, err := a.provider.InitializePodState(ctx, pod)
	if err != nil {
		return fmt.Errorf("nodelet: initializing pod state for %s: %w", key, err)
	}

	deleted := make(chan struct{})
	go func() {
		defer close(deleted)
		for ev := range events {
			if ev.Kind == queue.Deleted {
				return
			}
		}
	}()

	initial := audit.Wrap[S](a.provider.InitialState(), a.audit)

	return state.Run[S](ctx, state.RunConfig[S]{
		Initial:              initial,
		Terminated:           audit.Wrap[S](a.provider.TerminatedState(), a.audit),
		CrashLoopBackoff:     audit.Wrap[S](a.provider.CrashLoopBackoffState(), a.audit),
		MaxConsecutiveErrors: 3,
		PodState:             ps,
		Pod:                  pod,
		Deleted:              deleted,
		Patcher:              a.client,
	})
}
