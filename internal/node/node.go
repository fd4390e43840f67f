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

// Package node implements NodeController (spec §4.8): registers this node
// with its architecture taint/label, renews its lease every 10s (marking
// the node NotReady after three consecutive failures), and periodically
// folds the pods this agent is running into the node's status conditions.
//
// Grounded on the teacher's operator/node_listener.go for the
// informer/reconcile shape (watch loop driving a periodic resync) and on
// utils/backoff.go's CalculateBackoff for RunWithReconnect's
// registration-retry delay — a fire-and-forget jittered backoff is the right
// tool here since, unlike internal/backoff.Policy, the registration loop
// never needs a resettable attempt counter shared across goroutines, just a
// one-shot "try again soon". Lease renewal itself runs on a fixed 10s ticker.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"go.corp.nvidia.com/nodelet/internal/store"
	"go.corp.nvidia.com/nodelet/pkg/metrics"
)

// calculateBackoff returns an exponential backoff duration with a max cap
// and random jitter: 1s, 2s, 4s, 8s, ... plus jitter in [0, 1min], with the
// sum capped at maxBackoff. Grounded on the teacher's utils.CalculateBackoff, inlined
// here since registration retry is this package's only caller.
func calculateBackoff(retryCount int, maxBackoff time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := time.Duration(1<<uint(retryCount-1)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Float64() * float64(time.Minute))
	result := d + jitter
	if result > maxBackoff {
		result = maxBackoff
	}
	return result
}

func marshalPatch(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("node: marshaling patch: %w", err)
	}
	return data, nil
}

const (
	leaseRenewInterval   = 10 * time.Second
	maxLeaseFailures     = 3
	statusSyncInterval   = 15 * time.Second
	leaseDurationSeconds = 40

	archLabelKey = "kubernetes.io/arch"
	archTaintKey = "krustlet/arch"
)

// PodsTypeKey is the store.TypeKey under which the agent's EventQueue
// watch loop keeps the pods running on this node, for Controller to
// aggregate into node status.
var PodsTypeKey = store.TypeKey{Version: "v1", Kind: "Pod"}

// APIClient is the subset of internal/apiclient.Client NodeController needs.
// Defined here, not imported from apiclient, to keep node agnostic of the
// concrete cluster client (and avoid an import cycle, since apiclient may
// eventually want NodeController's status shape).
type APIClient interface {
	EnsureNode(ctx context.Context, name string) error
	PatchNode(ctx context.Context, name string, mergePatch []byte) error
	PatchNodeStatus(ctx context.Context, name string, mergePatch []byte) error
	RenewLease(ctx context.Context, leaseNamespace, nodeName string, durationSeconds int32) error
}

// Controller owns node registration, lease renewal, and status aggregation.
type Controller struct {
	client         APIClient
	store          *store.Store
	nodeName       string
	arch           string
	leaseNamespace string

	consecutiveFailures int
}

// New builds a Controller. arch is the provider's reported architecture
// (spec §4.7 Provider.ARCH), used for the node's taint and label.
func New(client APIClient, objStore *store.Store, nodeName, arch, leaseNamespace string) *Controller {
	return &Controller{
		client:         client,
		store:          objStore,
		nodeName:       nodeName,
		arch:           arch,
		leaseNamespace: leaseNamespace,
	}
}

// Register ensures the Node object exists and carries the architecture
// taint and label, per spec §4.8 and the node taint/label contract.
func (c *Controller) Register(ctx context.Context) error {
	if err := c.client.EnsureNode(ctx, c.nodeName); err != nil {
		return fmt.Errorf("node: registering %s: %w", c.nodeName, err)
	}

	patch := map[string]any{
		"metadata": map[string]any{
			"labels": map[string]string{archLabelKey: c.arch},
		},
		"spec": map[string]any{
			"taints": []corev1.Taint{{
				Key:    archTaintKey,
				Value:  c.arch,
				Effect: corev1.TaintEffectNoExecute,
			}},
		},
	}
	data, err := marshalPatch(patch)
	if err != nil {
		return err
	}
	if err := c.client.PatchNode(ctx, c.nodeName, data); err != nil {
		return fmt.Errorf("node: tainting/labeling %s: %w", c.nodeName, err)
	}

	statusPatch := map[string]any{
		"status": map[string]any{
			"nodeInfo": corev1.NodeSystemInfo{Architecture: c.arch},
		},
	}
	data, err = marshalPatch(statusPatch)
	if err != nil {
		return err
	}
	if err := c.client.PatchNodeStatus(ctx, c.nodeName, data); err != nil {
		return fmt.Errorf("node: patching node info for %s: %w", c.nodeName, err)
	}
	return nil
}

// Run renews the lease every 10s and aggregates pod status periodically,
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	leaseTicker := time.NewTicker(leaseRenewInterval)
	defer leaseTicker.Stop()
	statusTicker := time.NewTicker(statusSyncInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-leaseTicker.C:
			c.renewLease(ctx)
		case <-statusTicker.C:
			if err := c.syncStatus(ctx); err != nil {
				slog.Warn("node status sync failed", slog.String("node", c.nodeName), slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Controller) renewLease(ctx context.Context) {
	err := c.client.RenewLease(ctx, c.leaseNamespace, c.nodeName, leaseDurationSeconds)
	if err != nil {
		c.consecutiveFailures++
		metrics.Get().RecordCounter(ctx, "nodelet.node.lease_renewal_failures", 1, "1", "lease renewal attempts that failed", map[string]string{"node": c.nodeName})
		slog.Warn("lease renewal failed", slog.String("node", c.nodeName), slog.Int("consecutive_failures", c.consecutiveFailures), slog.String("error", err.Error()))
		if c.consecutiveFailures >= maxLeaseFailures {
			metrics.Get().RecordCounter(ctx, "nodelet.node.marked_not_ready", 1, "1", "times the node was marked NotReady after repeated lease failures", map[string]string{"node": c.nodeName})
			if patchErr := c.markNotReady(ctx); patchErr != nil {
				slog.Warn("failed to mark node NotReady", slog.String("node", c.nodeName), slog.String("error", patchErr.Error()))
			}
		}
		return
	}
	c.consecutiveFailures = 0
}

func (c *Controller) markNotReady(ctx context.Context) error {
	cond := corev1.NodeCondition{
		Type:               corev1.NodeReady,
		Status:             corev1.ConditionFalse,
		Reason:             "LeaseRenewalFailed",
		Message:            fmt.Sprintf("%d consecutive lease renewals failed", c.consecutiveFailures),
		LastTransitionTime: metav1.Now(),
	}
	patch := map[string]any{
		"status": map[string]any{
			"conditions": []corev1.NodeCondition{cond},
		},
	}
	data, err := marshalPatch(patch)
	if err != nil {
		return err
	}
	return c.client.PatchNodeStatus(ctx, c.nodeName, data)
}

// syncStatus folds every pod currently tracked in the ObjectStore into a
// NodeReady=True condition report; the per-pod statuses themselves are
// patched directly by PodHandle's aggregator (internal/handle), so this
// loop only needs to confirm the node itself is alive and serving.
func (c *Controller) syncStatus(ctx context.Context) error {
	pods := store.List[*corev1.Pod](c.store, PodsTypeKey)
	cond := corev1.NodeCondition{
		Type:               corev1.NodeReady,
		Status:             corev1.ConditionTrue,
		Reason:             "NodeletReady",
		Message:            fmt.Sprintf("managing %d pods", len(pods)),
		LastTransitionTime: metav1.Now(),
	}
	patch := map[string]any{
		"status": map[string]any{
			"conditions": []corev1.NodeCondition{cond},
		},
	}
	data, err := marshalPatch(patch)
	if err != nil {
		return err
	}
	return c.client.PatchNodeStatus(ctx, c.nodeName, data)
}

// RunWithReconnect wraps Run with the teacher's jittered backoff
// (utils.CalculateBackoff) so a watch/lease client that starts returning
// errors before even one successful renewal (e.g. the API server is still
// coming up) doesn't busy-loop Register.
func (c *Controller) RunWithReconnect(ctx context.Context) error {
	retry := 0
	for {
		if err := c.Register(ctx); err != nil {
			retry++
			slog.Warn("node registration failed, retrying", slog.Int("attempt", retry), slog.String("error", err.Error()))
			select {
			case <-time.After(calculateBackoff(retry, 2*time.Minute)):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		break
	}
	return c.Run(ctx)
}
