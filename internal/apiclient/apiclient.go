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

// Package apiclient implements the cluster API client consumed by the rest
// of the agent (spec §6): node-scoped pod/secret/configmap/node watches,
// JSON-merge patch of pod status, node create/update/delete, lease renewal,
// and SubjectAccessReview-backed authorization for the log/exec server.
//
// Client construction is grounded on the teacher's
// operator/utils.CreateKubernetesClient (in-cluster config, falling back to
// kubeconfig); the watch plumbing follows its informer/event-handler style
// in operator/node_listener.go.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"

	authv1 "k8s.io/api/authorization/v1"
	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/clientcmd"

	"go.corp.nvidia.com/nodelet/internal/handle"
	"go.corp.nvidia.com/nodelet/internal/queue"
	"go.corp.nvidia.com/nodelet/internal/volume"
)

// Client wraps a client-go Clientset with the node-scoped operations the
// agent needs. It satisfies handle.StatusPatcher, state.StatusPatcher,
// volume.SecretGetter, and volume.ConfigMapGetter.
type Client struct {
	clientset kubernetes.Interface
	nodeName  string
}

// New builds a Client from a kubeconfig path, falling back to in-cluster
// config when path is empty.
func New(kubeconfigPath, nodeName string) (*Client, error) {
	cfg, err := loadConfig(kubeconfigPath)
	if err != nil {
		return nil, err
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("apiclient: creating clientset: %w", err)
	}
	return &Client{clientset: clientset, nodeName: nodeName}, nil
}

func loadConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfigPath != "" {
		loadingRules.ExplicitPath = kubeconfigPath
	}
	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("apiclient: loading kubeconfig: %w", err)
	}
	return cfg, nil
}

// Clientset exposes the underlying client-go Clientset for components (the
// NodeController, the informer factory) that need lower-level access.
func (c *Client) Clientset() kubernetes.Interface { return c.clientset }

// PatchPodStatus applies a JSON merge patch to a pod's status subresource.
// Satisfies handle.StatusPatcher's aggregate surface and internal/state's
// StatusPatcher.
func (c *Client) PatchPodStatus(ctx context.Context, ns, name string, mergePatch []byte) error {
	_, err := c.clientset.CoreV1().Pods(ns).Patch(ctx, name, types.MergePatchType, mergePatch, metav1.PatchOptions{}, "status")
	if err != nil {
		return fmt.Errorf("apiclient: patching status of %s/%s: %w", ns, name, err)
	}
	return nil
}

// PatchContainerStatus implements handle.StatusPatcher by folding a single
// container's status into a pod-level containerStatuses merge patch.
func (c *Client) PatchContainerStatus(ctx context.Context, ns, podName, container string, status handle.ContainerStatus) error {
	cs := corev1.ContainerStatus{
		Name: container,
	}
	switch status.Phase {
	case handle.Waiting:
		cs.State = corev1.ContainerState{Waiting: &corev1.ContainerStateWaiting{Message: status.Message}}
	case handle.Running:
		cs.State = corev1.ContainerState{Running: &corev1.ContainerStateRunning{StartTime: metav1.Now()}}
		cs.Ready = true
	case handle.Terminated:
		cs.State = corev1.ContainerState{Terminated: &corev1.ContainerStateTerminated{
			Message:  status.Message,
			Reason:   terminationReason(status.Failed),
			ExitCode: exitCode(status.Failed),
		}}
	}

	patch := map[string]any{
		"metadata": map[string]any{"resourceVersion": ""},
		"status": map[string]any{
			"containerStatuses": []corev1.ContainerStatus{cs},
		},
	}
	data, err := marshalPatch(patch)
	if err != nil {
		return err
	}
	return c.PatchPodStatus(ctx, ns, podName, data)
}

func terminationReason(failed bool) string {
	if failed {
		return "Error"
	}
	return "Completed"
}

func exitCode(failed bool) int32 {
	if failed {
		return 1
	}
	return 0
}

// GetSecret implements volume.SecretGetter.
func (c *Client) GetSecret(ctx context.Context, ns, name string) (*corev1.Secret, error) {
	s, err := c.clientset.CoreV1().Secrets(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("apiclient: getting secret %s/%s: %w", ns, name, err)
	}
	return s, nil
}

// GetConfigMap implements volume.ConfigMapGetter.
func (c *Client) GetConfigMap(ctx context.Context, ns, name string) (*corev1.ConfigMap, error) {
	cm, err := c.clientset.CoreV1().ConfigMaps(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("apiclient: getting configmap %s/%s: %w", ns, name, err)
	}
	return cm, nil
}

var _ volume.SecretGetter = (*Client)(nil)
var _ volume.ConfigMapGetter = (*Client)(nil)
var _ handle.StatusPatcher = (*Client)(nil)

// DeletePod force-deletes a pod (grace period 0), used once a pod's state
// machine has fully torn down (original_source's start_task deregister
// step).
func (c *Client) DeletePod(ctx context.Context, ns, name string) error {
	grace := int64(0)
	err := c.clientset.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("apiclient: deleting pod %s/%s: %w", ns, name, err)
	}
	return nil
}

// EnsureNode creates the Node object if absent, and otherwise leaves it
// untouched; callers patch labels/taints separately via PatchNode.
func (c *Client) EnsureNode(ctx context.Context, name string) error {
	_, err := c.clientset.CoreV1().Nodes().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("apiclient: checking for node %s: %w", name, err)
	}
	node := &corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if _, err := c.clientset.CoreV1().Nodes().Create(ctx, node, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("apiclient: creating node %s: %w", name, err)
	}
	return nil
}

// PatchNode applies a JSON merge patch to a node.
func (c *Client) PatchNode(ctx context.Context, name string, mergePatch []byte) error {
	_, err := c.clientset.CoreV1().Nodes().Patch(ctx, name, types.MergePatchType, mergePatch, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("apiclient: patching node %s: %w", name, err)
	}
	return nil
}

// PatchNodeStatus applies a merge patch to a node's status subresource.
func (c *Client) PatchNodeStatus(ctx context.Context, name string, mergePatch []byte) error {
	_, err := c.clientset.CoreV1().Nodes().Patch(ctx, name, types.MergePatchType, mergePatch, metav1.PatchOptions{}, "status")
	if err != nil {
		return fmt.Errorf("apiclient: patching node status %s: %w", name, err)
	}
	return nil
}

// RenewLease creates or updates the node's Lease object in leaseNamespace,
// advancing RenewTime.
func (c *Client) RenewLease(ctx context.Context, leaseNamespace, nodeName string, durationSeconds int32) error {
	leases := c.clientset.CoordinationV1().Leases(leaseNamespace)
	now := metav1.NowMicro()

	existing, err := leases.Get(ctx, nodeName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		lease := &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: nodeName, Namespace: leaseNamespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &nodeName,
				LeaseDurationSeconds: &durationSeconds,
				RenewTime:            &now,
			},
		}
		_, err := leases.Create(ctx, lease, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("apiclient: creating lease for %s: %w", nodeName, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("apiclient: getting lease for %s: %w", nodeName, err)
	}

	existing.Spec.RenewTime = &now
	existing.Spec.LeaseDurationSeconds = &durationSeconds
	if _, err := leases.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("apiclient: renewing lease for %s: %w", nodeName, err)
	}
	return nil
}

// CanAccess runs a SubjectAccessReview for the given user against a pod's
// log/exec subresource, for the log/exec server's authorization path (spec
// §4.9).
func (c *Client) CanAccess(ctx context.Context, user string, groups []string, ns, verb, subresource string) (bool, error) {
	sar := &authv1.SubjectAccessReview{
		Spec: authv1.SubjectAccessReviewSpec{
			User:   user,
			Groups: groups,
			ResourceAttributes: &authv1.ResourceAttributes{
				Namespace:   ns,
				Verb:        verb,
				Resource:    "pods",
				Subresource: subresource,
			},
		},
	}
	result, err := c.clientset.AuthorizationV1().SubjectAccessReviews().Create(ctx, sar, metav1.CreateOptions{})
	if err != nil {
		return false, fmt.Errorf("apiclient: SubjectAccessReview: %w", err)
	}
	return result.Status.Allowed, nil
}

// WatchPods starts a node-scoped informer for pods and translates its
// events into calls to handleApplied / handleDeleted. resyncPeriod of 0
// disables periodic full resyncs: client-go's reflector already relists
// under the hood and diffs against its local store, so AddFunc/DeleteFunc
// alone keep handleApplied/handleDeleted (and the Queue.Enqueue they feed)
// in sync. Queue.Resync's diffed-key-set reconciliation is unused by this
// client; it stays in internal/queue for a future non-informer watch
// source that can only deliver a periodic full list, not edge-triggered
// add/delete events.
func (c *Client) WatchPods(ctx context.Context, nodeName string, handleApplied, handleDeleted func(*corev1.Pod)) (cache.SharedIndexInformer, error) {
	factory := informers.NewSharedInformerFactoryWithOptions(c.clientset, 0,
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.FieldSelector = fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
		}),
	)
	informer := factory.Core().V1().Pods().Informer()

	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj any) {
			if pod, ok := obj.(*corev1.Pod); ok {
				handleApplied(pod)
			}
		},
		UpdateFunc: func(_, newObj any) {
			if pod, ok := newObj.(*corev1.Pod); ok {
				handleApplied(pod)
			}
		},
		DeleteFunc: func(obj any) {
			if pod, ok := obj.(*corev1.Pod); ok {
				handleDeleted(pod)
				return
			}
			if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
				if pod, ok := tombstone.Obj.(*corev1.Pod); ok {
					handleDeleted(pod)
				}
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("apiclient: adding pod event handler: %w", err)
	}

	factory.Start(ctx.Done())
	if !cache.WaitForCacheSync(ctx.Done(), informer.HasSynced) {
		return nil, fmt.Errorf("apiclient: pod informer cache never synced")
	}
	return informer, nil
}

// PodKeyOf adapts a *corev1.Pod to queue.PodKey, for wiring Client's watch
// into a queue.Queue[*corev1.Pod].
func PodKeyOf(pod *corev1.Pod) queue.PodKey {
	return queue.PodKey{Namespace: pod.Namespace, Name: pod.Name}
}

func marshalPatch(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("apiclient: marshaling patch: %w", err)
	}
	return data, nil
}
