package node

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"go.corp.nvidia.com/nodelet/internal/store"
)

type fakeClient struct {
	mu sync.Mutex

	ensureCalls int
	nodePatches [][]byte
	statusPatches [][]byte
	leaseCalls  int
	leaseErr    error
}

func (f *fakeClient) EnsureNode(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	return nil
}

func (f *fakeClient) PatchNode(ctx context.Context, name string, mergePatch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodePatches = append(f.nodePatches, mergePatch)
	return nil
}

func (f *fakeClient) PatchNodeStatus(ctx context.Context, name string, mergePatch []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusPatches = append(f.statusPatches, mergePatch)
	return nil
}

func (f *fakeClient) RenewLease(ctx context.Context, leaseNamespace, nodeName string, durationSeconds int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaseCalls++
	return f.leaseErr
}

func TestRegisterEnsuresAndTaintsNode(t *testing.T) {
	client := &fakeClient{}
	c := New(client, store.New(), "node-a", "amd64", "kube-node-lease")

	require.NoError(t, c.Register(context.Background()))

	assert.Equal(t, 1, client.ensureCalls)
	require.Len(t, client.nodePatches, 1)
	require.Len(t, client.statusPatches, 1)
	assert.Contains(t, string(client.nodePatches[0]), "krustlet/arch")
	assert.Contains(t, string(client.nodePatches[0]), "amd64")
}

func TestRenewLeaseResetsFailureCountOnSuccess(t *testing.T) {
	client := &fakeClient{}
	c := New(client, store.New(), "node-a", "amd64", "kube-node-lease")

	c.consecutiveFailures = 2
	c.renewLease(context.Background())
	assert.Equal(t, 0, c.consecutiveFailures)
	assert.Equal(t, 1, client.leaseCalls)
}

func TestRenewLeaseMarksNotReadyAfterThreeFailures(t *testing.T) {
	client := &fakeClient{leaseErr: errors.New("connection refused")}
	c := New(client, store.New(), "node-a", "amd64", "kube-node-lease")

	c.renewLease(context.Background())
	c.renewLease(context.Background())
	assert.Empty(t, client.statusPatches, "should not mark NotReady before three failures")

	c.renewLease(context.Background())
	require.Len(t, client.statusPatches, 1)
	assert.Contains(t, string(client.statusPatches[0]), "LeaseRenewalFailed")
}

func TestSyncStatusReportsTrackedPodCount(t *testing.T) {
	client := &fakeClient{}
	objStore := store.New()
	store.Insert(objStore, PodsTypeKey, store.ObjectKey{Namespace: "default", Name: "a"}, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "a"},
	})
	c := New(client, objStore, "node-a", "amd64", "kube-node-lease")

	require.NoError(t, c.syncStatus(context.Background()))
	require.Len(t, client.statusPatches, 1)
	assert.Contains(t, string(client.statusPatches[0]), "managing 1 pods")
}
