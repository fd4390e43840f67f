package state

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type testPodState struct {
	teardownCalls int32
}

func (ps *testPodState) Teardown(ctx context.Context) error {
	atomic.AddInt32(&ps.teardownCalls, 1)
	return nil
}

type fakeState struct {
	name string
	fn   func(ps *testPodState, pod *corev1.Pod) Transition[testPodState]
}

func (s *fakeState) Name() string { return s.name }
func (s *fakeState) Next(ctx context.Context, ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
	return s.fn(ps, pod)
}
func (s *fakeState) StatusPatch(ps *testPodState, pod *corev1.Pod) (StatusPatch, error) {
	return StatusPatch{Phase: corev1.PodPending, Reason: s.name}, nil
}

type fakePatcher struct {
	patches [][]byte
}

func (f *fakePatcher) PatchPodStatus(_ context.Context, _, _ string, patch []byte) error {
	f.patches = append(f.patches, patch)
	return nil
}

func testPod() *corev1.Pod {
	return &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "mypod"}}
}

func TestRunFollowsNextChainToCompletion(t *testing.T) {
	var done *fakeState
	running := &fakeState{name: "Running", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		return Next[testPodState](done)
	}}
	done = &fakeState{name: "Completed", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		return Complete[testPodState](nil)
	}}
	registered := &fakeState{name: "Registered", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		return Next[testPodState](running)
	}}

	ps := &testPodState{}
	patcher := &fakePatcher{}
	err := Run(context.Background(), RunConfig[testPodState]{
		Initial:  registered,
		PodState: ps,
		Pod:      testPod(),
		Patcher:  patcher,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ps.teardownCalls))
	assert.GreaterOrEqual(t, len(patcher.patches), 3)
}

func TestRunEscalatesToCrashLoopBackoffAfterThreshold(t *testing.T) {
	var registeredState *fakeState
	attempts := 0
	registeredState = &fakeState{name: "Registered", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		attempts++
		return ErrorTransition[testPodState](errors.New("boom"))
	}}
	crashLoop := &fakeState{name: "CrashLoopBackoff", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		return Complete[testPodState](nil)
	}}

	ps := &testPodState{}
	err := Run(context.Background(), RunConfig[testPodState]{
		Initial:              registeredState,
		CrashLoopBackoff:     crashLoop,
		MaxConsecutiveErrors: 3,
		PodState:             ps,
		Pod:                  testPod(),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunRetriesFromInitialBelowErrorThreshold(t *testing.T) {
	attempts := 0
	var registeredState *fakeState
	registeredState = &fakeState{name: "Registered", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		attempts++
		if attempts < 2 {
			return ErrorTransition[testPodState](errors.New("transient"))
		}
		return Complete[testPodState](nil)
	}}

	ps := &testPodState{}
	err := Run(context.Background(), RunConfig[testPodState]{
		Initial:              registeredState,
		MaxConsecutiveErrors: 3,
		PodState:             ps,
		Pod:                  testPod(),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRunJumpsToTerminatedOnDeletion(t *testing.T) {
	deletedCh := make(chan struct{})
	reached := make(chan struct{})

	terminated := &fakeState{name: "Terminated", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		close(reached)
		return Complete[testPodState](nil)
	}}

	blockUntilDeleted := &fakeState{name: "Running", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		<-deletedCh
		time.Sleep(5 * time.Millisecond) // give Run's race a moment to observe closure first
		return Next[testPodState](terminated)
	}}

	ps := &testPodState{}
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), RunConfig[testPodState]{
			Initial:    blockUntilDeleted,
			Terminated: terminated,
			PodState:   ps,
			Pod:        testPod(),
			Deleted:    deletedCh,
		})
	}()

	close(deletedCh)

	select {
	case <-reached:
	case <-time.After(time.Second):
		t.Fatal("Terminated state was never reached after deletion")
	}

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ps.teardownCalls))
}

func TestCompleteWithErrorReturnsItAndStillRunsTeardown(t *testing.T) {
	failing := &fakeState{name: "Failing", fn: func(ps *testPodState, pod *corev1.Pod) Transition[testPodState] {
		return Complete[testPodState](errors.New("fatal"))
	}}

	ps := &testPodState{}
	err := Run(context.Background(), RunConfig[testPodState]{
		Initial:  failing,
		PodState: ps,
		Pod:      testPod(),
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ps.teardownCalls))
}

func TestStatusPatchMergePatchJSONOmitsEmptyFields(t *testing.T) {
	p := StatusPatch{Phase: corev1.PodRunning}
	data, err := p.MergePatchJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"phase":"Running"`)
	assert.NotContains(t, string(data), "reason")
}
