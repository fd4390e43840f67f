package handle

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStopper struct {
	stopped int32
	waitErr error
	waitCh  chan struct{}
}

func newFakeStopper() *fakeStopper {
	return &fakeStopper{waitCh: make(chan struct{})}
}

func (f *fakeStopper) Stop() error {
	atomic.StoreInt32(&f.stopped, 1)
	close(f.waitCh)
	return nil
}

func (f *fakeStopper) Wait() error {
	<-f.waitCh
	return f.waitErr
}

func TestContainerHandleStartsWaiting(t *testing.T) {
	ch := NewContainerHandle("main", newFakeStopper(), nil)
	st := ch.Status().Latest()
	assert.Equal(t, Waiting, st.Phase)
}

func TestSetStatusAdvancesThroughPhases(t *testing.T) {
	ch := NewContainerHandle("main", newFakeStopper(), nil)
	r := ch.Status()
	r.Latest() // catch up to Waiting

	ch.SetStatus(Running, "", false)
	st, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, Running, st.Phase)

	ch.SetStatus(Terminated, "exited 0", false)
	st, ok = r.Next()
	require.True(t, ok)
	assert.Equal(t, Terminated, st.Phase)
	assert.Equal(t, 0, st.Restart)
}

func TestSetStatusToWaitingAfterRunningStartsNewRestartSequence(t *testing.T) {
	ch := NewContainerHandle("main", newFakeStopper(), nil)
	r := ch.Status()
	r.Latest()

	ch.SetStatus(Running, "", false)
	_, ok := r.Next()
	require.True(t, ok)

	ch.SetStatus(Waiting, "bogus regression", false)
	// A bare regression to Waiting is treated as a new restart sequence, not
	// a refusal — assert it bumped Restart instead of being silently dropped.
	st, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, Waiting, st.Phase)
	assert.Equal(t, 1, st.Restart)
}

func TestSetStatusRestartBeginsNewSequence(t *testing.T) {
	ch := NewContainerHandle("main", newFakeStopper(), nil)
	r := ch.Status()
	r.Latest()

	ch.SetStatus(Running, "", false)
	_, ok := r.Next()
	require.True(t, ok)

	ch.SetStatus(Terminated, "crashed", true)
	st, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, 0, st.Restart)

	// Restart: a fresh Waiting->Running sequence under the same name.
	ch.SetStatus(Waiting, "restarting", false)
	st, ok = r.Next()
	require.True(t, ok)
	assert.Equal(t, 1, st.Restart)

	ch.SetStatus(Running, "", false)
	st, ok = r.Next()
	require.True(t, ok)
	assert.Equal(t, Running, st.Phase)
	assert.Equal(t, 1, st.Restart)
}

func TestStopInvokesStopper(t *testing.T) {
	stopper := newFakeStopper()
	ch := NewContainerHandle("main", stopper, nil)
	require.NoError(t, ch.Stop())
	assert.Equal(t, int32(1), atomic.LoadInt32(&stopper.stopped))
	require.NoError(t, ch.Wait())
}

func TestOutputStreamsFromFreshReader(t *testing.T) {
	factory := func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("hello world")), nil
	}
	ch := NewContainerHandle("main", newFakeStopper(), factory)

	var buf strings.Builder
	err := ch.Output(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", buf.String())
}

func TestOutputPropagatesFactoryError(t *testing.T) {
	factory := func() (io.ReadCloser, error) {
		return nil, errors.New("boom")
	}
	ch := NewContainerHandle("main", newFakeStopper(), factory)
	err := ch.Output(context.Background(), io.Discard)
	assert.Error(t, err)
}

func TestVolumeRefReleaseIsIdempotent(t *testing.T) {
	var calls int32
	v := NewVolumeRef("data", "/var/lib/nodelet/volumes/ns-pod/data", func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, v.Release())
	require.NoError(t, v.Release())
	assert.Equal(t, int32(1), calls)
}

type fakePatcher struct {
	mu      sync.Mutex
	patches []ContainerStatus
}

func (f *fakePatcher) PatchContainerStatus(_ context.Context, _, _, _ string, status ContainerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, status)
	return nil
}

func (f *fakePatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func TestPodHandleAggregatesContainerStatusIntoPatches(t *testing.T) {
	stopper := newFakeStopper()
	c1 := NewContainerHandle("main", stopper, nil)
	patcher := &fakePatcher{}

	ph := NewPodHandle(context.Background(), "default", "mypod", map[string]*ContainerHandle{"main": c1}, patcher, nil)

	c1.SetStatus(Running, "", false)
	c1.SetStatus(Terminated, "done", false)

	require.Eventually(t, func() bool {
		return patcher.count() >= 2
	}, time.Second, 5*time.Millisecond)

	ph.Close()
}

func TestPodHandleCloseReleasesVolumesOnce(t *testing.T) {
	stopper := newFakeStopper()
	c1 := NewContainerHandle("main", stopper, nil)
	patcher := &fakePatcher{}

	var released int32
	vol := NewVolumeRef("data", "/tmp/data", func() error {
		atomic.AddInt32(&released, 1)
		return nil
	})

	ph := NewPodHandle(context.Background(), "default", "mypod", map[string]*ContainerHandle{"main": c1}, patcher, []*VolumeRef{vol})
	ph.Close()
	ph.Close()

	assert.Equal(t, int32(1), released)
}

func TestPodHandleStopStopsEveryContainer(t *testing.T) {
	s1 := newFakeStopper()
	s2 := newFakeStopper()
	c1 := NewContainerHandle("a", s1, nil)
	c2 := NewContainerHandle("b", s2, nil)
	patcher := &fakePatcher{}

	ph := NewPodHandle(context.Background(), "default", "mypod", map[string]*ContainerHandle{"a": c1, "b": c2}, patcher, nil)
	ph.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&s1.stopped))
	assert.Equal(t, int32(1), atomic.LoadInt32(&s2.stopped))

	ph.Close()
}

func TestPodHandleWaitAwaitsAllContainers(t *testing.T) {
	s1 := newFakeStopper()
	c1 := NewContainerHandle("a", s1, nil)
	patcher := &fakePatcher{}

	ph := NewPodHandle(context.Background(), "default", "mypod", map[string]*ContainerHandle{"a": c1}, patcher, nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		c1.CloseStatus()
		s1.Stop()
	}()

	err := ph.Wait()
	require.NoError(t, err)
}
