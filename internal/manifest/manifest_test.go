package manifest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestReturnsInitialValueSynchronously(t *testing.T) {
	_, r := New("v1")
	assert.Equal(t, "v1", r.Latest())
}

func TestSendCoalescesBetweenPolls(t *testing.T) {
	w, r := New(0)
	w.Send(1)
	w.Send(2)

	v, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, 2, v) // never observes 1
}

func TestSubscribeYieldsCurrentValueFirst(t *testing.T) {
	w, r := New("a")
	w.Send("b")

	sub := r.Subscribe()
	v := sub.Latest()
	assert.Equal(t, "b", v)
}

func TestCloseUnblocksNextAfterFinalValue(t *testing.T) {
	w, r := New(0)
	r.Latest() // catch up to the initial value

	done := make(chan struct{})
	var lastVal int
	var lastOk bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lastVal, lastOk = r.Next() // blocks on initial version
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	w.Send(42)
	wg.Wait()

	assert.True(t, lastOk)
	assert.Equal(t, 42, lastVal)

	// Now close; a reader already caught up should see ok=false.
	w.Close()
	_, ok := r.Next()
	assert.False(t, ok)
}

func TestNextBlocksUntilChange(t *testing.T) {
	w, r := New("start")
	r.Latest() // catch up

	result := make(chan string, 1)
	go func() {
		v, _ := r.Next()
		result <- v
	}()

	select {
	case <-result:
		t.Fatal("Next returned before a new value was sent")
	case <-time.After(20 * time.Millisecond):
	}

	w.Send("changed")
	select {
	case v := <-result:
		assert.Equal(t, "changed", v)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Send")
	}
}
