package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corp.nvidia.com/nodelet/internal/nodeerrs"
)

type podRecord struct {
	Phase string
}

var podType = TypeKey{Version: "v1", Kind: "Pod"}

func TestGetMissReturnsNoErr(t *testing.T) {
	s := New()
	_, ok, err := Get[podRecord](s, podType, ObjectKey{Namespace: "default", Name: "web"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertThenGetRoundTrips(t *testing.T) {
	s := New()
	key := ObjectKey{Namespace: "default", Name: "web"}
	Insert(s, podType, key, podRecord{Phase: "Running"})

	got, ok, err := Get[podRecord](s, podType, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Running", got.Phase)
}

func TestInsertOverwritesPriorValue(t *testing.T) {
	s := New()
	key := ObjectKey{Name: "web"}
	Insert(s, podType, key, podRecord{Phase: "Pending"})
	Insert(s, podType, key, podRecord{Phase: "Succeeded"})

	got, ok, err := Get[podRecord](s, podType, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Succeeded", got.Phase)
}

func TestGetTypeMismatchIsRecoverable(t *testing.T) {
	s := New()
	key := ObjectKey{Name: "web"}
	s.InsertAny(podType, key, "not-a-pod-record")

	_, ok, err := Get[podRecord](s, podType, key)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, nodeerrs.ErrTypeMismatch))
}

func TestDeleteRemovesObject(t *testing.T) {
	s := New()
	key := ObjectKey{Name: "web"}
	Insert(s, podType, key, podRecord{Phase: "Running"})
	s.Delete(podType, key)

	_, ok, err := Get[podRecord](s, podType, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResetClearsOnlyThatType(t *testing.T) {
	s := New()
	otherType := TypeKey{Version: "v1", Kind: "Node"}
	Insert(s, podType, ObjectKey{Name: "web"}, podRecord{Phase: "Running"})
	Insert(s, otherType, ObjectKey{Name: "node-1"}, podRecord{Phase: "n/a"})

	s.Reset(podType)

	assert.Equal(t, 0, s.Len(podType))
	assert.Equal(t, 1, s.Len(otherType))
}

// TestConcurrentInsertsToOneKeyLeaveAReadableValue is a smoke test for
// the linearizability guarantee in spec §4.1 under concurrent writers.
func TestConcurrentInsertsToOneKeyLeaveAReadableValue(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			Insert(s, podType, ObjectKey{Name: "pod"}, podRecord{Phase: "x"})
		}(i)
	}
	wg.Wait()

	_, ok, err := Get[podRecord](s, podType, ObjectKey{Name: "pod"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListKeys(t *testing.T) {
	s := New()
	Insert(s, podType, ObjectKey{Name: "a"}, podRecord{})
	Insert(s, podType, ObjectKey{Name: "b"}, podRecord{})

	keys := ListKeys(s, podType)
	assert.Len(t, keys, 2)
}
