package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"go.corp.nvidia.com/nodelet/internal/state"
)

type fakeExecer struct {
	mu    sync.Mutex
	calls []string
	args  [][]any
	err   error
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sql)
	f.args = append(f.args, arguments)
	return pgconn.CommandTag{}, f.err
}

func TestEnsureSchemaRunsCreateTable(t *testing.T) {
	ex := &fakeExecer{}
	require.NoError(t, EnsureSchema(context.Background(), ex))
	require.Len(t, ex.calls, 1)
	assert.Contains(t, ex.calls[0], "CREATE TABLE")
}

func TestPostgresSinkRecordTransitionFillsDefaults(t *testing.T) {
	ex := &fakeExecer{}
	sink := NewPostgresSink(ex)

	err := sink.RecordTransition(context.Background(), Record{Namespace: "default", Pod: "p1", State: "Running", Kind: "Next"})
	require.NoError(t, err)
	require.Len(t, ex.args, 1)
	args := ex.args[0]
	assert.NotNil(t, args[0]) // generated id
	assert.Equal(t, "default", args[1])
	assert.Equal(t, "p1", args[2])
}

func TestPostgresSinkRecordTransitionWrapsExecError(t *testing.T) {
	ex := &fakeExecer{err: errors.New("connection refused")}
	sink := NewPostgresSink(ex)

	err := sink.RecordTransition(context.Background(), Record{Namespace: "default", Pod: "p1", State: "Running"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

type stubState struct {
	name string
	next state.Transition[int]
}

func (s stubState) Name() string { return s.name }
func (s stubState) Next(ctx context.Context, ps *int, pod *corev1.Pod) state.Transition[int] {
	return s.next
}
func (s stubState) StatusPatch(ps *int, pod *corev1.Pod) (state.StatusPatch, error) {
	return state.StatusPatch{}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []Record
}

func (r *recordingSink) RecordTransition(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func TestWrapRecordsEachTransitionAndChainsNext(t *testing.T) {
	sink := &recordingSink{}
	final := stubState{name: "Completed", next: state.Complete[int](nil)}
	entry := stubState{name: "Registered", next: state.Next[int](final)}

	wrapped := Wrap[int](entry, sink)
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "p1"}}
	var ps int

	tr := wrapped.Next(context.Background(), &ps, pod)
	require.Equal(t, state.KindNext, tr.Kind)

	tr2 := tr.Next.Next(context.Background(), &ps, pod)
	require.Equal(t, state.KindComplete, tr2.Kind)

	require.Len(t, sink.records, 2)
	assert.Equal(t, "Registered", sink.records[0].State)
	assert.Equal(t, "Next", sink.records[0].Kind)
	assert.Equal(t, "Completed", sink.records[1].State)
	assert.Equal(t, "Complete", sink.records[1].Kind)
}

func TestWrapWithNilSinkReturnsInnerUnchanged(t *testing.T) {
	entry := stubState{name: "Registered"}
	wrapped := Wrap[int](entry, nil)
	assert.Equal(t, entry, wrapped)
}
