package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingHandle struct {
	calls atomic.Int32
	err   error
}

func (h *countingHandle) Terminate(context.Context) error {
	h.calls.Add(1)
	return h.err
}

type recordingResource struct {
	mu       sync.Mutex
	released int
	order    *[]string
	name     string
	err      error
}

func (r *recordingResource) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	if r.order != nil {
		*r.order = append(*r.order, r.name)
	}
	return r.err
}

func TestRegistry_AddGetRemove(t *testing.T) {
	reg := NewRegistry()
	res := &recordingResource{}

	require.NoError(t, reg.Add(Entry{ID: "s1", Provider: "process", AuxResources: []Resource{res}}))

	info, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, info.Status)
	assert.Equal(t, "process", info.Provider)
	assert.False(t, info.StartedAt.IsZero())

	reg.Remove("s1")
	_, ok = reg.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, res.released)

	// idempotent
	reg.Remove("s1")
	reg.Remove("never-existed")
	assert.Equal(t, 1, res.released)
}

func TestRegistry_AddRejectsDuplicatesAndEmpty(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(Entry{ID: "s1"}))

	err := reg.Add(Entry{ID: "s1"})
	assert.True(t, errors.Is(err, ErrExists))
	assert.ErrorIs(t, reg.Add(Entry{}), ErrEmptyID)
}

func TestRegistry_RekeyPreservesHandle(t *testing.T) {
	reg := NewRegistry()
	handle := &countingHandle{}
	require.NoError(t, reg.Add(Entry{ID: "pending-1", Provider: "sdk", Handle: handle}))

	require.NoError(t, reg.Rekey("pending-1", "confirmed"))

	_, ok := reg.Get("pending-1")
	assert.False(t, ok)
	info, ok := reg.Get("confirmed")
	require.True(t, ok)
	assert.Equal(t, "confirmed", info.ID)

	// only the confirmed id aborts after rekey
	assert.False(t, reg.Abort(context.Background(), "pending-1"))
	assert.Equal(t, int32(0), handle.calls.Load())
	assert.True(t, reg.Abort(context.Background(), "confirmed"))
	assert.Equal(t, int32(1), handle.calls.Load())
}

func TestRegistry_AbortByProvisionalBeforeRekey(t *testing.T) {
	reg := NewRegistry()
	handle := &countingHandle{}
	require.NoError(t, reg.Add(Entry{ID: "pending-2", Handle: handle}))

	assert.True(t, reg.Abort(context.Background(), "pending-2"))
	assert.Equal(t, int32(1), handle.calls.Load())
	assert.ErrorIs(t, reg.Rekey("pending-2", "late"), ErrNotFound)
}

func TestRegistry_RekeyErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add(Entry{ID: "a"}))
	require.NoError(t, reg.Add(Entry{ID: "b"}))

	assert.ErrorIs(t, reg.Rekey("a", "b"), ErrExists)
	assert.ErrorIs(t, reg.Rekey("missing", "c"), ErrNotFound)
	assert.ErrorIs(t, reg.Rekey("a", ""), ErrEmptyID)
	assert.NoError(t, reg.Rekey("a", "a"))
}

func TestRegistry_AbortUnknownIsNotFound(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Abort(context.Background(), "nope"))
}

func TestRegistry_AbortRemovesEvenWhenTerminateFails(t *testing.T) {
	reg := NewRegistry()
	var order []string
	first := &recordingResource{name: "first", order: &order}
	second := &recordingResource{name: "second", order: &order, err: errors.New("busy")}
	handle := &countingHandle{err: errors.New("no such process")}

	require.NoError(t, reg.Add(Entry{ID: "s", Handle: handle, AuxResources: []Resource{first, second}}))

	assert.True(t, reg.Abort(context.Background(), "s"))
	_, ok := reg.Get("s")
	assert.False(t, ok)
	assert.Equal(t, []string{"first", "second"}, order)

	// second abort is a not-found no-op
	assert.False(t, reg.Abort(context.Background(), "s"))
	assert.Equal(t, int32(1), handle.calls.Load())
}

func TestRegistry_ListActiveOrdered(t *testing.T) {
	reg := NewRegistry()
	now := time.Now()
	require.NoError(t, reg.Add(Entry{ID: "late", StartedAt: now.Add(time.Second)}))
	require.NoError(t, reg.Add(Entry{ID: "early", StartedAt: now}))

	list := reg.ListActive()
	require.Len(t, list, 2)
	assert.Equal(t, "early", list[0].ID)
	assert.Equal(t, "late", list[1].ID)
	assert.Equal(t, 2, reg.Count())
}

func TestProvisionalID_Unique(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	a := ProvisionalID(ts)
	b := ProvisionalID(ts)

	assert.Contains(t, a, "pending-1700000000000-")
	assert.NotEqual(t, a, b)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := ProvisionalID(time.Now())
			if err := reg.Add(Entry{ID: id}); err != nil {
				return
			}
			_ = reg.Rekey(id, id+"-confirmed")
			reg.Remove(id + "-confirmed")
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Count())
}
