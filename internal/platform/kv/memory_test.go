package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeSink struct {
	mu      sync.Mutex
	changes []Change
	signal  chan struct{}
}

func newChangeSink() *changeSink {
	return &changeSink{signal: make(chan struct{}, 16)}
}

func (s *changeSink) record(c Change) {
	s.mu.Lock()
	s.changes = append(s.changes, c)
	s.mu.Unlock()
	s.signal <- struct{}{}
}

func (s *changeSink) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for change notification")
	}
}

func (s *changeSink) snapshot() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.changes...)
}

func TestMemoryDeliversChangesToOtherWindowsOnly(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	defer mem.Close()

	tabA, err := mem.Open("profile-1", "tab-a")
	require.NoError(t, err)
	tabB, err := mem.Open("profile-1", "tab-b")
	require.NoError(t, err)

	sinkA, sinkB := newChangeSink(), newChangeSink()
	cancelA, err := tabA.Watch("freightfox.payment.state", sinkA.record)
	require.NoError(t, err)
	defer cancelA()
	cancelB, err := tabB.Watch("freightfox.payment.state", sinkB.record)
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, tabA.Set(ctx, "freightfox.payment.state", []byte(`{"state":"processing"}`)))
	sinkB.wait(t)

	got := sinkB.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "tab-a", got[0].Origin)
	assert.JSONEq(t, `{"state":"processing"}`, string(got[0].NewValue))

	value, ok, err := tabB.Get(ctx, "freightfox.payment.state")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"state":"processing"}`, string(value))

	require.NoError(t, mem.Close())
	assert.Empty(t, sinkA.snapshot(), "writer must not observe its own change")
}

func TestMemoryRemoveNotifiesAsRemoval(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	defer mem.Close()

	tabA, _ := mem.Open("profile-1", "tab-a")
	tabB, _ := mem.Open("profile-1", "tab-b")
	require.NoError(t, tabA.Set(ctx, "k", []byte("v")))

	sink := newChangeSink()
	cancel, err := tabB.Watch("k", sink.record)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, tabA.Remove(ctx, "k"))
	sink.wait(t)

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.True(t, got[0].Removed())
	assert.Equal(t, []byte("v"), got[0].OldValue)

	_, ok, err := tabB.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryIsolatesProfiles(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	defer mem.Close()

	a, _ := mem.Open("profile-1", "main")
	b, _ := mem.Open("profile-2", "main")
	require.NoError(t, a.Set(ctx, "k", []byte("1")))

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = mem.Open("", "main")
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestMemoryCancelStopsDelivery(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()

	tabA, _ := mem.Open("p", "a")
	tabB, _ := mem.Open("p", "b")
	sink := newChangeSink()
	cancel, err := tabB.Watch("k", sink.record)
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, tabA.Set(ctx, "k", []byte("x")))
	require.NoError(t, mem.Close())
	assert.Empty(t, sink.snapshot())

	_, err = mem.Open("p", "c")
	assert.ErrorIs(t, err, ErrClosed)
}
