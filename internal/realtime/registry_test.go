package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connIDs(conns []Conn) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID())
	}
	return out
}

func TestRegistry_indexes(t *testing.T) {
	r := NewRegistry()
	r.Register(newFakeConn("a"), "u1", "C1")
	r.Register(newFakeConn("b"), "u1", "C2")
	r.Register(newFakeConn("c"), "u2", "C1")
	r.Register(newFakeConn("d"), "u3", "")

	assert.Equal(t, 4, r.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, connIDs(r.BySubscriber("u1")))
	assert.ElementsMatch(t, []string{"a", "c"}, connIDs(r.ByCase("C1")))
	assert.ElementsMatch(t, []string{"b"}, connIDs(r.ByCase("C2")))
	assert.Empty(t, r.ByCase("C9"))
	assert.Equal(t, "C1", r.WatchedCase("a"))
	assert.Equal(t, "", r.WatchedCase("d"))

	stats := r.Snapshot()
	assert.Equal(t, 4, stats.TotalConnections)
	assert.Equal(t, map[string]int{"u1": 2, "u2": 1, "u3": 1}, stats.PerSubscriber)
	assert.Equal(t, map[string]int{"C1": 2, "C2": 1}, stats.PerCase)
}

func TestRegistry_unregisterRemovesEmptyBuckets(t *testing.T) {
	r := NewRegistry()
	r.Register(newFakeConn("a"), "u1", "C1")

	conn, ok := r.Unregister("a")
	require.True(t, ok)
	assert.Equal(t, "a", conn.ID())

	_, ok = r.Unregister("a")
	assert.False(t, ok, "second unregister is a no-op")

	stats := r.Snapshot()
	assert.Zero(t, stats.TotalConnections)
	assert.Empty(t, stats.PerSubscriber)
	assert.Empty(t, stats.PerCase)
}

func TestRegistry_unregisterIfMatchesConnection(t *testing.T) {
	r := NewRegistry()
	stale := newFakeConn("a")
	fresh := newFakeConn("a")
	r.Register(stale, "u1", "C1")
	r.Register(fresh, "u2", "C2")

	assert.False(t, r.UnregisterIf(stale), "stale connection must not evict its replacement")
	got, ok := r.Connection("a")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.ElementsMatch(t, []string{"a"}, connIDs(r.ByCase("C2")))

	assert.True(t, r.UnregisterIf(fresh))
	assert.Zero(t, r.Len())
	assert.False(t, r.UnregisterIf(fresh))
}

func TestRegistry_reregisterReplacesAssociations(t *testing.T) {
	r := NewRegistry()
	c := newFakeConn("a")
	r.Register(c, "u1", "C1")
	r.Register(c, "u2", "C2")

	assert.Equal(t, 1, r.Len())
	assert.Empty(t, r.BySubscriber("u1"))
	assert.Empty(t, r.ByCase("C1"))
	assert.Len(t, r.ByCase("C2"), 1)
}

func TestRegistry_resubscribeCase(t *testing.T) {
	r := NewRegistry()
	r.Register(newFakeConn("a"), "u1", "C1")

	require.True(t, r.ResubscribeCase("a", "C2"))
	assert.Empty(t, r.ByCase("C1"))
	assert.Len(t, r.ByCase("C2"), 1)

	require.True(t, r.ResubscribeCase("a", ""))
	assert.Empty(t, r.ByCase("C2"))
	assert.Equal(t, "", r.WatchedCase("a"))

	assert.False(t, r.ResubscribeCase("missing", "C1"))
}

func TestRegistry_concurrentChurn(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("conn-%d", i)
			r.Register(newFakeConn(id), fmt.Sprintf("u%d", i%5), fmt.Sprintf("C%d", i%3))
			_ = r.ByCase("C0")
			_ = r.Snapshot()
			if i%2 == 0 {
				r.Unregister(id)
			}
		}()
	}
	wg.Wait()

	stats := r.Snapshot()
	assert.Equal(t, 25, stats.TotalConnections)
	sum := 0
	for _, n := range stats.PerCase {
		sum += n
	}
	assert.Equal(t, 25, sum)
}

func TestNewConnectionID_unique(t *testing.T) {
	assert.NotEqual(t, NewConnectionID(), NewConnectionID())
}
