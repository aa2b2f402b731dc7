package memsubstrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	require.NoError(t, s.Write(ctx, "documents/doc-1", map[string]any{"update": "abc"}))

	var v, ok, err = s.Read(ctx, "documents/doc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", v["update"])
}

func TestReadMissingReturnsNotOK(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var _, ok, err = s.Read(ctx, "documents/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveDeletesSubtree(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	require.NoError(t, s.Write(ctx, "rooms/peers/a", map[string]any{"id": "a"}))
	require.NoError(t, s.Remove(ctx, "rooms/peers/a"))

	var _, ok, _ = s.Read(ctx, "rooms/peers/a")
	assert.False(t, ok)
}

func TestPushChildGeneratesUniqueKeys(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var p1, err = s.PushChild(ctx, "signaling/a", map[string]any{"type": "offer"})
	require.NoError(t, err)
	var p2, err2 = s.PushChild(ctx, "signaling/a", map[string]any{"type": "answer"})
	require.NoError(t, err2)

	assert.NotEqual(t, p1, p2)
}

func TestSubscribeChildAddedReplaysExistingThenFiresNew(t *testing.T) {
	var ctx = context.Background()
	var s = New()
	require.NoError(t, s.Write(ctx, "rooms/peers/existing", map[string]any{"id": "existing"}))

	var seen []string
	var sub, err = s.SubscribeChildAdded("rooms/peers", func(key string, _ map[string]any) {
		seen = append(seen, key)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Equal(t, []string{"existing"}, seen)

	require.NoError(t, s.Write(ctx, "rooms/peers/new", map[string]any{"id": "new"}))
	assert.Equal(t, []string{"existing", "new"}, seen)
}

func TestSubscribeChildRemovedFiresOnRemove(t *testing.T) {
	var ctx = context.Background()
	var s = New()
	require.NoError(t, s.Write(ctx, "rooms/peers/a", map[string]any{"id": "a"}))

	var removed string
	var sub, err = s.SubscribeChildRemoved("rooms/peers", func(key string) { removed = key })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Remove(ctx, "rooms/peers/a"))
	assert.Equal(t, "a", removed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	var ctx = context.Background()
	var s = New()

	var calls int
	var sub, err = s.SubscribeChildAdded("rooms/peers", func(_ string, _ map[string]any) { calls++ })
	require.NoError(t, err)
	sub.Unsubscribe()

	require.NoError(t, s.Write(ctx, "rooms/peers/a", map[string]any{"id": "a"}))
	assert.Equal(t, 0, calls)
}

func TestSimulateDisconnectRemovesBoundPaths(t *testing.T) {
	var ctx = context.Background()
	var s = New()
	require.NoError(t, s.Write(ctx, "rooms/peers/a", map[string]any{"id": "a"}))
	require.NoError(t, s.BindAutoRemoveOnDisconnect(ctx, "rooms/peers/a"))

	s.SimulateDisconnect(ctx)

	var _, ok, _ = s.Read(ctx, "rooms/peers/a")
	assert.False(t, ok)
}

func TestQueryLessOrEqualFiltersByNumericField(t *testing.T) {
	var ctx = context.Background()
	var s = New()
	require.NoError(t, s.Write(ctx, "rooms/peers/a", map[string]any{"lastSeen": float64(100)}))
	require.NoError(t, s.Write(ctx, "rooms/peers/b", map[string]any{"lastSeen": float64(900)}))

	var stale, err = s.QueryLessOrEqual(ctx, "rooms/peers", "lastSeen", 500)
	require.NoError(t, err)

	assert.Contains(t, stale, "a")
	assert.NotContains(t, stale, "b")
}
