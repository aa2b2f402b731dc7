package memreplica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuary/collab-core/replica"
)

func TestSetLocalFieldFiresUpdated(t *testing.T) {
	var aw = NewAwareness(1)
	var got replica.AwarenessChange
	aw.OnChange(func(c replica.AwarenessChange) { got = c })

	aw.SetLocalField("name", "ada")

	assert.Equal(t, []uint64{1}, got.Updated)
}

func TestEncodeApplyRoundTrip(t *testing.T) {
	var local = NewAwareness(1)
	local.SetLocalField("name", "ada")
	var update, err = local.EncodeUpdate([]uint64{1})
	require.NoError(t, err)

	var remote = NewAwareness(2)
	require.NoError(t, remote.ApplyUpdate(update))

	var states = remote.States()
	state, ok := states[1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ada", state["name"])
}

func TestApplyUpdateDistinguishesAddedFromUpdated(t *testing.T) {
	var local = NewAwareness(1)
	local.SetLocalField("x", 1)
	var upd, err = local.EncodeUpdate([]uint64{1})
	require.NoError(t, err)

	var remote = NewAwareness(2)
	var first replica.AwarenessChange
	remote.OnChange(func(c replica.AwarenessChange) { first = c })
	require.NoError(t, remote.ApplyUpdate(upd))
	assert.Equal(t, []uint64{1}, first.Added)
	assert.Empty(t, first.Updated)

	local.SetLocalField("x", 2)
	upd, err = local.EncodeUpdate([]uint64{1})
	require.NoError(t, err)

	var second replica.AwarenessChange
	remote.OnChange(func(c replica.AwarenessChange) { second = c })
	require.NoError(t, remote.ApplyUpdate(upd))
	assert.Equal(t, []uint64{1}, second.Updated)
	assert.Empty(t, second.Added)
}

func TestRemoveStatesFiresRemoved(t *testing.T) {
	var aw = NewAwareness(1)
	aw.SetLocalField("x", 1)
	var got replica.AwarenessChange
	aw.OnChange(func(c replica.AwarenessChange) { got = c })

	aw.RemoveStates([]uint64{1})

	assert.Equal(t, []uint64{1}, got.Removed)
	_, ok := aw.States()[1]
	assert.False(t, ok)
}
