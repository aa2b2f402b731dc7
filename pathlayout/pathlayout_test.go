package pathlayout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultFlat(t *testing.T) {
	var cfg = DefaultFlat("doc-1")
	var layout, err = Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, "documents/doc-1", layout.Documents)
	assert.Equal(t, "rooms/doc-1", layout.Rooms)
	assert.Equal(t, "snapshots/doc-1", layout.Snapshots)
	assert.Equal(t, "signaling/doc-1", layout.Signaling)
}

func TestResolveNested(t *testing.T) {
	var cfg = Config{Nested: &NestedConfig{BasePath: "workspaces/ws-1", DocID: "doc-2"}}
	var layout, err = Resolve(cfg)
	require.NoError(t, err)

	assert.Equal(t, "workspaces/ws-1/doc-2/documents", layout.Documents)
	assert.Equal(t, "workspaces/ws-1/doc-2/rooms", layout.Rooms)
	assert.Equal(t, "workspaces/ws-1/doc-2/snapshots", layout.Snapshots)
	assert.Equal(t, "workspaces/ws-1/doc-2/signaling", layout.Signaling)
}

func TestResolveRejectsNeitherSelected(t *testing.T) {
	var _, err = Resolve(Config{})
	assert.Error(t, err)
}

func TestResolveRejectsIncompleteFlat(t *testing.T) {
	var _, err = Resolve(Config{Flat: &FlatConfig{Documents: "documents/x"}})
	assert.Error(t, err)
}

func TestResolveRejectsIncompleteNested(t *testing.T) {
	var _, err = Resolve(Config{Nested: &NestedConfig{BasePath: "workspaces/ws-1"}})
	assert.Error(t, err)
}
