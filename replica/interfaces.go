// Package replica declares the capability surface this engine requires of
// the CRDT library it sits on top of. The CRDT itself is an external
// collaborator and is treated here strictly as a black
// box: the engine never inspects document content, only encoded bytes and
// state vectors.
package replica

// LocalOrigin is the origin tag the engine attaches to updates it applies
// on behalf of a remote peer, so its own update subscription can
// distinguish locally authored mutations (which must be broadcast) from
// echoed remote ones (which must not be).
const LocalOrigin = "collab-core:remote-apply"

// UpdateCallback receives a raw CRDT update and the origin tag it was
// applied or produced under.
type UpdateCallback func(update []byte, origin string)

// Document is the opaque CRDT document replica.
type Document interface {
	// EncodeStateAsUpdate returns the full encoded state.
	EncodeStateAsUpdate() []byte
	// EncodeStateVector returns a compact summary of contributing clients.
	EncodeStateVector() []byte
	// EncodeStateAsUpdateSince returns the delta not yet reflected in sv.
	EncodeStateAsUpdateSince(sv []byte) []byte
	// ApplyUpdate applies update, tagging it with origin. Idempotent for
	// an update already applied.
	ApplyUpdate(update []byte, origin string) error
	// MergeUpdates merges a batch of encoded updates into one minimal
	// update, without mutating the document.
	MergeUpdates(updates [][]byte) ([]byte, error)
	// OnUpdate subscribes to locally and remotely applied updates, in the
	// order they were produced. The returned func unsubscribes.
	OnUpdate(cb UpdateCallback) (unsubscribe func())
	// EnableGC toggles incremental garbage collection of tombstones.
	EnableGC(enabled bool)
	// Destroy releases the document's internal state and subscriber
	// list. Idempotent; called once, on session disconnect.
	Destroy()
}

// AwarenessChange reports the client ids that changed in one awareness
// mutation.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Awareness is the opaque ephemeral presence/cursor replica.
type Awareness interface {
	LocalClientID() uint64
	SetLocalField(key string, value any)
	OnChange(cb func(AwarenessChange)) (unsubscribe func())
	EncodeUpdate(clientIDs []uint64) ([]byte, error)
	ApplyUpdate(update []byte) error
	RemoveStates(clientIDs []uint64)
	States() map[uint64]any
	Destroy()
}
