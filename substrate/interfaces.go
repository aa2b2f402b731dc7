// Package substrate declares the capability surface this engine requires
// of the shared realtime key-value store used for presence, signaling and
// snapshot persistence: a hierarchical path-addressed store with child
// subscriptions and lease-based auto-removal, in the style of Firebase
// Realtime Database. substrate/etcdsubstrate and substrate/memsubstrate
// are two concrete bindings.
package substrate

import "context"

// ServerTimestamp is a sentinel value writers may place in a field to ask
// the substrate to stamp it with its own clock at write time.
var ServerTimestamp = struct{ sentinel bool }{true}

// ChildAddedFunc is invoked once per existing child at subscribe time and
// again for every subsequently added child.
type ChildAddedFunc func(key string, value map[string]any)

// ChildRemovedFunc is invoked when a child is removed.
type ChildRemovedFunc func(key string)

// Subscription is returned by the two subscribe calls; Unsubscribe is
// idempotent.
type Subscription interface {
	Unsubscribe()
}

// Substrate is the hierarchical realtime KV store contract.
type Substrate interface {
	// Read performs a one-shot read of path. ok is false if absent.
	Read(ctx context.Context, path string) (value map[string]any, ok bool, err error)
	// Write atomically sets the value stored at path; existing children
	// of path are left in place.
	Write(ctx context.Context, path string, value map[string]any) error
	// Remove deletes the subtree at path.
	Remove(ctx context.Context, path string) error
	// PushChild creates an auto-id child of path and returns its full path.
	PushChild(ctx context.Context, path string, value map[string]any) (childPath string, err error)
	// SubscribeChildAdded observes children added under path.
	SubscribeChildAdded(path string, cb ChildAddedFunc) (Subscription, error)
	// SubscribeChildRemoved observes children removed under path.
	SubscribeChildRemoved(path string, cb ChildRemovedFunc) (Subscription, error)
	// BindAutoRemoveOnDisconnect arranges for path to be removed by the
	// substrate itself if this client disconnects uncleanly.
	BindAutoRemoveOnDisconnect(ctx context.Context, path string) error
	// QueryLessOrEqual returns children of path whose field is numeric
	// and <= v, used by stale-peer GC.
	QueryLessOrEqual(ctx context.Context, path, field string, v float64) (map[string]map[string]any, error)
}
