// Package update implements the document synchronization pipeline: local
// change batching, origin tagging to suppress echo, and per-peer delta
// encoding against each peer's last-known state vector.
package update

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/estuary/collab-core/codec"
	"github.com/estuary/collab-core/framing"
	"github.com/estuary/collab-core/replica"
)

// DefaultBatchWindow is how long local updates are coalesced before
// being merged and broadcast.
const DefaultBatchWindow = 50 * time.Millisecond

// Broadcaster is the subset of peer.Manager this pipeline needs.
type Broadcaster interface {
	Broadcast(data []byte)
	Send(peerID string, data []byte) error
}

// Pipeline batches local document updates and fans them out, and
// applies remote updates to the local document while tagging their
// origin so the resulting OnUpdate firing doesn't re-broadcast them.
type Pipeline struct {
	doc     replica.Document
	framer  *framing.Framer
	codec   *codec.Codec
	bcast   Broadcaster
	log     *logrus.Entry
	window  time.Duration

	mu      sync.Mutex
	pending [][]byte
	timer   *time.Timer

	peerVectors map[string][]byte // document state vector as of the last SyncWithPeer to a peer

	unsubscribe func()
}

// New wires a Pipeline to doc. Local updates not originating from
// replica.LocalOrigin's remote-apply marker are batched and broadcast;
// construct before calling doc.OnUpdate elsewhere.
func New(doc replica.Document, framer *framing.Framer, cdc *codec.Codec, bcast Broadcaster, log *logrus.Entry) *Pipeline {
	p := &Pipeline{
		doc:         doc,
		framer:      framer,
		codec:       cdc,
		bcast:       bcast,
		log:         log,
		window:      DefaultBatchWindow,
		peerVectors: make(map[string][]byte),
	}
	p.unsubscribe = doc.OnUpdate(p.onLocalUpdate)
	return p
}

// WithBatchWindow overrides the batching window; call before any updates
// are produced.
func (p *Pipeline) WithBatchWindow(d time.Duration) *Pipeline {
	p.window = d
	return p
}

// onLocalUpdate is the replica.UpdateCallback registered on the
// document. Updates whose origin is the remote-apply marker are echoes
// of something this pipeline just applied and must not be rebroadcast.
func (p *Pipeline) onLocalUpdate(upd []byte, origin string) {
	if origin == replica.LocalOrigin {
		return
	}
	p.mu.Lock()
	p.pending = append(p.pending, upd)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.window, p.flush)
	p.mu.Unlock()
}

func (p *Pipeline) flush() {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.timer = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	merged, err := p.doc.MergeUpdates(batch)
	if err != nil {
		p.log.WithError(err).Warn("update: merge batch failed, broadcasting unmerged")
		for _, u := range batch {
			p.sendOne(u)
		}
		return
	}
	p.sendOne(merged)
}

// sendOne builds and broadcasts a sync envelope. Sync payloads are
// never gzip-compressed and always go out with the compressed flag
// false; the flag is only honoured on receipt (see ApplyInbound). A CRDT
// update is already a dense binary delta where gzip rarely pays for its
// own framing overhead.
func (p *Pipeline) sendOne(payload []byte) {
	envs, err := p.framer.BuildOutbound(framing.KindSync, payload, false)
	if err != nil {
		p.log.WithError(err).Warn("update: build outbound envelope failed")
		return
	}
	for _, env := range envs {
		p.bcast.Broadcast(env)
	}
}

// ApplyInbound decompresses and applies an already-reassembled sync
// payload (as produced by framing.Framer.Receive) to the document,
// tagged with replica.LocalOrigin so the resulting OnUpdate firing is
// suppressed by onLocalUpdate instead of being rebroadcast.
func (p *Pipeline) ApplyInbound(peerID string, applied framing.Applied) {
	payload := applied.Payload
	var err error
	if applied.Compressed {
		payload, err = p.codec.Decompress(payload)
		if err != nil {
			p.log.WithError(err).WithField("peer", peerID).Warn("update: decompress failed")
			return
		}
	}
	if err := p.doc.ApplyUpdate(payload, replica.LocalOrigin); err != nil {
		p.log.WithError(err).WithField("peer", peerID).Warn("update: apply failed")
	}
}

// SyncWithPeer sends this side's full delta since peerID's last-known
// state vector (or the full document if none is known yet).
func (p *Pipeline) SyncWithPeer(peerID string) {
	p.mu.Lock()
	sv := p.peerVectors[peerID]
	p.mu.Unlock()

	var delta []byte
	if sv != nil {
		delta = p.doc.EncodeStateAsUpdateSince(sv)
	} else {
		delta = p.doc.EncodeStateAsUpdate()
	}

	envs, err := p.framer.BuildOutbound(framing.KindSync, delta, false)
	if err != nil {
		p.log.WithError(err).WithField("peer", peerID).Warn("update: build sync envelope failed")
		return
	}
	for _, env := range envs {
		if err := p.bcast.Send(peerID, env); err != nil {
			p.log.WithError(err).WithField("peer", peerID).Warn("update: send sync failed")
			return
		}
	}

	p.mu.Lock()
	p.peerVectors[peerID] = p.doc.EncodeStateVector()
	p.mu.Unlock()
}

// PeerLeft releases delta-tracking state and reassembly buffers for a
// peer that has disconnected.
func (p *Pipeline) PeerLeft(peerID string) {
	p.mu.Lock()
	delete(p.peerVectors, peerID)
	p.mu.Unlock()
	p.framer.ReleasePeer(peerID)
}

// Close unsubscribes from the document's update callback.
func (p *Pipeline) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}
