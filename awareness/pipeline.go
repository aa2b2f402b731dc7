// Package awareness implements the throttled local-broadcast / bounded
// remote-apply pipeline for ephemeral presence state (cursors,
// selections, user metadata) layered over a replica.Awareness.
package awareness

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/estuary/collab-core/codec"
	"github.com/estuary/collab-core/framing"
	"github.com/estuary/collab-core/replica"
)

// Defaults.
const (
	DefaultBroadcastThrottle = 100 * time.Millisecond
	MaxAwarenessStates       = 50
	DefaultMemoryCheckTick   = 30 * time.Second
)

// Broadcaster is the subset of peer.Manager this pipeline needs.
type Broadcaster interface {
	Broadcast(data []byte)
}

// Pipeline throttles local awareness broadcasts and bounds the number
// of remote client states this side will track.
type Pipeline struct {
	awareness replica.Awareness
	framer    *framing.Framer
	codec     *codec.Codec
	bcast     Broadcaster
	log       *logrus.Entry
	throttle  time.Duration

	mu          sync.Mutex
	dirty       bool
	timer       *time.Timer
	seenOrder   *lru.Cache[uint64, struct{}] // bounds tracked remote client ids
	stopCh      chan struct{}
	unsubscribe func()
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithThrottle overrides DefaultBroadcastThrottle.
func WithThrottle(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.throttle = d
		}
	}
}

// New wires a Pipeline to aw. A cardinality guard of MaxAwarenessStates
// is applied to incoming remote client ids: once full, the
// least-recently-seen id is evicted from local tracking (not from the
// remote's own awareness, which the engine does not own).
func New(aw replica.Awareness, framer *framing.Framer, cdc *codec.Codec, bcast Broadcaster, log *logrus.Entry, opts ...Option) *Pipeline {
	cache, _ := lru.New[uint64, struct{}](MaxAwarenessStates)
	p := &Pipeline{
		awareness: aw,
		framer:    framer,
		codec:     cdc,
		bcast:     bcast,
		log:       log,
		throttle:  DefaultBroadcastThrottle,
		seenOrder: cache,
		stopCh:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.unsubscribe = aw.OnChange(p.onChange)
	return p
}

func (p *Pipeline) onChange(change replica.AwarenessChange) {
	for _, id := range change.Added {
		p.seenOrder.Add(id, struct{}{})
	}
	for _, id := range change.Updated {
		p.seenOrder.Get(id) // refresh recency
	}
	for _, id := range change.Removed {
		p.seenOrder.Remove(id)
	}

	p.mu.Lock()
	if !p.dirty {
		p.dirty = true
		p.timer = time.AfterFunc(p.throttle, p.broadcastNow)
	}
	p.mu.Unlock()
}

func (p *Pipeline) broadcastNow() {
	p.mu.Lock()
	p.dirty = false
	p.timer = nil
	p.mu.Unlock()

	ids := p.seenOrder.Keys()
	ids = append(ids, p.awareness.LocalClientID())
	payload, err := p.awareness.EncodeUpdate(ids)
	if err != nil {
		p.log.WithError(err).Warn("awareness: encode update failed")
		return
	}
	compressed, isCompressed := p.codec.Compress(payload)
	envs, err := p.framer.BuildOutbound(framing.KindAwareness, compressed, isCompressed)
	if err != nil {
		p.log.WithError(err).Warn("awareness: build outbound envelope failed")
		return
	}
	for _, env := range envs {
		p.bcast.Broadcast(env)
	}
}

// ApplyInbound applies an already-reassembled awareness envelope (as
// produced by framing.Framer.Receive) from a peer. Per the cardinality
// guard, if the replica already tracks MaxAwarenessStates or more
// client ids the update is dropped rather than grown further; the
// memory-check tick is what brings the count back down so a future
// update is accepted.
func (p *Pipeline) ApplyInbound(peerID string, applied framing.Applied) {
	if len(p.awareness.States()) >= MaxAwarenessStates {
		p.log.WithField("peer", peerID).Debug("awareness: dropping update, cardinality ceiling reached")
		return
	}

	payload := applied.Payload
	var err error
	if applied.Compressed {
		payload, err = p.codec.Decompress(payload)
		if err != nil {
			p.log.WithError(err).WithField("peer", peerID).Warn("awareness: decompress failed")
			return
		}
	}
	if err := p.awareness.ApplyUpdate(payload); err != nil {
		p.log.WithError(err).WithField("peer", peerID).Warn("awareness: apply failed")
	}
}

// StateCount returns the number of client ids currently tracked by the
// underlying awareness replica, for memory diagnostics.
func (p *Pipeline) StateCount() int {
	return len(p.awareness.States())
}

// PeerLeft removes a disconnected peer's client states from the shared
// awareness instance immediately, rather than waiting on the
// memory-check tick.
func (p *Pipeline) PeerLeft(clientIDs []uint64) {
	p.awareness.RemoveStates(clientIDs)
	for _, id := range clientIDs {
		p.seenOrder.Remove(id)
	}
}

// StartMemoryCheckTick periodically evicts the least-recently-seen
// tracked remote client ids until the shared awareness replica holds
// fewer than MaxAwarenessStates states, removing the evicted client ids
// from the replica itself, so a peer that stopped refreshing a state
// (without a clean PeerLeft) doesn't pin memory forever and ApplyInbound
// accepts updates again. This engine has no standing map from a remote peer's
// substrate id to the awareness client ids it owns (the CRDT assigns
// those independently), so eviction here is recency-based rather than
// membership-based; PeerLeft above is the precise removal path used
// when a peer's connection teardown is observed directly.
func (p *Pipeline) StartMemoryCheckTick() {
	go func() {
		ticker := time.NewTicker(DefaultMemoryCheckTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var evicted []uint64
				excess := len(p.awareness.States()) - MaxAwarenessStates + 1
				for i := 0; i < excess; i++ {
					id, _, ok := p.seenOrder.RemoveOldest()
					if !ok {
						break
					}
					evicted = append(evicted, id)
				}
				if len(evicted) > 0 {
					p.awareness.RemoveStates(evicted)
				}
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Close stops the memory-check tick and unsubscribes from the
// awareness instance's change callback.
func (p *Pipeline) Close() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}
