// Package session is the composition root: it wires the substrate,
// replica and transport collaborators together with this module's
// pathlayout, codec, snapshot, presence, signaling, peer, update and
// awareness packages into one running collaborative document session.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/estuary/collab-core/awareness"
	"github.com/estuary/collab-core/codec"
	"github.com/estuary/collab-core/framing"
	"github.com/estuary/collab-core/pathlayout"
	"github.com/estuary/collab-core/peer"
	"github.com/estuary/collab-core/presence"
	"github.com/estuary/collab-core/signaling"
	"github.com/estuary/collab-core/snapshot"
	"github.com/estuary/collab-core/substrate"
	"github.com/estuary/collab-core/transport"
	"github.com/estuary/collab-core/update"
)

// MemoryStats summarizes the coordinator's in-memory footprint for
// diagnostics; returned by GetMemoryStats.
type MemoryStats struct {
	MessageBufferBytes int64
	ConnectionCount    int
	LastCleanup        time.Time
	AwarenessStates    int
}

// Coordinator owns one document session end to end.
type Coordinator struct {
	cfg    Config
	layout pathlayout.Layout
	log    *logrus.Entry

	codec     *codec.Codec
	framer    *framing.Framer
	snapshots *snapshot.Store
	presence  *presence.Service
	signal    *signaling.Channel
	peers     *peer.Manager
	updates   *update.Pipeline
	aware     *awareness.Pipeline
	metrics   *metrics
	bus       *bus

	mu          sync.Mutex
	started     bool
	peersSub    substrate.Subscription
	peersGone   substrate.Subscription
	connState   atomic.Value // string
	lastCleanup atomic.Value // time.Time
	stopCtx     context.Context
	stopCancel  context.CancelFunc
}

// New validates cfg, applies defaults and wires every component. It
// does not touch the substrate until Start is called.
func New(cfg Config) (*Coordinator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	layout, err := pathlayout.Resolve(cfg.Paths)
	if err != nil {
		return nil, errors.Wrap(err, "session: resolve paths")
	}

	c := &Coordinator{
		cfg:    cfg,
		layout: layout,
		log:    cfg.Logger,
		bus:    newBus(),
	}
	c.connState.Store("new")

	c.codec = codec.New(cfg.CompressionThreshold)
	c.framer = framing.New(cfg.SelfID, 0, c.log)
	c.metrics = newMetrics(nil, docIDFromLayout(layout))

	c.snapshots = snapshot.New(
		cfg.Substrate, layout.Snapshots, layout.Documents,
		cfg.Document.EncodeStateAsUpdate, cfg.Document.EncodeStateVector,
		c.log, snapshot.WithDebounce(cfg.SnapshotDebounce), snapshot.WithBackstop(cfg.BackstopInterval),
	)

	c.presence = presence.New(cfg.Substrate, layout.Rooms, cfg.SelfID, c.log,
		presence.WithHeartbeatInterval(cfg.HeartbeatInterval),
		presence.WithStalePeerThreshold(cfg.StalePeerThreshold),
	)

	c.signal = signaling.New(cfg.Substrate, layout.Signaling, cfg.SelfID, c.log)

	c.peers = peer.New(cfg.SelfID, cfg.Factory, c.signal, c.log, peer.Events{
		OnPeerConnected:    c.onPeerConnected,
		OnPeerDisconnected: c.onPeerDisconnected,
		OnPeerFailed:       c.onPeerFailed,
	}, peer.WithICEServers(cfg.ICEServers), peer.WithMaxDirectPeers(cfg.MaxDirectPeers))

	c.updates = update.New(cfg.Document, c.framer, c.codec, c.peers, c.log).WithBatchWindow(cfg.BatchWindow)
	c.aware = awareness.New(cfg.Awareness, c.framer, c.codec, c.peers, c.log, awareness.WithThrottle(cfg.BroadcastThrottle))

	cfg.Document.EnableGC(true)
	cfg.Document.OnUpdate(func(_ []byte, _ string) {
		c.snapshots.MarkDirty(context.Background())
	})

	return c, nil
}

func docIDFromLayout(layout pathlayout.Layout) string {
	return layout.Documents
}

// isStalePeerRecord reports whether a rooms/peers record's lastSeen is
// older than threshold, per the discovery-side half of PEER_PRESENCE_TIMEOUT
// (presence.Service.CleanupStalePeers is the GC-side half, on its own
// cadence).
func isStalePeerRecord(value map[string]any, threshold time.Duration) bool {
	lastSeen, ok := toInt64(value["lastSeen"])
	if !ok {
		return false
	}
	return time.Since(time.UnixMilli(lastSeen)) > threshold
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Start performs the startup sequence: load the persisted snapshot and
// apply it, begin presence heartbeating, begin signaling, subscribe to
// peer discovery, and start the snapshot backstop timer.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("session: already started")
	}
	c.started = true
	c.stopCtx, c.stopCancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if raw, err := c.snapshots.Load(ctx); err != nil {
		c.log.WithError(err).Warn("session: snapshot load failed, starting empty")
		c.bus.emit(Event{Type: EventError, Err: err, Context: "snapshot-load"})
	} else if raw != nil {
		if err := c.cfg.Document.ApplyUpdate(raw, "startup-load"); err != nil {
			c.log.WithError(err).Warn("session: applying loaded snapshot failed")
			c.bus.emit(Event{Type: EventError, Err: err, Context: "snapshot-apply"})
		}
	}

	if err := c.presence.Announce(ctx); err != nil {
		c.log.WithError(err).Warn("session: initial presence announce failed")
		c.bus.emit(Event{Type: EventError, Err: err, Context: "presence-announce"})
	}
	go c.presence.Heartbeat(c.stopCtx)

	if err := c.startPeerPhase(c.stopCtx); err != nil {
		return err
	}

	c.aware.StartMemoryCheckTick()
	c.snapshots.Start(c.stopCtx)
	go c.runCleanupTicker(c.stopCtx)

	c.setConnState("connected")
	return nil
}

// runCleanupTicker runs stale-peer GC on cfg.CleanupInterval until ctx is
// cancelled (by Disconnect).
func (c *Coordinator) runCleanupTicker(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.presence.CleanupStalePeers(ctx, c.layout.Signaling)
			c.peers.SweepStale()
			c.lastCleanup.Store(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// startPeerPhase begins the signaling listener and the peer
// discovery/removal subscriptions. It is the one phase Reconnect
// re-runs on its own, without touching persistence, presence or
// awareness.
func (c *Coordinator) startPeerPhase(ctx context.Context) error {
	if err := c.peers.Listen(ctx); err != nil {
		c.bus.emit(Event{Type: EventError, Err: err, Context: "signaling-listen"})
		return errors.Wrap(err, "session: start signaling listen")
	}

	added, err := c.cfg.Substrate.SubscribeChildAdded(c.layout.Rooms+"/peers", func(key string, value map[string]any) {
		if key == c.cfg.SelfID {
			return
		}
		if isStalePeerRecord(value, c.cfg.StalePeerThreshold) {
			c.log.WithField("peer", key).Debug("session: ignoring stale peer record at discovery")
			return
		}
		c.peers.PeerDiscovered(c.stopCtx, key)
	})
	if err != nil {
		c.bus.emit(Event{Type: EventError, Err: err, Context: "peer-discovery-subscribe"})
		return errors.Wrap(err, "session: subscribe peer discovery")
	}
	c.peersSub = added

	removed, err := c.cfg.Substrate.SubscribeChildRemoved(c.layout.Rooms+"/peers", func(key string) {
		c.peers.PeerLeft(key)
		c.updates.PeerLeft(key)
		c.bus.emit(Event{Type: EventPeerLeft, PeerID: key})
	})
	if err != nil {
		c.bus.emit(Event{Type: EventError, Err: err, Context: "peer-removal-subscribe"})
		return errors.Wrap(err, "session: subscribe peer removal")
	}
	c.peersGone = removed
	return nil
}

// teardownPeerPhase closes all direct peer connections and undoes
// startPeerPhase's subscriptions, without stopping presence, snapshot
// persistence or awareness. Safe to call more than once.
func (c *Coordinator) teardownPeerPhase() {
	c.peers.CloseAll()
	if c.peersSub != nil {
		c.peersSub.Unsubscribe()
		c.peersSub = nil
	}
	if c.peersGone != nil {
		c.peersGone.Unsubscribe()
		c.peersGone = nil
	}
	c.signal.Stop()
}

func (c *Coordinator) onPeerConnected(peerID string, dc transport.DataChannel) {
	dc.OnMessage(func(raw []byte) {
		c.peers.Touch(peerID)
		applied, ok, err := c.framer.Receive(peerID, raw)
		if err != nil {
			c.metrics.syncErrors.Inc()
			c.log.WithError(err).WithField("peer", peerID).Warn("session: frame receive failed")
			return
		}
		if !ok {
			return
		}
		switch applied.Kind {
		case framing.KindSync:
			c.updates.ApplyInbound(peerID, applied)
			c.metrics.updatesApplied.Inc()
			c.bus.emit(Event{Type: EventSyncCompleted, PeerID: peerID})
		case framing.KindAwareness:
			c.aware.ApplyInbound(peerID, applied)
			c.metrics.awarenessUpdates.Inc()
			c.bus.emit(Event{Type: EventAwarenessUpdated, PeerID: peerID})
		}
	})
	c.updates.SyncWithPeer(peerID)
	c.metrics.peersConnected.Set(float64(c.peers.ConnectedCount()))
	c.bus.emit(Event{Type: EventPeerJoined, PeerID: peerID})
	c.bus.emit(Event{Type: EventConnectionStateChanged, PeerID: peerID, State: "peer-connected"})
}

func (c *Coordinator) onPeerDisconnected(peerID string) {
	c.updates.PeerLeft(peerID)
	c.metrics.peersConnected.Set(float64(c.peers.ConnectedCount()))
	c.bus.emit(Event{Type: EventConnectionStateChanged, PeerID: peerID, State: "peer-disconnected"})
}

func (c *Coordinator) onPeerFailed(peerID string, err error) {
	c.metrics.syncErrors.Inc()
	c.bus.emit(Event{Type: EventError, PeerID: peerID, Err: err, Context: "peer-transport"})
}

func (c *Coordinator) setConnState(s string) {
	c.connState.Store(s)
	c.bus.emit(Event{Type: EventConnectionStateChanged, State: s})
}

// Disconnect stops every timer and subscription this coordinator owns,
// tears down all peer connections, removes the own presence record
// (best-effort) and destroys awareness and the document. Idempotent:
// safe to call more than once or from any state.
func (c *Coordinator) Disconnect(ctx context.Context) {
	c.teardownPeerPhase()
	c.presence.Stop()
	c.presence.Remove(ctx)
	c.snapshots.Stop()
	c.aware.Close()
	c.cfg.Awareness.Destroy()
	c.cfg.Document.Destroy()
	if c.stopCancel != nil {
		c.stopCancel()
	}
	c.setConnState("disconnected")
}

// Reconnect tears down and re-runs only the peer-manager phase
// (signaling listener, direct connections, discovery/removal
// subscriptions): persistence, presence heartbeating and awareness keep
// running throughout and are left untouched. It emits connecting
// immediately, then connected or disconnected on completion; a failure
// is reported via the error event and rethrown to the caller.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.setConnState("connecting")
	c.teardownPeerPhase()

	c.mu.Lock()
	if c.stopCtx == nil || c.stopCtx.Err() != nil {
		// A prior Disconnect already cancelled the shared context; this
		// is the one case Reconnect revives it, since the peer phase
		// below needs a live one and nothing else will recreate it.
		c.stopCtx, c.stopCancel = context.WithCancel(ctx)
	}
	peerCtx := c.stopCtx
	c.mu.Unlock()

	if err := c.startPeerPhase(peerCtx); err != nil {
		c.bus.emit(Event{Type: EventError, Err: err, Context: "reconnect"})
		c.setConnState("disconnected")
		return errors.Wrap(err, "session: reconnect")
	}
	c.setConnState("connected")
	return nil
}

// ForcePersist flushes a snapshot immediately, bypassing the debounce
// window.
func (c *Coordinator) ForcePersist(ctx context.Context) error {
	err := c.snapshots.Flush(ctx)
	if err == nil {
		c.metrics.snapshotsWritten.Inc()
		c.bus.emit(Event{Type: EventDocumentPersisted, Version: c.snapshots.Version()})
	}
	return err
}

// ForceGarbageCollection is a documented no-op: the CRDT document runs
// its own incremental garbage collection of tombstones once
// EnableGC(true) is in effect, and stale-peer reclamation already runs
// on its own cleanup ticker independent of this call.
func (c *Coordinator) ForceGarbageCollection() {}

// GetPeerCount returns the number of currently connected direct peers.
func (c *Coordinator) GetPeerCount() int { return c.peers.ConnectedCount() }

// GetConnectionStatus returns the coordinator's last-reported
// connection state string.
func (c *Coordinator) GetConnectionStatus() string {
	if v, ok := c.connState.Load().(string); ok {
		return v
	}
	return "unknown"
}

// GetMemoryStats returns a diagnostic snapshot of in-memory footprint.
func (c *Coordinator) GetMemoryStats() MemoryStats {
	var last time.Time
	if v, ok := c.lastCleanup.Load().(time.Time); ok {
		last = v
	}
	return MemoryStats{
		MessageBufferBytes: c.peers.MessageBufferBytes(),
		ConnectionCount:    c.peers.ConnectedCount(),
		LastCleanup:        last,
		AwarenessStates:    c.aware.StateCount(),
	}
}

// On subscribes to an event type and returns an unsubscribe function.
func (c *Coordinator) On(t EventType, l Listener) (unsubscribe func()) { return c.bus.On(t, l) }

// Off removes every listener for an event type.
func (c *Coordinator) Off(t EventType) { c.bus.Off(t) }

// HandleVisibilityChange forwards a host-page visibility transition to
// the presence service.
func (c *Coordinator) HandleVisibilityChange(ctx context.Context, visible bool) {
	c.presence.OnVisibilityChange(ctx, visible)
}
