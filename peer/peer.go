// Package peer manages the set of direct RTC connections to other
// participants in a room: discovery via presence records, deterministic
// initiator selection, non-trickle ICE negotiation, and teardown.
package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/estuary/collab-core/signaling"
	"github.com/estuary/collab-core/substrate"
	"github.com/estuary/collab-core/transport"
)

// Defaults.
const (
	DefaultMaxDirectPeers = 20

	// Bounds on the outbound message buffer (spec's in-memory, bounded
	// {timestamp,size} log used for memory diagnostics).
	MaxMessageBufferEntries = 1000
	MaxMessageBufferBytes   = 10 * 1024 * 1024
	MessageBufferRetention  = time.Hour

	// StaleConnectionTimeout bounds how long a connected link may go
	// without activity before the periodic sweep tears it down.
	StaleConnectionTimeout = 10 * time.Minute
	// IdlePeerTimeout bounds how long a connection may sit outside
	// StateConnected (stuck negotiating, or never finished) before the
	// periodic sweep closes it.
	IdlePeerTimeout = 5 * time.Minute
)

// bufferEntry is one outbound-send record in the bounded message buffer.
type bufferEntry struct {
	at   time.Time
	size int
}

// State is the negotiation state of one connection.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateGatheringLocal
	StateOffered
	StateAnswered
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOffering:
		return "offering"
	case StateGatheringLocal:
		return "gathering-local"
	case StateOffered:
		return "offered"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Events surfaced to the session coordinator.
type Events struct {
	OnPeerConnected    func(peerID string, dc transport.DataChannel)
	OnPeerDisconnected func(peerID string)
	OnPeerFailed       func(peerID string, err error)
}

// connection tracks one remote peer's negotiation and link state.
type connection struct {
	id           string
	state        State
	pc           transport.PeerConnection
	dc           transport.DataChannel
	createdAt    time.Time
	lastActivity time.Time
}

// Manager discovers peers via presence records and negotiates direct
// connections to them, capped at maxDirectPeers.
type Manager struct {
	selfID         string
	factory        transport.Factory
	signal         *signaling.Channel
	iceServers     []transport.ICEServer
	maxDirectPeers int
	log            *logrus.Entry
	events         Events

	mu    sync.Mutex
	conns map[string]*connection

	bufMu    sync.Mutex
	buf      []bufferEntry
	bufBytes int64
}

// Option configures a Manager.
type Option func(*Manager)

func WithICEServers(servers []transport.ICEServer) Option {
	return func(m *Manager) { m.iceServers = servers }
}

func WithMaxDirectPeers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxDirectPeers = n
		}
	}
}

// New creates a Manager. selfID must sort deterministically against
// remote peer ids to decide who initiates (lexicographically smaller
// id offers).
func New(selfID string, factory transport.Factory, signal *signaling.Channel, log *logrus.Entry, events Events, opts ...Option) *Manager {
	m := &Manager{
		selfID:         selfID,
		factory:        factory,
		signal:         signal,
		maxDirectPeers: DefaultMaxDirectPeers,
		log:            log,
		events:         events,
		conns:          make(map[string]*connection),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Listen starts handling inbound signaling envelopes. Call once at
// startup, before any PeerDiscovered calls.
func (m *Manager) Listen(ctx context.Context) error {
	return m.signal.Listen(ctx, func(env signaling.Envelope) {
		m.handleEnvelope(ctx, env)
	})
}

// PeerDiscovered is called when a new peer record appears under
// rooms/peers. If selfID < peerID, this side initiates; otherwise it
// waits for an offer (spec's deterministic-initiator rule).
func (m *Manager) PeerDiscovered(ctx context.Context, peerID string) {
	if peerID == m.selfID {
		return
	}
	m.mu.Lock()
	if _, exists := m.conns[peerID]; exists {
		m.mu.Unlock()
		return
	}
	if len(m.conns) >= m.maxDirectPeers {
		m.mu.Unlock()
		m.log.WithField("peer", peerID).Warn("peer: max direct peers reached, ignoring discovery")
		return
	}
	m.mu.Unlock()

	if m.selfID < peerID {
		m.initiate(ctx, peerID)
	}
	// else: wait for their offer via handleEnvelope.
}

// PeerLeft tears down a connection when its presence record disappears.
func (m *Manager) PeerLeft(peerID string) {
	m.closeConn(peerID)
}

func (m *Manager) initiate(ctx context.Context, peerID string) {
	pc, err := m.factory.NewPeerConnection(m.iceServers)
	if err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: create connection failed")
		return
	}
	now := time.Now()
	conn := &connection{id: peerID, state: StateOffering, pc: pc, createdAt: now, lastActivity: now}
	m.mu.Lock()
	m.conns[peerID] = conn
	m.mu.Unlock()

	m.wireStateCallbacks(conn)

	dc, err := pc.CreateDataChannel("data")
	if err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: create data channel failed")
		m.closeConn(peerID)
		return
	}
	conn.dc = dc
	m.wireDataChannel(conn, dc)

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: create offer failed")
		m.closeConn(peerID)
		return
	}
	if err := pc.SetLocalDescription(ctx, offer); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: set local description failed")
		m.closeConn(peerID)
		return
	}

	conn.state = StateGatheringLocal
	if err := pc.WaitForICEGatheringComplete(ctx); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: ICE gathering failed")
		m.closeConn(peerID)
		return
	}

	conn.state = StateOffered
	if err := m.signal.Send(ctx, peerID, signaling.Envelope{
		Type: signaling.Offer,
		SDP:  signaling.SDP{Type: offer.Type, SDP: offer.SDP},
	}); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: send offer failed")
		m.closeConn(peerID)
	}
}

func (m *Manager) handleEnvelope(ctx context.Context, env signaling.Envelope) {
	switch env.Type {
	case signaling.Offer:
		m.handleOffer(ctx, env)
	case signaling.Answer:
		m.handleAnswer(ctx, env)
	}
}

func (m *Manager) handleOffer(ctx context.Context, env signaling.Envelope) {
	peerID := env.From
	m.mu.Lock()
	if _, exists := m.conns[peerID]; exists {
		m.mu.Unlock()
		m.log.WithField("peer", peerID).Debug("peer: ignoring duplicate offer")
		return
	}
	if len(m.conns) >= m.maxDirectPeers {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	pc, err := m.factory.NewPeerConnection(m.iceServers)
	if err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: create connection failed")
		return
	}
	now := time.Now()
	conn := &connection{id: peerID, state: StateOffering, pc: pc, createdAt: now, lastActivity: now}
	m.mu.Lock()
	m.conns[peerID] = conn
	m.mu.Unlock()

	m.wireStateCallbacks(conn)
	pc.OnDataChannel(func(dc transport.DataChannel) {
		conn.dc = dc
		m.wireDataChannel(conn, dc)
	})

	if err := pc.SetRemoteDescription(ctx, transport.SessionDescription{Type: env.SDP.Type, SDP: env.SDP.SDP}); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: set remote description failed")
		m.closeConn(peerID)
		return
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: create answer failed")
		m.closeConn(peerID)
		return
	}
	if err := pc.SetLocalDescription(ctx, answer); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: set local description failed")
		m.closeConn(peerID)
		return
	}

	conn.state = StateGatheringLocal
	if err := pc.WaitForICEGatheringComplete(ctx); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: ICE gathering failed")
		m.closeConn(peerID)
		return
	}

	conn.state = StateAnswered
	if err := m.signal.Send(ctx, peerID, signaling.Envelope{
		Type: signaling.Answer,
		SDP:  signaling.SDP{Type: answer.Type, SDP: answer.SDP},
	}); err != nil {
		m.log.WithError(err).WithField("peer", peerID).Warn("peer: send answer failed")
		m.closeConn(peerID)
	}
}

func (m *Manager) handleAnswer(ctx context.Context, env signaling.Envelope) {
	m.mu.Lock()
	conn, ok := m.conns[env.From]
	m.mu.Unlock()
	if !ok {
		m.log.WithField("peer", env.From).Debug("peer: answer for unknown connection")
		return
	}
	if err := conn.pc.SetRemoteDescription(ctx, transport.SessionDescription{Type: env.SDP.Type, SDP: env.SDP.SDP}); err != nil {
		m.log.WithError(err).WithField("peer", env.From).Warn("peer: set remote description failed")
		m.closeConn(env.From)
	}
}

func (m *Manager) wireStateCallbacks(conn *connection) {
	conn.pc.OnConnectionStateChange(func(s transport.ConnectionState) {
		switch s {
		case transport.StateConnected:
			m.mu.Lock()
			conn.state = StateConnected
			m.mu.Unlock()
			if m.events.OnPeerConnected != nil && conn.dc != nil {
				m.events.OnPeerConnected(conn.id, conn.dc)
			}
		case transport.StateFailed:
			if m.events.OnPeerFailed != nil {
				m.events.OnPeerFailed(conn.id, errors.New("peer: connection failed"))
			}
			m.closeConn(conn.id)
		case transport.StateDisconnected, transport.StateClosed:
			m.closeConn(conn.id)
		}
	})
}

func (m *Manager) wireDataChannel(conn *connection, dc transport.DataChannel) {
	dc.OnClose(func() { m.closeConn(conn.id) })
	dc.OnError(func(err error) {
		if m.events.OnPeerFailed != nil {
			m.events.OnPeerFailed(conn.id, err)
		}
	})
}

func (m *Manager) closeConn(peerID string) {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	conn.state = StateClosing
	delete(m.conns, peerID)
	m.mu.Unlock()

	if conn.pc != nil {
		_ = conn.pc.Close()
	}
	conn.state = StateClosed
	if m.events.OnPeerDisconnected != nil {
		m.events.OnPeerDisconnected(peerID)
	}
}

// Broadcast sends data to every currently connected peer, logging (not
// propagating) individual send failures.
func (m *Manager) Broadcast(data []byte) {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		if c.dc == nil || c.dc.ReadyState() != "open" {
			continue
		}
		if err := c.dc.Send(data); err != nil {
			m.log.WithError(err).WithField("peer", c.id).Warn("peer: broadcast send failed")
			continue
		}
		m.recordSent(len(data))
		m.touch(c.id)
	}
}

// Send transmits data to one connected peer, returning an error if it
// is not currently connected.
func (m *Manager) Send(peerID string, data []byte) error {
	m.mu.Lock()
	conn, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok || conn.dc == nil || conn.dc.ReadyState() != "open" {
		return errors.Errorf("peer: %s not connected", peerID)
	}
	if err := conn.dc.Send(data); err != nil {
		return err
	}
	m.recordSent(len(data))
	m.touch(peerID)
	return nil
}

// Touch marks peerID as having had activity just now. The session
// coordinator calls this on every inbound data-channel message so the
// stale-connection sweep doesn't tear down a link that is only quiet
// in the outbound direction.
func (m *Manager) Touch(peerID string) {
	m.touch(peerID)
}

func (m *Manager) touch(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[peerID]; ok {
		conn.lastActivity = time.Now()
	}
}

// SweepStale tears down connections that have exceeded the
// stale-connection or idle-peer timeouts: a StateConnected link with no
// activity in StaleConnectionTimeout, or any other-state connection
// older than IdlePeerTimeout (stuck negotiating, never reaching
// connected).
func (m *Manager) SweepStale() {
	now := time.Now()
	m.mu.Lock()
	var stale []string
	for id, c := range m.conns {
		switch {
		case c.state == StateConnected && now.Sub(c.lastActivity) > StaleConnectionTimeout:
			stale = append(stale, id)
		case c.state != StateConnected && now.Sub(c.createdAt) > IdlePeerTimeout:
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.log.WithField("peer", id).Debug("peer: sweeping stale connection")
		m.closeConn(id)
	}
}

// recordSent appends one entry to the bounded outbound message buffer,
// evicting by age, count ceiling and byte ceiling (whichever trims
// first), per this engine's message-buffer memory policy.
func (m *Manager) recordSent(size int) {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()

	m.buf = append(m.buf, bufferEntry{at: time.Now(), size: size})
	m.bufBytes += int64(size)

	cutoff := time.Now().Add(-MessageBufferRetention)
	for len(m.buf) > 0 && (m.buf[0].at.Before(cutoff) || len(m.buf) > MaxMessageBufferEntries || m.bufBytes > MaxMessageBufferBytes) {
		m.bufBytes -= int64(m.buf[0].size)
		m.buf = m.buf[1:]
	}
}

// MessageBufferBytes returns the total size in bytes of sends currently
// retained in the bounded outbound message buffer.
func (m *Manager) MessageBufferBytes() int64 {
	m.bufMu.Lock()
	defer m.bufMu.Unlock()
	return m.bufBytes
}

// ConnectedCount returns the number of peers currently in StateConnected.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		if c.state == StateConnected {
			n++
		}
	}
	return n
}

// CloseAll tears down every connection, for use at session shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.closeConn(id)
	}
}
