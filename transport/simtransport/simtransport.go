// Package simtransport is an in-process fake of the transport package's
// RTC contract, used by this engine's own tests in place of a real
// browser RTCPeerConnection. Offer/answer SDP strings are opaque tokens
// used only to find the matching peer within a Network; there is no real
// ICE or SCTP underneath.
package simtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/estuary/collab-core/transport"
)

// Network is a shared fake signaling fabric: offers created by one
// PeerConnection are resolved by SDP token when another PeerConnection
// sets that SDP as its remote description, exactly mimicking how real
// SDP is opaque to the transport but carries enough to pair two sides
// once relayed out-of-band (here: via signaling.Channel in tests).
type Network struct {
	mu      sync.Mutex
	pending map[string]*peerConn // sdp token -> offering side
}

// NewNetwork creates an empty fake network.
func NewNetwork() *Network { return &Network{pending: make(map[string]*peerConn)} }

// Factory returns a transport.Factory whose connections register
// themselves on n.
func (n *Network) Factory() transport.Factory { return &factory{net: n} }

type factory struct{ net *Network }

func (f *factory) NewPeerConnection(_ []transport.ICEServer) (transport.PeerConnection, error) {
	return &peerConn{net: f.net}, nil
}

type peerConn struct {
	net  *Network
	mu   sync.Mutex
	peer *peerConn
	ch   *dataChannel

	dcCbs    []func(transport.DataChannel)
	stateCbs []func(transport.ConnectionState)

	localSet, remoteSet bool
	offerToken          string
	closed              bool
}

func (c *peerConn) CreateDataChannel(_ string) (transport.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = newDataChannel()
	return c.ch, nil
}

func (c *peerConn) OnDataChannel(cb func(transport.DataChannel)) {
	c.mu.Lock()
	c.dcCbs = append(c.dcCbs, cb)
	c.mu.Unlock()
}

func (c *peerConn) CreateOffer(_ context.Context) (transport.SessionDescription, error) {
	token := "offer:" + uuid.NewString()
	c.mu.Lock()
	c.offerToken = token
	c.mu.Unlock()
	c.net.mu.Lock()
	c.net.pending[token] = c
	c.net.mu.Unlock()
	return transport.SessionDescription{Type: "offer", SDP: token}, nil
}

func (c *peerConn) CreateAnswer(_ context.Context) (transport.SessionDescription, error) {
	token := "answer:" + uuid.NewString()
	return transport.SessionDescription{Type: "answer", SDP: token}, nil
}

func (c *peerConn) SetLocalDescription(_ context.Context, _ transport.SessionDescription) error {
	c.mu.Lock()
	c.localSet = true
	c.mu.Unlock()
	return nil
}

// SetRemoteDescription is where pairing happens: an answer finalizes a
// link the responder already made when it read the offer; an offer
// (read by the responder) looks up and links to the initiator.
func (c *peerConn) SetRemoteDescription(_ context.Context, desc transport.SessionDescription) error {
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()

	if desc.Type != "offer" {
		c.maybeConnect()
		c.mu.Lock()
		other := c.peer
		c.mu.Unlock()
		if other != nil {
			other.maybeConnect()
		}
		return nil
	}

	c.net.mu.Lock()
	other, ok := c.net.pending[desc.SDP]
	c.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("simtransport: unknown offer token %q", desc.SDP)
	}
	c.link(other)
	other.maybeConnect()
	c.maybeConnect()
	return nil
}

func (c *peerConn) link(other *peerConn) {
	c.mu.Lock()
	c.peer = other
	myCh := c.ch
	c.mu.Unlock()

	other.mu.Lock()
	other.peer = c
	otherCh := other.ch
	other.mu.Unlock()

	// The offering side created a data channel before the offer was ever
	// read; mirror it onto the responder and fire its OnDataChannel
	// callbacks, mirroring how a real responder receives its data channel
	// via RTCPeerConnection.ondatachannel.
	if myCh != nil && otherCh == nil {
		mirror := newDataChannel()
		mirror.remote = myCh
		myCh.remote = mirror
		other.mu.Lock()
		other.ch = mirror
		cbs := append([]func(transport.DataChannel)(nil), other.dcCbs...)
		other.mu.Unlock()
		for _, cb := range cbs {
			cb(mirror)
		}
	}
}

func (c *peerConn) maybeConnect() {
	c.mu.Lock()
	ready := c.peer != nil && c.localSet && c.remoteSet && !c.closed
	cbs := append([]func(transport.ConnectionState)(nil), c.stateCbs...)
	ch := c.ch
	c.mu.Unlock()
	if !ready {
		return
	}
	for _, cb := range cbs {
		cb(transport.StateConnected)
	}
	if ch != nil {
		ch.open()
	}
}

func (c *peerConn) WaitForICEGatheringComplete(_ context.Context) error { return nil }

func (c *peerConn) OnConnectionStateChange(cb func(transport.ConnectionState)) {
	c.mu.Lock()
	c.stateCbs = append(c.stateCbs, cb)
	c.mu.Unlock()
}

func (c *peerConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.ch
	cbs := append([]func(transport.ConnectionState)(nil), c.stateCbs...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(transport.StateClosed)
	}
	if ch != nil {
		_ = ch.Close()
	}
	return nil
}

// dataChannel is a bidirectional link; Send on one side invokes the
// OnMessage callbacks registered on the other.
type dataChannel struct {
	mu         sync.Mutex
	remote     *dataChannel
	state      string
	onOpen     []func()
	onMessage  []func([]byte)
	onClose    []func()
}

func newDataChannel() *dataChannel { return &dataChannel{state: "connecting"} }

func (d *dataChannel) open() {
	d.mu.Lock()
	d.state = "open"
	cbs := append([]func()(nil), d.onOpen...)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (d *dataChannel) Send(data []byte) error {
	d.mu.Lock()
	remote := d.remote
	d.mu.Unlock()
	if remote == nil {
		return fmt.Errorf("simtransport: channel not linked")
	}
	remote.mu.Lock()
	cbs := append([]func([]byte)(nil), remote.onMessage...)
	remote.mu.Unlock()
	for _, cb := range cbs {
		cb(data)
	}
	return nil
}

func (d *dataChannel) OnOpen(cb func())            { d.mu.Lock(); d.onOpen = append(d.onOpen, cb); d.mu.Unlock() }
func (d *dataChannel) OnMessage(cb func([]byte))   { d.mu.Lock(); d.onMessage = append(d.onMessage, cb); d.mu.Unlock() }
func (d *dataChannel) OnClose(cb func())           { d.mu.Lock(); d.onClose = append(d.onClose, cb); d.mu.Unlock() }
func (d *dataChannel) OnError(func(error))         {}
func (d *dataChannel) ReadyState() string          { d.mu.Lock(); defer d.mu.Unlock(); return d.state }

func (d *dataChannel) Close() error {
	d.mu.Lock()
	d.state = "closed"
	cbs := append([]func()(nil), d.onClose...)
	d.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
	return nil
}
