// Package transport declares the capability surface this engine requires
// of a WebRTC-style peer connection. The real transport
// (browser RTCPeerConnection) is an external collaborator and out of
// scope; this package is the seam the engine negotiates against.
package transport

import "context"

// GatheringState mirrors RTCIceGatheringState's terminal states.
type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringGathering
	GatheringComplete
)

// ConnectionState mirrors RTCPeerConnectionState.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateDisconnected
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "new"
	}
}

// SessionDescription mirrors RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string // "offer" | "answer"
	SDP  string
}

// ICEServer is one STUN/TURN server entry.
type ICEServer struct {
	URLs []string
}

// DataChannel is a named, ordered duplex channel.
type DataChannel interface {
	Send(data []byte) error
	OnOpen(func())
	OnMessage(func(data []byte))
	OnClose(func())
	OnError(func(error))
	ReadyState() string // "connecting" | "open" | "closing" | "closed"
	Close() error
}

// PeerConnection is one RTC connection to a remote peer.
type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(func(DataChannel))
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	// WaitForICEGatheringComplete blocks until gathering reaches
	// GatheringComplete (non-trickle ICE: no candidates are sent until
	// gathering finishes).
	WaitForICEGatheringComplete(ctx context.Context) error
	OnConnectionStateChange(func(ConnectionState))
	Close() error
}

// Factory creates PeerConnections configured with the given ICE servers.
type Factory interface {
	NewPeerConnection(servers []ICEServer) (PeerConnection, error)
}
