package peer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuary/collab-core/signaling"
	"github.com/estuary/collab-core/substrate/memsubstrate"
	"github.com/estuary/collab-core/transport"
	"github.com/estuary/collab-core/transport/simtransport"
)

func discardLog() *logrus.Entry {
	var l = logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	var deadline = time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	assert.True(t, cond(), "condition not met within %s", timeout)
}

func TestLowerSelfIDInitiatesAndBothReachConnected(t *testing.T) {
	var ctx = context.Background()
	var sub = memsubstrate.New()
	var net = simtransport.NewNetwork()

	var signalA = signaling.New(sub, "signaling/doc-1", "a", discardLog())
	var signalB = signaling.New(sub, "signaling/doc-1", "b", discardLog())

	var connectedA, connectedB []string
	var mgrA = New("a", net.Factory(), signalA, discardLog(), Events{
		OnPeerConnected: func(peerID string, _ transport.DataChannel) { connectedA = append(connectedA, peerID) },
	})
	var mgrB = New("b", net.Factory(), signalB, discardLog(), Events{
		OnPeerConnected: func(peerID string, _ transport.DataChannel) { connectedB = append(connectedB, peerID) },
	})

	require.NoError(t, mgrA.Listen(ctx))
	require.NoError(t, mgrB.Listen(ctx))

	mgrA.PeerDiscovered(ctx, "b")
	mgrB.PeerDiscovered(ctx, "a")

	waitFor(t, time.Second, func() bool { return mgrA.ConnectedCount() == 1 && mgrB.ConnectedCount() == 1 })
	assert.Equal(t, []string{"b"}, connectedA)
	assert.Equal(t, []string{"a"}, connectedB)
}

func TestHigherSelfIDWaitsForOffer(t *testing.T) {
	var ctx = context.Background()
	var sub = memsubstrate.New()
	var net = simtransport.NewNetwork()

	var signalA = signaling.New(sub, "signaling/doc-1", "a", discardLog())
	var signalB = signaling.New(sub, "signaling/doc-1", "b", discardLog())

	var mgrA = New("a", net.Factory(), signalA, discardLog(), Events{})
	var mgrB = New("b", net.Factory(), signalB, discardLog(), Events{})
	require.NoError(t, mgrA.Listen(ctx))
	require.NoError(t, mgrB.Listen(ctx))

	// Only b discovers a; since "a" < "b", b must stay idle (no offer
	// sent) and wait for a to initiate once it also discovers b.
	mgrB.PeerDiscovered(ctx, "a")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, mgrB.ConnectedCount())

	mgrA.PeerDiscovered(ctx, "b")
	waitFor(t, time.Second, func() bool { return mgrB.ConnectedCount() == 1 })
}

func TestPeerDiscoveredIgnoresSelf(t *testing.T) {
	var ctx = context.Background()
	var sub = memsubstrate.New()
	var net = simtransport.NewNetwork()
	var signalA = signaling.New(sub, "signaling/doc-1", "a", discardLog())
	var mgrA = New("a", net.Factory(), signalA, discardLog(), Events{})
	require.NoError(t, mgrA.Listen(ctx))

	mgrA.PeerDiscovered(ctx, "a")
	assert.Equal(t, 0, mgrA.ConnectedCount())
}

func TestMaxDirectPeersRejectsBeyondCap(t *testing.T) {
	var ctx = context.Background()
	var sub = memsubstrate.New()
	var net = simtransport.NewNetwork()
	var signalA = signaling.New(sub, "signaling/doc-1", "a", discardLog())
	var mgrA = New("a", net.Factory(), signalA, discardLog(), Events{}, WithMaxDirectPeers(1))
	require.NoError(t, mgrA.Listen(ctx))

	var signalB = signaling.New(sub, "signaling/doc-1", "b", discardLog())
	var mgrB = New("b", net.Factory(), signalB, discardLog(), Events{})
	require.NoError(t, mgrB.Listen(ctx))
	mgrA.PeerDiscovered(ctx, "b")
	mgrB.PeerDiscovered(ctx, "a")
	waitFor(t, time.Second, func() bool { return mgrA.ConnectedCount() == 1 })

	var signalC = signaling.New(sub, "signaling/doc-1", "c", discardLog())
	var mgrC = New("c", net.Factory(), signalC, discardLog(), Events{})
	require.NoError(t, mgrC.Listen(ctx))

	mgrA.PeerDiscovered(ctx, "c")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, mgrA.ConnectedCount(), "a peer table already at its cap must refuse a new discovery")
}

func TestCloseAllTearsDownAllConnections(t *testing.T) {
	var ctx = context.Background()
	var sub = memsubstrate.New()
	var net = simtransport.NewNetwork()
	var signalA = signaling.New(sub, "signaling/doc-1", "a", discardLog())
	var signalB = signaling.New(sub, "signaling/doc-1", "b", discardLog())

	var disconnected []string
	var mgrA = New("a", net.Factory(), signalA, discardLog(), Events{
		OnPeerDisconnected: func(peerID string) { disconnected = append(disconnected, peerID) },
	})
	var mgrB = New("b", net.Factory(), signalB, discardLog(), Events{})
	require.NoError(t, mgrA.Listen(ctx))
	require.NoError(t, mgrB.Listen(ctx))

	mgrA.PeerDiscovered(ctx, "b")
	mgrB.PeerDiscovered(ctx, "a")
	waitFor(t, time.Second, func() bool { return mgrA.ConnectedCount() == 1 })

	mgrA.CloseAll()
	assert.Equal(t, 0, mgrA.ConnectedCount())
	assert.Equal(t, []string{"b"}, disconnected)
}
