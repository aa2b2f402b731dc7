package update

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estuary/collab-core/codec"
	"github.com/estuary/collab-core/framing"
	"github.com/estuary/collab-core/replica/memreplica"
)

func discardLog() *logrus.Entry {
	var l = logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	broadcast [][]byte
	sent      map[string][][]byte
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{sent: make(map[string][][]byte)}
}

func (f *fakeBroadcaster) Broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, data)
}

func (f *fakeBroadcaster) Send(peerID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peerID] = append(f.sent[peerID], data)
	return nil
}

func (f *fakeBroadcaster) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcast)
}

func TestLocalUpdateIsBatchedAndBroadcastAfterWindow(t *testing.T) {
	var doc = memreplica.NewDocument("a")
	var framer = framing.New("a", 0, discardLog())
	var bcast = newFakeBroadcaster()
	var p = New(doc, framer, codec.New(1<<20), bcast, discardLog())
	p.WithBatchWindow(10 * time.Millisecond)
	defer p.Close()

	doc.Insert(memreplica.NodeID{}, 'h')
	doc.Insert(memreplica.NodeID{}, 'i')

	assert.Equal(t, 0, bcast.broadcastCount(), "updates must be batched, not sent immediately")
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, bcast.broadcastCount(), "two updates within the window should coalesce into one broadcast")
}

func TestRemoteOriginUpdateIsNotRebroadcast(t *testing.T) {
	var docA = memreplica.NewDocument("a")
	var docB = memreplica.NewDocument("b")
	docA.Insert(memreplica.NodeID{}, 'x')
	var upd = docA.EncodeStateAsUpdate()

	var framer = framing.New("b", 0, discardLog())
	var bcast = newFakeBroadcaster()
	var p = New(docB, framer, codec.New(1<<20), bcast, discardLog())
	p.WithBatchWindow(10 * time.Millisecond)
	defer p.Close()

	var applied, ok, err = framer.Receive("peer-a", mustBuildSync(t, framer, upd))
	require.NoError(t, err)
	require.True(t, ok)
	p.ApplyInbound("peer-a", applied)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, bcast.broadcastCount(), "applying a remote update must not trigger a rebroadcast")
	assert.Equal(t, "x", docB.Text())
}

func mustBuildSync(t *testing.T, f *framing.Framer, payload []byte) []byte {
	t.Helper()
	var envs, err = f.BuildOutbound(framing.KindSync, payload, false)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	return envs[0]
}

func TestSyncWithPeerSendsFullStateWhenNoVectorKnown(t *testing.T) {
	var doc = memreplica.NewDocument("a")
	doc.Insert(memreplica.NodeID{}, 'z')
	var framer = framing.New("a", 0, discardLog())
	var bcast = newFakeBroadcaster()
	var p = New(doc, framer, codec.New(1<<20), bcast, discardLog())
	defer p.Close()

	p.SyncWithPeer("peer-b")

	bcast.mu.Lock()
	var sentToB = bcast.sent["peer-b"]
	bcast.mu.Unlock()
	require.Len(t, sentToB, 1)

	var applied, ok, err = framer.Receive("peer-a-echo", sentToB[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, doc.EncodeStateAsUpdate(), applied.Payload)
}

func TestSyncWithPeerSendsOnlyDeltaOnSecondCall(t *testing.T) {
	var doc = memreplica.NewDocument("a")
	doc.Insert(memreplica.NodeID{}, 'a')
	var framer = framing.New("a", 0, discardLog())
	var bcast = newFakeBroadcaster()
	var p = New(doc, framer, codec.New(1<<20), bcast, discardLog())
	defer p.Close()

	p.SyncWithPeer("peer-b")
	doc.Insert(memreplica.NodeID{Seq: 1, Node: "a"}, 'b')
	p.SyncWithPeer("peer-b")

	bcast.mu.Lock()
	var sentToB = bcast.sent["peer-b"]
	bcast.mu.Unlock()
	require.Len(t, sentToB, 2)

	var applied, ok, err = framer.Receive("peer-b-echo", sentToB[1])
	require.NoError(t, err)
	require.True(t, ok)

	var replay = memreplica.NewDocument("replay")
	require.NoError(t, replay.ApplyUpdate(applied.Payload, "remote"))
	assert.Equal(t, "b", replay.Text(), "the second sync must carry only the insert made since the first")
}

func TestPeerLeftClearsTrackingAndReassemblyState(t *testing.T) {
	var doc = memreplica.NewDocument("a")
	doc.Insert(memreplica.NodeID{}, 'a')
	var framer = framing.New("a", 0, discardLog())
	var bcast = newFakeBroadcaster()
	var p = New(doc, framer, codec.New(1<<20), bcast, discardLog())
	defer p.Close()

	p.SyncWithPeer("peer-b")
	p.PeerLeft("peer-b")

	doc.Insert(memreplica.NodeID{Seq: 1, Node: "a"}, 'b')
	p.SyncWithPeer("peer-b")

	bcast.mu.Lock()
	var sentToB = bcast.sent["peer-b"]
	bcast.mu.Unlock()
	require.Len(t, sentToB, 2)

	var applied, ok, err = framer.Receive("peer-b-echo", sentToB[1])
	require.NoError(t, err)
	require.True(t, ok)

	var replay = memreplica.NewDocument("replay")
	require.NoError(t, replay.ApplyUpdate(applied.Payload, "remote"))
	assert.Equal(t, "ab", replay.Text(), "after PeerLeft, the next sync must resend full state, not a delta that omits the earlier insert")
}
