package awareness

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
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeBroadcaster) Broadcast(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, data)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeBroadcaster) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[len(f.msgs)-1]
}

func TestLocalFieldChangeIsThrottledIntoOneBroadcast(t *testing.T) {
	var aw = memreplica.NewAwareness(1)
	var framer = framing.New("a", 0, discardLog())
	var bcast = &fakeBroadcaster{}
	var p = New(aw, framer, codec.New(1<<20), bcast, discardLog())
	defer p.Close()

	aw.SetLocalField("name", "ada")
	aw.SetLocalField("color", "blue")

	assert.Equal(t, 0, bcast.count())
	time.Sleep(DefaultBroadcastThrottle + 50*time.Millisecond)
	assert.Equal(t, 1, bcast.count(), "two field changes within the throttle window should coalesce into one broadcast")
}

func TestApplyInboundAppliesToSharedAwareness(t *testing.T) {
	var local = memreplica.NewAwareness(1)
	local.SetLocalField("name", "ada")
	var update, err = local.EncodeUpdate([]uint64{1})
	require.NoError(t, err)

	var remoteAw = memreplica.NewAwareness(2)
	var framer = framing.New("b", 0, discardLog())
	var bcast = &fakeBroadcaster{}
	var p = New(remoteAw, framer, codec.New(1<<20), bcast, discardLog())
	defer p.Close()

	var envs, berr = framer.BuildOutbound(framing.KindAwareness, update, false)
	require.NoError(t, berr)
	require.Len(t, envs, 1)

	var applied, ok, rerr = framer.Receive("peer-a", envs[0])
	require.NoError(t, rerr)
	require.True(t, ok)
	p.ApplyInbound("peer-a", applied)

	var states = remoteAw.States()
	state, stateOK := states[1].(map[string]any)
	require.True(t, stateOK)
	assert.Equal(t, "ada", state["name"])
}

func TestApplyInboundDecompressesWhenFlagged(t *testing.T) {
	var local = memreplica.NewAwareness(1)
	local.SetLocalField("bio", stringsRepeat("z", 400))
	var update, err = local.EncodeUpdate([]uint64{1})
	require.NoError(t, err)

	var cdc = codec.New(16)
	var compressed, isCompressed = cdc.Compress(update)
	require.True(t, isCompressed)

	var remoteAw = memreplica.NewAwareness(2)
	var framer = framing.New("b", 0, discardLog())
	var bcast = &fakeBroadcaster{}
	var p = New(remoteAw, framer, cdc, bcast, discardLog())
	defer p.Close()

	var envs, berr = framer.BuildOutbound(framing.KindAwareness, compressed, isCompressed)
	require.NoError(t, berr)
	require.Len(t, envs, 1)

	var applied, ok, rerr = framer.Receive("peer-a", envs[0])
	require.NoError(t, rerr)
	require.True(t, ok)
	p.ApplyInbound("peer-a", applied)

	var states = remoteAw.States()
	_, stateOK := states[1].(map[string]any)
	assert.True(t, stateOK)
}

func TestPeerLeftRemovesStatesFromSharedAwareness(t *testing.T) {
	var aw = memreplica.NewAwareness(1)
	aw.SetLocalField("x", 1)
	var framer = framing.New("a", 0, discardLog())
	var bcast = &fakeBroadcaster{}
	var p = New(aw, framer, codec.New(1<<20), bcast, discardLog())
	defer p.Close()

	p.PeerLeft([]uint64{1})

	var _, ok = aw.States()[1]
	assert.False(t, ok)
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
