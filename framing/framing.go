// Package framing implements the wire envelopes exchanged over a peer's
// data channel: sync, sync-chunk and awareness, with chunking and
// reassembly.
package framing

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Defaults for chunk sizing.
const (
	MaxChunkSize    = 32 * 1024
	ChunkHeaderSize = 256
	MinOutboundSize = 3 // skip policy: updates smaller than this are no-ops
)

// Kind enumerates the three envelope types.
type Kind string

const (
	KindSync      Kind = "sync"
	KindSyncChunk Kind = "sync-chunk"
	KindAwareness Kind = "awareness"
)

// envelope is the on-wire JSON shape; fields unused by a given Kind are
// simply omitted by omitempty.
type envelope struct {
	Type        Kind   `json:"type"`
	Update      []byte `json:"update,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Chunk       int    `json:"chunk,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Compressed  bool   `json:"compressed,omitempty"`
}

// reassembly tracks partial chunks for one in-flight chunked message.
type reassembly struct {
	chunks      [][]byte
	totalChunks int
	received    int
	compressed  bool
}

// Framer builds outbound envelopes and reassembles inbound ones. One
// Framer instance is shared across all peers of a session; reassembly
// state is keyed by (peer, messageId).
type Framer struct {
	selfID        string
	maxChunkSize  int
	log           *logrus.Entry

	mu       sync.Mutex
	buffers  map[string]*lru.Cache[string, *reassembly] // peer -> messageId -> reassembly
}

// New creates a Framer. maxChunkSize <= 0 uses MaxChunkSize.
func New(selfID string, maxChunkSize int, log *logrus.Entry) *Framer {
	if maxChunkSize <= 0 {
		maxChunkSize = MaxChunkSize
	}
	return &Framer{
		selfID:       selfID,
		maxChunkSize: maxChunkSize,
		log:          log,
		buffers:      make(map[string]*lru.Cache[string, *reassembly]),
	}
}

func envelopeOverhead(kind Kind) int {
	// A few reserved bytes for the JSON scaffolding beyond the chunk
	// header itself; sync-chunk carries the most fields.
	switch kind {
	case KindSyncChunk:
		return 64
	default:
		return 16
	}
}

func (f *Framer) budget(kind Kind) int {
	b := f.maxChunkSize - ChunkHeaderSize - envelopeOverhead(kind)
	if b <= 0 {
		b = 1
	}
	return b
}

// BuildOutbound returns one or more wire-ready JSON envelopes for
// payload. A sync payload over the size budget is split into sync-chunk
// envelopes; an awareness payload over the budget is rejected with an
// error. Sync payloads smaller than MinOutboundSize are dropped per the
// skip policy; awareness payloads are not dropped for being small.
func (f *Framer) BuildOutbound(kind Kind, payload []byte, compressed bool) ([][]byte, error) {
	if kind != KindAwareness && len(payload) < MinOutboundSize {
		return nil, nil
	}

	budget := f.budget(kind)
	if len(payload) <= budget {
		env := envelope{Type: kind, Update: payload, Compressed: compressed}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		return [][]byte{b}, nil
	}

	// awareness payloads are never chunked: the chunk-reassembly path
	// always reconstitutes a KindSync envelope (see receiveChunk), so
	// chunking an oversized awareness update would silently hand it to
	// the document instead of awareness. Bounded by MAX_AWARENESS_STATES
	// and compressed first, an awareness payload exceeding the budget
	// means one of those bounds is misconfigured; reject it instead.
	if kind == KindAwareness {
		return nil, errors.Errorf("framing: awareness payload of %d bytes exceeds the %d-byte budget", len(payload), budget)
	}

	total := (len(payload) + budget - 1) / budget
	messageID := fmt.Sprintf("%s-%d", f.selfID, time.Now().UnixNano())
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * budget
		end := start + budget
		if end > len(payload) {
			end = len(payload)
		}
		env := envelope{
			Type:        KindSyncChunk,
			MessageID:   messageID,
			Chunk:       i,
			TotalChunks: total,
			Update:      payload[start:end],
			Compressed:  compressed,
		}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Applied describes one fully-received payload ready for the caller to
// hand to the document or awareness replica.
type Applied struct {
	Kind       Kind
	Payload    []byte
	Compressed bool
}

// Receive decodes one inbound wire message from peerID. It returns ok=false
// (with no error) if the message is a partial chunk still awaiting
// siblings, or if it was a malformed message dropped per the decode-error
// policy.
func (f *Framer) Receive(peerID string, raw []byte) (Applied, bool, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.log.WithError(err).WithField("peer", peerID).Warn("framing: dropping malformed envelope")
		return Applied{}, false, nil
	}

	switch env.Type {
	case KindSync:
		return Applied{Kind: KindSync, Payload: env.Update, Compressed: env.Compressed}, true, nil
	case KindAwareness:
		return Applied{Kind: KindAwareness, Payload: env.Update, Compressed: env.Compressed}, true, nil
	case KindSyncChunk:
		return f.receiveChunk(peerID, env)
	default:
		f.log.WithField("peer", peerID).Warn("framing: dropping unknown envelope type")
		return Applied{}, false, nil
	}
}

func (f *Framer) receiveChunk(peerID string, env envelope) (Applied, bool, error) {
	if env.MessageID == "" || env.TotalChunks <= 0 || env.Chunk < 0 || env.Chunk >= env.TotalChunks {
		f.log.WithField("peer", peerID).Warn("framing: dropping chunk with out-of-range index")
		return Applied{}, false, nil
	}

	f.mu.Lock()
	peerBuf, ok := f.buffers[peerID]
	if !ok {
		var err error
		peerBuf, err = lru.New[string, *reassembly](4096)
		if err != nil {
			f.mu.Unlock()
			return Applied{}, false, err
		}
		f.buffers[peerID] = peerBuf
	}
	r, ok := peerBuf.Get(env.MessageID)
	if !ok {
		r = &reassembly{chunks: make([][]byte, env.TotalChunks), totalChunks: env.TotalChunks, compressed: env.Compressed}
		peerBuf.Add(env.MessageID, r)
	}
	if r.chunks[env.Chunk] == nil {
		r.chunks[env.Chunk] = env.Update
		r.received++
	}
	done := r.received == r.totalChunks
	var combined []byte
	var compressed bool
	if done {
		combined = combineChunks(r.chunks)
		compressed = r.compressed
		peerBuf.Remove(env.MessageID)
	}
	f.mu.Unlock()

	if !done {
		return Applied{}, false, nil
	}
	return Applied{Kind: KindSync, Payload: combined, Compressed: compressed}, true, nil
}

func combineChunks(chunks [][]byte) []byte {
	idx := make([]int, len(chunks))
	for i := range idx {
		idx[i] = i
	}
	sort.Ints(idx) // chunks is already index-ordered by slice position
	var out []byte
	for _, i := range idx {
		out = append(out, chunks[i]...)
	}
	return out
}

// ReleasePeer drops all reassembly state for peerID, called on peer
// teardown.
func (f *Framer) ReleasePeer(peerID string) {
	f.mu.Lock()
	delete(f.buffers, peerID)
	f.mu.Unlock()
}
