// Package snapshot implements load-on-start and debounced, dirty-gated
// persistence of the document's full state.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/estuary/collab-core/substrate"
)

// Defaults for debounce and backstop cadence.
const (
	DefaultDebounce        = 2 * time.Second
	DefaultBackstopInterval = 15 * time.Second
)

// Record is the durable snapshot document.
type Record struct {
	Update      string `json:"update"`      // base64
	StateVector string `json:"stateVector"` // base64
	UpdatedAt   int64  `json:"updatedAt"`
	Version     int    `json:"version"`
	Checksum    string `json:"checksum"` // lowercase hex sha256(update)
}

func (r Record) toMap() map[string]any {
	return map[string]any{
		"update":      r.Update,
		"stateVector": r.StateVector,
		"updatedAt":   r.UpdatedAt,
		"version":     r.Version,
		"checksum":    r.Checksum,
	}
}

func recordFromMap(m map[string]any) Record {
	var r Record
	if s, ok := m["update"].(string); ok {
		r.Update = s
	}
	if s, ok := m["stateVector"].(string); ok {
		r.StateVector = s
	}
	if n, ok := toInt64(m["updatedAt"]); ok {
		r.UpdatedAt = n
	}
	if n, ok := toInt64(m["version"]); ok {
		r.Version = int(n)
	}
	if s, ok := m["checksum"].(string); ok {
		r.Checksum = s
	}
	return r
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

// Checksum returns the lowercase hex SHA-256 of raw (pre-base64) bytes.
func Checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Store drives the load/debounced-save loop against a substrate.
type Store struct {
	sub    substrate.Substrate
	path   pathSet
	log    *logrus.Entry
	debounce time.Duration
	backstop time.Duration

	mu             sync.Mutex
	dirty          bool
	lastStateVec   []byte
	version        int
	timer          *time.Timer
	backstopTicker *time.Ticker
	stopCh         chan struct{}
	stopped        bool

	// encode/apply is supplied by the caller (the document replica) so
	// this package never depends on replica.Document directly, keeping
	// it testable without a real CRDT.
	encodeFullState func() []byte
	encodeVector    func() []byte
}

type pathSet struct {
	snapshotsLatest string
	legacyDocuments string
}

// Option configures a Store.
type Option func(*Store)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option { return func(s *Store) { s.debounce = d } }

// WithBackstop overrides DefaultBackstopInterval.
func WithBackstop(d time.Duration) Option { return func(s *Store) { s.backstop = d } }

// New creates a Store. snapshotsPath and legacyDocumentsPath come from
// pathlayout.Layout.Snapshots / .Documents. encodeFullState and
// encodeVector read the live document's current state.
func New(
	sub substrate.Substrate,
	snapshotsPath, legacyDocumentsPath string,
	encodeFullState, encodeVector func() []byte,
	log *logrus.Entry,
	opts ...Option,
) *Store {
	s := &Store{
		sub:             sub,
		path:            pathSet{snapshotsLatest: snapshotsPath + "/latest", legacyDocuments: legacyDocumentsPath},
		log:             log,
		debounce:        DefaultDebounce,
		backstop:        DefaultBackstopInterval,
		encodeFullState: encodeFullState,
		encodeVector:    encodeVector,
		stopCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load returns the persisted full-state bytes, preferring snapshots/latest
// and falling back to the legacy flat documents record.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	if v, ok, err := s.sub.Read(ctx, s.path.snapshotsLatest); err != nil {
		return nil, errors.Wrap(err, "snapshot: read latest")
	} else if ok {
		rec := recordFromMap(v)
		raw, err := base64.StdEncoding.DecodeString(rec.Update)
		if err != nil {
			return nil, errors.Wrap(err, "snapshot: decode update")
		}
		if len(rec.StateVector) > 0 {
			if sv, err := base64.StdEncoding.DecodeString(rec.StateVector); err == nil {
				s.mu.Lock()
				s.lastStateVec = sv
				s.version = rec.Version
				s.mu.Unlock()
			}
		}
		return raw, nil
	}

	if v, ok, err := s.sub.Read(ctx, s.path.legacyDocuments); err != nil {
		return nil, errors.Wrap(err, "snapshot: read legacy documents")
	} else if ok {
		if enc, ok := v["update"].(string); ok {
			raw, err := base64.StdEncoding.DecodeString(enc)
			if err != nil {
				return nil, errors.Wrap(err, "snapshot: decode legacy update")
			}
			return raw, nil
		}
	}
	return nil, nil
}

// MarkDirty schedules a debounced flush. Each call resets the timer
//, matching the local-update batching
// shape used elsewhere in this engine.
func (s *Store) MarkDirty(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.dirty = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.Flush(ctx); err != nil {
			s.log.WithError(err).Warn("snapshot: debounced flush failed")
		}
	})
}

// Flush compares the current state vector to the last persisted one and,
// if they differ, writes a new snapshot record. It is the only place a
// substrate write for a snapshot happens.
func (s *Store) Flush(ctx context.Context) error {
	sv := s.encodeVector()

	s.mu.Lock()
	unchanged := bytes.Equal(sv, s.lastStateVec)
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	full := s.encodeFullState()
	checksum := Checksum(full)

	s.mu.Lock()
	version := s.version
	s.mu.Unlock()

	rec := Record{
		Update:      base64.StdEncoding.EncodeToString(full),
		StateVector: base64.StdEncoding.EncodeToString(sv),
		UpdatedAt:   time.Now().UnixMilli(),
		Version:     version,
		Checksum:    checksum,
	}
	if err := s.sub.Write(ctx, s.path.snapshotsLatest, rec.toMap()); err != nil {
		return errors.Wrap(err, "snapshot: write latest")
	}

	s.mu.Lock()
	s.version = version + 1
	s.lastStateVec = sv
	s.dirty = false
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"version": version, "checksum": checksum}).Debug("snapshot: persisted")
	return nil
}

// Version returns the version the next successful write will carry: one
// more than the version of the last record this Store wrote, or, before
// any write, the version of the record found by Load (0 if none).
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Start runs the backstop ticker, which re-runs the same dirty check in
// case an update arrived during a persistence error window.
func (s *Store) Start(ctx context.Context) {
	s.backstopTicker = time.NewTicker(s.backstop)
	go func() {
		for {
			select {
			case <-s.backstopTicker.C:
				if err := s.Flush(ctx); err != nil {
					s.log.WithError(err).Warn("snapshot: backstop flush failed")
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the debounce timer and backstop ticker. Idempotent.
func (s *Store) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	if s.backstopTicker != nil {
		s.backstopTicker.Stop()
	}
	close(s.stopCh)
}

// SaveLabeled writes a labeled, retention-free snapshot.
func SaveLabeled(ctx context.Context, sub substrate.Substrate, snapshotsPath, label string, full, sv []byte, version int) error {
	rec := Record{
		Update:      base64.StdEncoding.EncodeToString(full),
		StateVector: base64.StdEncoding.EncodeToString(sv),
		UpdatedAt:   time.Now().UnixMilli(),
		Version:     version,
		Checksum:    Checksum(full),
	}
	path := snapshotsPath + "/" + label + "_" + time.Now().UTC().Format("20060102T150405.000000000Z")
	return sub.Write(ctx, path, rec.toMap())
}
