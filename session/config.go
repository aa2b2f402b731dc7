package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/estuary/collab-core/pathlayout"
	"github.com/estuary/collab-core/replica"
	"github.com/estuary/collab-core/substrate"
	"github.com/estuary/collab-core/transport"
)

// Config is the construction contract for a Coordinator. Substrate,
// Document, Awareness and Factory are external collaborators supplied
// by the host application (or by one of this module's in-memory
// simulators in tests).
type Config struct {
	SelfID string
	Paths  pathlayout.Config

	Substrate substrate.Substrate
	Document  replica.Document
	Awareness replica.Awareness
	Factory   transport.Factory

	ICEServers     []transport.ICEServer
	MaxDirectPeers int

	HeartbeatInterval  time.Duration
	StalePeerThreshold time.Duration
	CleanupInterval    time.Duration

	SnapshotDebounce time.Duration
	BackstopInterval time.Duration

	BatchWindow       time.Duration
	BroadcastThrottle time.Duration

	CompressionThreshold int

	Logger *logrus.Entry
}

// Copy returns a shallow copy of c, in the idiom of this codebase's
// other configuration structs.
func (c Config) Copy() Config {
	out := c
	out.ICEServers = append([]transport.ICEServer(nil), c.ICEServers...)
	return out
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if c.SelfID == "" {
		c.SelfID = uuid.NewString()
	}
	if c.MaxDirectPeers <= 0 {
		c.MaxDirectPeers = 20
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Minute
	}
	if c.StalePeerThreshold <= 0 {
		c.StalePeerThreshold = 10 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.SnapshotDebounce <= 0 {
		c.SnapshotDebounce = 2 * time.Second
	}
	if c.BackstopInterval <= 0 {
		c.BackstopInterval = 15 * time.Second
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 50 * time.Millisecond
	}
	if c.BroadcastThrottle <= 0 {
		c.BroadcastThrottle = 100 * time.Millisecond
	}
}

// validate reports missing required collaborators. SelfID is not
// checked here: applyDefaults fills it with a fresh random id before
// validate ever runs.
func (c Config) validate() error {
	switch {
	case c.Substrate == nil:
		return errConfig("Substrate is required")
	case c.Document == nil:
		return errConfig("Document is required")
	case c.Awareness == nil:
		return errConfig("Awareness is required")
	case c.Factory == nil:
		return errConfig("Factory is required")
	}
	return nil
}

type configError string

func (e configError) Error() string { return "session: " + string(e) }

func errConfig(msg string) error { return configError(msg) }
