// Package presence implements the liveness-record announce/heartbeat/stop
// cycle and stale-peer GC.
package presence

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/estuary/collab-core/substrate"
)

// Defaults for heartbeat cadence and staleness.
const (
	DefaultHeartbeatInterval       = 5 * time.Minute
	DefaultStalePeerThreshold      = 10 * time.Minute
	DefaultCleanupInterval         = 5 * time.Minute
	DefaultMinVisibilityUpdateGap  = 2 * time.Minute
)

// Service owns one peer's presence record.
type Service struct {
	sub       substrate.Substrate
	roomsPath string
	selfID    string
	log       *logrus.Entry

	heartbeatInterval time.Duration
	stalePeerAge      time.Duration
	minVisibilityGap  time.Duration

	group         singleflight.Group
	lastVisibleAt time.Time
	ticker        *time.Ticker
	stopCh        chan struct{}
}

// Option configures a Service.
type Option func(*Service)

func WithHeartbeatInterval(d time.Duration) Option { return func(s *Service) { s.heartbeatInterval = d } }
func WithStalePeerThreshold(d time.Duration) Option { return func(s *Service) { s.stalePeerAge = d } }
func WithMinVisibilityGap(d time.Duration) Option   { return func(s *Service) { s.minVisibilityGap = d } }

// New creates a presence Service for selfID under roomsPath (the
// "rooms" root from pathlayout.Layout).
func New(sub substrate.Substrate, roomsPath, selfID string, log *logrus.Entry, opts ...Option) *Service {
	s := &Service{
		sub:               sub,
		roomsPath:         roomsPath,
		selfID:            selfID,
		log:               log,
		heartbeatInterval: DefaultHeartbeatInterval,
		stalePeerAge:      DefaultStalePeerThreshold,
		minVisibilityGap:  DefaultMinVisibilityUpdateGap,
		stopCh:            make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) peerPath(id string) string { return s.roomsPath + "/peers/" + id }

// Announce binds auto-remove-on-disconnect then writes the initial
// liveness record.
func (s *Service) Announce(ctx context.Context) error {
	_, err := s.heartbeatOnce(ctx)
	return err
}

// heartbeatOnce re-applies the auto-remove binding and the record write,
// serialized through a singleflight so at most one is ever in flight
//.
func (s *Service) heartbeatOnce(ctx context.Context) (any, error) {
	return s.group.Do("heartbeat", func() (any, error) {
		path := s.peerPath(s.selfID)
		if err := s.sub.BindAutoRemoveOnDisconnect(ctx, path); err != nil {
			return nil, errors.Wrap(err, "presence: bind auto-remove")
		}
		rec := map[string]any{"id": s.selfID, "lastSeen": time.Now().UnixMilli()}
		if err := s.sub.Write(ctx, path, rec); err != nil {
			return nil, errors.Wrap(err, "presence: write record")
		}
		return nil, nil
	})
}

// Heartbeat re-applies the binding and record on a fixed interval. Run this as a goroutine; it exits when Stop is called.
func (s *Service) Heartbeat(ctx context.Context) {
	s.ticker = time.NewTicker(s.heartbeatInterval)
	for {
		select {
		case <-s.ticker.C:
			if _, err := s.heartbeatOnce(ctx); err != nil {
				s.log.WithError(err).Warn("presence: heartbeat failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// OnVisibilityChange should be called whenever the host page's visibility
// transitions. On a transition to visible, if at least minVisibilityGap
// has elapsed since the last such update, a heartbeat is forced.
func (s *Service) OnVisibilityChange(ctx context.Context, visible bool) {
	if !visible {
		return
	}
	if time.Since(s.lastVisibleAt) < s.minVisibilityGap {
		return
	}
	s.lastVisibleAt = time.Now()
	if _, err := s.heartbeatOnce(ctx); err != nil {
		s.log.WithError(err).Warn("presence: visibility heartbeat failed")
	}
}

// Stop cancels the heartbeat ticker. Idempotent.
func (s *Service) Stop() {
	select {
	case <-s.stopCh:
		return // already stopped
	default:
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

// Remove deletes the liveness record, swallowing failures.
func (s *Service) Remove(ctx context.Context) {
	if err := s.sub.Remove(ctx, s.peerPath(s.selfID)); err != nil {
		s.log.WithError(err).Debug("presence: remove record failed (swallowed)")
	}
}

// CleanupStalePeers queries peers with lastSeen <= now-stalePeerAge and
// removes both their peer record and signaling inbox in parallel,
// logging (not propagating) any failure.
func (s *Service) CleanupStalePeers(ctx context.Context, signalingPath string) {
	cutoff := float64(time.Now().Add(-s.stalePeerAge).UnixMilli())
	stale, err := s.sub.QueryLessOrEqual(ctx, s.roomsPath+"/peers", "lastSeen", cutoff)
	if err != nil {
		s.log.WithError(err).Warn("presence: stale peer scan failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for id := range stale {
		id := id
		g.Go(func() error {
			if err := s.sub.Remove(gctx, s.peerPath(id)); err != nil {
				s.log.WithError(err).WithField("peer", id).Warn("presence: gc peer record failed")
			}
			if err := s.sub.Remove(gctx, signalingPath+"/"+id); err != nil {
				s.log.WithError(err).WithField("peer", id).Warn("presence: gc signaling inbox failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
