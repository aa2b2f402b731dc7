// Package etcdsubstrate adapts an etcd cluster to the substrate.Substrate
// contract: hierarchical paths map to "/"-joined etcd key prefixes,
// JSON-encoded values, leases provide auto-remove-on-disconnect, and
// etcd's watch API drives child-added/child-removed callbacks.
package etcdsubstrate

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/estuary/collab-core/substrate"
)

// DefaultLeaseTTL bounds how long an auto-remove binding survives
// after its last keep-alive.
const DefaultLeaseTTL = 20 * time.Second

// Substrate adapts *clientv3.Client to substrate.Substrate.
type Substrate struct {
	client   *clientv3.Client
	leaseTTL time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	leases  map[string]clientv3.LeaseID // path -> bound lease
	cancels []context.CancelFunc
}

// New wraps an already-connected etcd client.
func New(client *clientv3.Client, log *logrus.Entry) *Substrate {
	return &Substrate{
		client:   client,
		leaseTTL: DefaultLeaseTTL,
		log:      log,
		leases:   make(map[string]clientv3.LeaseID),
	}
}

func key(path string) string {
	return "/" + strings.Trim(path, "/")
}

func childKey(path, child string) string {
	return key(path) + "/" + child
}

func (s *Substrate) Read(ctx context.Context, path string) (map[string]any, bool, error) {
	resp, err := s.client.Get(ctx, key(path))
	if err != nil {
		return nil, false, errors.Wrap(err, "etcdsubstrate: get")
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Kvs[0].Value, &out); err != nil {
		return nil, false, errors.Wrap(err, "etcdsubstrate: decode")
	}
	return out, true, nil
}

func (s *Substrate) Write(ctx context.Context, path string, value map[string]any) error {
	raw, err := json.Marshal(resolveTimestamps(value))
	if err != nil {
		return errors.Wrap(err, "etcdsubstrate: encode")
	}

	s.mu.Lock()
	lease, bound := s.leases[path]
	s.mu.Unlock()

	opts := []clientv3.OpOption{}
	if bound {
		opts = append(opts, clientv3.WithLease(lease))
	}
	if _, err := s.client.Put(ctx, key(path), string(raw), opts...); err != nil {
		return errors.Wrap(err, "etcdsubstrate: put")
	}
	return nil
}

func (s *Substrate) Remove(ctx context.Context, path string) error {
	if _, err := s.client.Delete(ctx, key(path)); err != nil {
		return errors.Wrap(err, "etcdsubstrate: delete")
	}
	if _, err := s.client.Delete(ctx, key(path)+"/", clientv3.WithPrefix()); err != nil {
		return errors.Wrap(err, "etcdsubstrate: delete children")
	}
	return nil
}

func (s *Substrate) PushChild(ctx context.Context, path string, value map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.Write(ctx, childKey(path, id), value); err != nil {
		return "", err
	}
	return path + "/" + id, nil
}

func (s *Substrate) SubscribeChildAdded(path string, cb substrate.ChildAddedFunc) (substrate.Subscription, error) {
	existing, err := s.client.Get(context.Background(), key(path)+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "etcdsubstrate: list existing children")
	}
	for _, kv := range existing.Kvs {
		var val map[string]any
		if err := json.Unmarshal(kv.Value, &val); err != nil {
			continue
		}
		cb(lastSegment(string(kv.Key)), val)
	}

	return s.watch(path, func(ev *clientv3.Event) {
		if !ev.IsCreate() {
			return
		}
		child := lastSegment(string(ev.Kv.Key))
		var val map[string]any
		if err := json.Unmarshal(ev.Kv.Value, &val); err != nil {
			s.log.WithError(err).Warn("etcdsubstrate: malformed child value")
			return
		}
		cb(child, val)
	}, path)
}

func (s *Substrate) SubscribeChildRemoved(path string, cb substrate.ChildRemovedFunc) (substrate.Subscription, error) {
	return s.watch(path, func(ev *clientv3.Event) {
		if ev.Type != clientv3.EventTypeDelete {
			return
		}
		cb(lastSegment(string(ev.Kv.Key)))
	}, path)
}

func (s *Substrate) watch(path string, handle func(*clientv3.Event), label string) (substrate.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	watchCh := s.client.Watch(ctx, key(path)+"/", clientv3.WithPrefix())

	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	go func() {
		for resp := range watchCh {
			if err := resp.Err(); err != nil {
				s.log.WithError(err).WithField("path", label).Warn("etcdsubstrate: watch error")
				continue
			}
			for _, ev := range resp.Events {
				handle(ev)
			}
		}
	}()

	return cancelSubscription(cancel), nil
}

type cancelSubscription context.CancelFunc

func (c cancelSubscription) Unsubscribe() { c() }

// BindAutoRemoveOnDisconnect grants a lease with DefaultLeaseTTL,
// attaches it to subsequent writes at path, and starts a keep-alive
// loop; if the process dies, the lease expires and etcd removes the
// key on its own.
func (s *Substrate) BindAutoRemoveOnDisconnect(ctx context.Context, path string) error {
	lease, err := s.client.Grant(ctx, int64(s.leaseTTL.Seconds()))
	if err != nil {
		return errors.Wrap(err, "etcdsubstrate: grant lease")
	}

	keepAlive, err := s.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "etcdsubstrate: keepalive")
	}

	s.mu.Lock()
	s.leases[path] = lease.ID
	s.mu.Unlock()

	go func() {
		for range keepAlive {
			// drain; etcd's client refreshes the lease on our behalf.
		}
	}()
	return nil
}

// QueryLessOrEqual scans children of path and returns those whose field
// is numeric and <= v.
func (s *Substrate) QueryLessOrEqual(ctx context.Context, path, field string, v float64) (map[string]map[string]any, error) {
	resp, err := s.client.Get(ctx, key(path)+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "etcdsubstrate: range get")
	}
	out := make(map[string]map[string]any)
	for _, kv := range resp.Kvs {
		var val map[string]any
		if err := json.Unmarshal(kv.Value, &val); err != nil {
			continue
		}
		f, ok := toFloat(val[field])
		if !ok || f > v {
			continue
		}
		out[lastSegment(string(kv.Key))] = val
	}
	return out, nil
}

// Close cancels every active watch.
func (s *Substrate) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

func lastSegment(k string) string {
	idx := strings.LastIndex(k, "/")
	if idx < 0 {
		return k
	}
	return k[idx+1:]
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func resolveTimestamps(value map[string]any) map[string]any {
	out := make(map[string]any, len(value))
	for k, v := range value {
		if v == substrate.ServerTimestamp {
			out[k] = time.Now().UnixMilli()
			continue
		}
		out[k] = v
	}
	return out
}
