// Package memsubstrate is an in-process fake of substrate.Substrate, used
// by this engine's own tests in place of a real Firebase-style backend.
// It models child-added/removed fan-out and disconnect-bound removal
// synchronously, which is sufficient to exercise the engine's protocol
// logic without a network.
package memsubstrate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/estuary/collab-core/substrate"
)

type node struct {
	value    map[string]any
	children map[string]*node
}

func newNode() *node { return &node{children: make(map[string]*node)} }

// Substrate is an in-memory tree matching substrate.Substrate.
type Substrate struct {
	mu   sync.Mutex
	root *node

	addedSubs   map[string][]*childAddedSub
	removedSubs map[string][]*childRemovedSub

	// autoRemove maps a bound path to whether this "client" is still
	// connected; SimulateDisconnect sweeps these paths.
	autoRemove map[string]bool
}

type childAddedSub struct {
	id int
	cb func(key string, value map[string]any)
}

type childRemovedSub struct {
	id int
	cb func(key string)
}

// New creates an empty substrate.
func New() *Substrate {
	return &Substrate{
		root:        newNode(),
		addedSubs:   make(map[string][]*childAddedSub),
		removedSubs: make(map[string][]*childRemovedSub),
		autoRemove:  make(map[string]bool),
	}
}

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func (s *Substrate) lookup(segs []string) *node {
	n := s.root
	for _, seg := range segs {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

func (s *Substrate) ensure(segs []string) *node {
	n := s.root
	for _, seg := range segs {
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}
	return n
}

func (s *Substrate) Read(_ context.Context, path string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(segments(path))
	if n == nil || n.value == nil {
		return nil, false, nil
	}
	return cloneValue(n.value), true, nil
}

func (s *Substrate) Write(_ context.Context, path string, value map[string]any) error {
	segs := segments(path)
	if len(segs) == 0 {
		return fmt.Errorf("memsubstrate: cannot write root")
	}
	parentSegs, key := segs[:len(segs)-1], segs[len(segs)-1]

	s.mu.Lock()
	parent := s.ensure(parentSegs)
	_, existed := parent.children[key]
	child, ok := parent.children[key]
	if !ok {
		child = newNode()
		parent.children[key] = child
	}
	child.value = cloneValue(value)
	s.mu.Unlock()

	if !existed {
		s.fireChildAdded(strings.Join(parentSegs, "/"), key, child.value)
	}
	return nil
}

func (s *Substrate) Remove(_ context.Context, path string) error {
	segs := segments(path)
	if len(segs) == 0 {
		s.mu.Lock()
		s.root = newNode()
		s.mu.Unlock()
		return nil
	}
	parentSegs, key := segs[:len(segs)-1], segs[len(segs)-1]

	s.mu.Lock()
	parent := s.lookup(parentSegs)
	var existed bool
	if parent != nil {
		_, existed = parent.children[key]
		delete(parent.children, key)
	}
	s.mu.Unlock()

	if existed {
		s.fireChildRemoved(strings.Join(parentSegs, "/"), key)
	}
	return nil
}

func (s *Substrate) PushChild(ctx context.Context, path string, value map[string]any) (string, error) {
	key := uuid.NewString()
	childPath := path + "/" + key
	if err := s.Write(ctx, childPath, value); err != nil {
		return "", err
	}
	return childPath, nil
}

func (s *Substrate) SubscribeChildAdded(path string, cb substrate.ChildAddedFunc) (substrate.Subscription, error) {
	path = strings.Trim(path, "/")
	s.mu.Lock()
	sub := &childAddedSub{id: len(s.addedSubs[path]), cb: cb}
	s.addedSubs[path] = append(s.addedSubs[path], sub)
	n := s.lookup(segments(path))
	var existing []struct {
		k string
		v map[string]any
	}
	if n != nil {
		keys := make([]string, 0, len(n.children))
		for k := range n.children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			existing = append(existing, struct {
				k string
				v map[string]any
			}{k, cloneValue(n.children[k].value)})
		}
	}
	s.mu.Unlock()

	for _, e := range existing {
		cb(e.k, e.v)
	}
	return &addedSubscription{s: s, path: path, sub: sub}, nil
}

func (s *Substrate) SubscribeChildRemoved(path string, cb substrate.ChildRemovedFunc) (substrate.Subscription, error) {
	path = strings.Trim(path, "/")
	s.mu.Lock()
	sub := &childRemovedSub{id: len(s.removedSubs[path]), cb: cb}
	s.removedSubs[path] = append(s.removedSubs[path], sub)
	s.mu.Unlock()
	return &removedSubscription{s: s, path: path, sub: sub}, nil
}

func (s *Substrate) BindAutoRemoveOnDisconnect(_ context.Context, path string) error {
	s.mu.Lock()
	s.autoRemove[path] = true
	s.mu.Unlock()
	return nil
}

// SimulateDisconnect removes every path bound via
// BindAutoRemoveOnDisconnect, as a real substrate would on an unclean
// client disconnect. Tests use this to exercise presence auto-expiry.
func (s *Substrate) SimulateDisconnect(ctx context.Context) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.autoRemove))
	for p, bound := range s.autoRemove {
		if bound {
			paths = append(paths, p)
		}
	}
	s.autoRemove = make(map[string]bool)
	s.mu.Unlock()

	for _, p := range paths {
		_ = s.Remove(ctx, p)
	}
}

func (s *Substrate) QueryLessOrEqual(_ context.Context, path, field string, v float64) (map[string]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookup(segments(path))
	out := make(map[string]map[string]any)
	if n == nil {
		return out, nil
	}
	for key, child := range n.children {
		if child.value == nil {
			continue
		}
		fv, ok := child.value[field]
		if !ok {
			continue
		}
		num, ok := toFloat(fv)
		if ok && num <= v {
			out[key] = cloneValue(child.value)
		}
	}
	return out, nil
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

func cloneValue(v map[string]any) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func (s *Substrate) fireChildAdded(path, key string, value map[string]any) {
	s.mu.Lock()
	subs := append([]*childAddedSub(nil), s.addedSubs[path]...)
	s.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub.cb(key, value)
		}
	}
}

func (s *Substrate) fireChildRemoved(path, key string) {
	s.mu.Lock()
	subs := append([]*childRemovedSub(nil), s.removedSubs[path]...)
	s.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			sub.cb(key)
		}
	}
}

type addedSubscription struct {
	s    *Substrate
	path string
	sub  *childAddedSub
}

func (a *addedSubscription) Unsubscribe() {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	list := a.s.addedSubs[a.path]
	for i, sub := range list {
		if sub == a.sub {
			list[i] = nil
		}
	}
}

type removedSubscription struct {
	s    *Substrate
	path string
	sub  *childRemovedSub
}

func (r *removedSubscription) Unsubscribe() {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	list := r.s.removedSubs[r.path]
	for i, sub := range list {
		if sub == r.sub {
			list[i] = nil
		}
	}
}
