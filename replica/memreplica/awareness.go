package memreplica

import (
	"encoding/json"
	"sync"

	"github.com/estuary/collab-core/replica"
)

// Awareness is a reference in-process implementation of replica.Awareness.
type Awareness struct {
	mu        sync.Mutex
	clientID  uint64
	states    map[uint64]any
	callbacks []func(replica.AwarenessChange)
}

// NewAwareness creates an awareness replica local to clientID.
func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{clientID: clientID, states: map[uint64]any{clientID: map[string]any{}}}
}

func (a *Awareness) LocalClientID() uint64 { return a.clientID }

func (a *Awareness) SetLocalField(key string, value any) {
	a.mu.Lock()
	state, _ := a.states[a.clientID].(map[string]any)
	if state == nil {
		state = map[string]any{}
	}
	state[key] = value
	a.states[a.clientID] = state
	cbs := append([]func(replica.AwarenessChange)(nil), a.callbacks...)
	a.mu.Unlock()

	for _, cb := range cbs {
		cb(replica.AwarenessChange{Updated: []uint64{a.clientID}})
	}
}

func (a *Awareness) OnChange(cb func(replica.AwarenessChange)) func() {
	a.mu.Lock()
	a.callbacks = append(a.callbacks, cb)
	idx := len(a.callbacks) - 1
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.callbacks[idx] = nil
		a.mu.Unlock()
	}
}

type wireState struct {
	ClientID uint64 `json:"clientId"`
	State    any    `json:"state"`
}

func (a *Awareness) EncodeUpdate(clientIDs []uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]wireState, 0, len(clientIDs))
	for _, id := range clientIDs {
		if s, ok := a.states[id]; ok {
			out = append(out, wireState{ClientID: id, State: s})
		}
	}
	return json.Marshal(out)
}

func (a *Awareness) ApplyUpdate(update []byte) error {
	var in []wireState
	if err := json.Unmarshal(update, &in); err != nil {
		return err
	}
	a.mu.Lock()
	var added, updated []uint64
	for _, s := range in {
		if _, exists := a.states[s.ClientID]; exists {
			updated = append(updated, s.ClientID)
		} else {
			added = append(added, s.ClientID)
		}
		a.states[s.ClientID] = s.State
	}
	cbs := append([]func(replica.AwarenessChange)(nil), a.callbacks...)
	a.mu.Unlock()

	if len(added) > 0 || len(updated) > 0 {
		for _, cb := range cbs {
			cb(replica.AwarenessChange{Added: added, Updated: updated})
		}
	}
	return nil
}

func (a *Awareness) RemoveStates(clientIDs []uint64) {
	a.mu.Lock()
	var removed []uint64
	for _, id := range clientIDs {
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			removed = append(removed, id)
		}
	}
	cbs := append([]func(replica.AwarenessChange)(nil), a.callbacks...)
	a.mu.Unlock()

	if len(removed) > 0 {
		for _, cb := range cbs {
			cb(replica.AwarenessChange{Removed: removed})
		}
	}
}

func (a *Awareness) States() map[uint64]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]any, len(a.states))
	for k, v := range a.states {
		out[k] = v
	}
	return out
}

func (a *Awareness) Destroy() {
	a.mu.Lock()
	a.states = map[uint64]any{}
	a.callbacks = nil
	a.mu.Unlock()
}
