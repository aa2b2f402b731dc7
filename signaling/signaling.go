// Package signaling implements the per-peer inbox of offer/answer
// envelopes exchanged over the substrate.
package signaling

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/estuary/collab-core/substrate"
)

// Type enumerates the two envelope kinds.
type Type string

const (
	Offer  Type = "offer"
	Answer Type = "answer"
)

// SDP is the session description carried inside an Envelope.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Envelope is the durable, short-lived signal record.
type Envelope struct {
	Type      Type  `json:"type"`
	SDP       SDP   `json:"sdp"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp int64 `json:"timestamp"`
}

func (e Envelope) toMap() map[string]any {
	return map[string]any{
		"type": string(e.Type),
		"sdp": map[string]any{
			"type": e.SDP.Type,
			"sdp":  e.SDP.SDP,
		},
		"from":      e.From,
		"to":        e.To,
		"timestamp": e.Timestamp,
	}
}

func envelopeFromMap(m map[string]any) (Envelope, error) {
	var e Envelope
	t, _ := m["type"].(string)
	e.Type = Type(t)
	if sdp, ok := m["sdp"].(map[string]any); ok {
		e.SDP.Type, _ = sdp["type"].(string)
		e.SDP.SDP, _ = sdp["sdp"].(string)
	}
	e.From, _ = m["from"].(string)
	e.To, _ = m["to"].(string)
	switch ts := m["timestamp"].(type) {
	case int64:
		e.Timestamp = ts
	case float64:
		e.Timestamp = int64(ts)
	}
	if e.Type != Offer && e.Type != Answer {
		return e, errors.Errorf("signaling: unknown envelope type %q", t)
	}
	return e, nil
}

// Handler is invoked for each envelope addressed to this peer.
type Handler func(Envelope)

// Channel owns one peer's signaling inbox.
type Channel struct {
	sub            substrate.Substrate
	signalingPath  string
	selfID         string
	log            *logrus.Entry
	childSub       substrate.Subscription
}

// New creates a Channel. signalingPath is the "signaling" root from
// pathlayout.Layout.
func New(sub substrate.Substrate, signalingPath, selfID string, log *logrus.Entry) *Channel {
	return &Channel{sub: sub, signalingPath: signalingPath, selfID: selfID, log: log}
}

func (c *Channel) inboxPath() string { return c.signalingPath + "/" + c.selfID }

// Listen subscribes to this peer's inbox. For each new envelope, handler
// is invoked and then the specific child is deleted.
func (c *Channel) Listen(ctx context.Context, handler Handler) error {
	sub, err := c.sub.SubscribeChildAdded(c.inboxPath(), func(key string, value map[string]any) {
		env, err := envelopeFromMap(value)
		if err != nil {
			c.log.WithError(err).Warn("signaling: dropping malformed envelope")
			_ = c.sub.Remove(ctx, c.inboxPath()+"/"+key)
			return
		}
		handler(env)
		if err := c.sub.Remove(ctx, c.inboxPath()+"/"+key); err != nil {
			c.log.WithError(err).Warn("signaling: failed to delete consumed envelope")
		}
	})
	if err != nil {
		return errors.Wrap(err, "signaling: subscribe")
	}
	c.childSub = sub
	return nil
}

// Stop unsubscribes from the inbox. Idempotent.
func (c *Channel) Stop() {
	if c.childSub != nil {
		c.childSub.Unsubscribe()
		c.childSub = nil
	}
}

// DrainBurst batch-deletes the whole inbox, for use after a burst of
// envelopes has already been individually handled.
func (c *Channel) DrainBurst(ctx context.Context) error {
	return c.sub.Remove(ctx, c.inboxPath())
}

// Send pushes env into toID's inbox.
func (c *Channel) Send(ctx context.Context, toID string, env Envelope) error {
	env.To = toID
	env.From = c.selfID
	_, err := c.sub.PushChild(ctx, c.signalingPath+"/"+toID, env.toMap())
	return errors.Wrap(err, "signaling: send")
}
