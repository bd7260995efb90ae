// Package relay routes outbound events to live channels. The dispatcher is
// stateless: presence is read from the registry and snapshots are recomputed
// in full from the directory on every call. Components emit through the
// dispatcher and never hold a transport reference.
package relay

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/talkline/talkline/internal/metrics"
	"github.com/talkline/talkline/internal/models"
	"github.com/talkline/talkline/internal/presence"
	"github.com/talkline/talkline/internal/store"
)

// Dispatcher delivers events to the live channel of an identity, if any.
// Delivery is best-effort: there is no queueing and no offline mailbox;
// offline peers catch up via history load on next connect.
type Dispatcher struct {
	registry *presence.Registry
	store    store.Store
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher over the given registry and store.
func NewDispatcher(registry *presence.Registry, st store.Store, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, store: st, logger: logger}
}

// Notify resolves the live channel for identity and delivers the event,
// dropping it silently when the identity is offline. Returns whether the
// event was handed to a channel.
func (d *Dispatcher) Notify(identity, event string, payload interface{}) bool {
	ch := d.registry.Resolve(identity)
	if ch == nil {
		metrics.EventsDropped.WithLabelValues(event).Inc()
		return false
	}
	if err := ch.Emit(event, payload); err != nil {
		d.logger.Warn().
			Str("identity", identity).
			Str("event", event).
			Err(err).
			Msg("event delivery failed")
		metrics.EventsDropped.WithLabelValues(event).Inc()
		return false
	}
	metrics.EventsDelivered.WithLabelValues(event).Inc()
	return true
}

// BroadcastSnapshot recomputes the full connection/pending view for identity
// and delivers it as a single updateUsers event. No-op when the identity is
// offline or unknown.
func (d *Dispatcher) BroadcastSnapshot(ctx context.Context, identity string) {
	if !d.registry.Online(identity) {
		return
	}
	user, err := d.store.GetUser(ctx, identity)
	if err != nil {
		d.logger.Error().Str("identity", identity).Err(err).Msg("snapshot load failed")
		return
	}
	if user == nil {
		return
	}
	d.Notify(identity, EventUpdateUsers, d.composeSnapshot(user))
}

// NotifyConnections pushes a fresh snapshot to every currently-live
// connection of identity. Used when identity's own presence changes: deltas
// are observed by live peers, never pushed to offline ones.
func (d *Dispatcher) NotifyConnections(ctx context.Context, identity string) {
	user, err := d.store.GetUser(ctx, identity)
	if err != nil {
		d.logger.Error().Str("identity", identity).Err(err).Msg("connection lookup failed")
		return
	}
	if user == nil {
		return
	}
	for _, peer := range user.Connections {
		if d.registry.Online(peer) {
			d.BroadcastSnapshot(ctx, peer)
		}
	}
}

// composeSnapshot annotates each connection with its current liveness.
func (d *Dispatcher) composeSnapshot(user *models.User) models.Snapshot {
	connections := make([]models.ContactStatus, 0, len(user.Connections))
	for _, peer := range user.Connections {
		connections = append(connections, models.ContactStatus{
			Identity: peer,
			Online:   d.registry.Online(peer),
		})
	}
	pending := user.PendingRequests
	if pending == nil {
		pending = []string{}
	}
	return models.Snapshot{Connections: connections, PendingRequests: pending}
}
