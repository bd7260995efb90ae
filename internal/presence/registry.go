// Package presence tracks which identities currently have a live channel.
// The registry is process-wide volatile state, rebuilt as clients reconnect;
// it is the only place the identity-to-channel mapping is mutated.
package presence

import (
	"errors"
	"sync"
)

// ErrInvalidIdentity is returned when a registration names no identity.
var ErrInvalidIdentity = errors.New("identity must not be empty")

// Channel is a live duplex connection bound to an identity. Emit must be safe
// for concurrent use.
type Channel interface {
	ID() string
	Emit(event string, payload interface{}) error
}

// Registry maps identities to their single live channel. Exactly one channel
// is live per identity: the last register wins and the previous channel is
// orphaned (it stays open but receives no further routed events).
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register binds identity to ch, overwriting any prior binding.
func (r *Registry) Register(identity string, ch Channel) error {
	if identity == "" {
		return ErrInvalidIdentity
	}
	r.mu.Lock()
	r.channels[identity] = ch
	r.mu.Unlock()
	return nil
}

// Resolve returns the live channel for identity, or nil. Pure lookup.
func (r *Registry) Resolve(identity string) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[identity]
}

// Unregister removes the binding held by ch, found by reverse scan over all
// live channels. Returns the identity that was bound and whether one was
// found. An orphaned channel (already replaced by a newer registration for
// the same identity) removes nothing.
func (r *Registry) Unregister(ch Channel) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for identity, bound := range r.channels {
		if bound.ID() == ch.ID() {
			delete(r.channels, identity)
			return identity, true
		}
	}
	return "", false
}

// Online reports whether identity has a live channel.
func (r *Registry) Online(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[identity]
	return ok
}

// Count returns the number of live channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
