package models

import "time"

// User is a durable identity record. Identity is the stable string (an email
// address) naming the user across sessions; connections and pending requests
// are sets of peer identities.
type User struct {
	Identity        string    `json:"email" bson:"_id"`
	Name            string    `json:"name,omitempty" bson:"name"`
	Connections     []string  `json:"connections" bson:"connections"`
	PendingRequests []string  `json:"pendingRequests" bson:"pending_requests"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// ConnectedTo reports whether peer is in the user's connection set.
func (u *User) ConnectedTo(peer string) bool {
	for _, c := range u.Connections {
		if c == peer {
			return true
		}
	}
	return false
}

// HasPendingFrom reports whether requester has an outstanding request to u.
func (u *User) HasPendingFrom(requester string) bool {
	for _, p := range u.PendingRequests {
		if p == requester {
			return true
		}
	}
	return false
}

// ContactStatus is one entry of a presence snapshot: a connection annotated
// with its current liveness.
type ContactStatus struct {
	Identity string `json:"email"`
	Online   bool   `json:"online"`
}

// Snapshot is the full current view of a user's graph, recomputed on every
// relevant state change and pushed as a single updateUsers event.
type Snapshot struct {
	Connections     []ContactStatus `json:"connections"`
	PendingRequests []string        `json:"pendingRequests"`
}

// SearchResult annotates a matched identity with its relationship to the
// searching user.
type SearchResult struct {
	Identity  string `json:"email"`
	Connected bool   `json:"connected"`
	Pending   bool   `json:"pending"`
}
