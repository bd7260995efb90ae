package chat

import "errors"

// Failure taxonomy for core operations. The transport boundary maps these to
// structured error events on the originating channel; they never cross
// session boundaries.
var (
	// ErrInvalidIdentity: registration named no identity.
	ErrInvalidIdentity = errors.New("identity is required")

	// ErrRecipientNotFound: a graph operation targeted an unknown identity.
	ErrRecipientNotFound = errors.New("recipient not found")

	// ErrNotConnected: message send blocked by the authorization gate.
	ErrNotConnected = errors.New("sender and receiver are not connected")

	// ErrNotFound: the named record does not exist or does not belong to the
	// caller. Edit, read and delete misses stay silent at the operation
	// level; this error covers the cases that must be surfaced.
	ErrNotFound = errors.New("not found")
)
