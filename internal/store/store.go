package store

import (
	"context"

	"github.com/talkline/talkline/internal/models"
)

// Store defines the durable-state contract the relay core depends on: an
// identity directory with atomic set-add/set-remove field operations, and an
// ordered per-conversation message log. Both MongoStore and SQLiteStore
// implement this interface.
//
// Lookup methods return (nil, nil) for missing records; boolean results
// report whether a conditional mutation matched anything. Callers decide
// whether a miss is an error or a silent no-op.
type Store interface {
	Close()
	Ping(ctx context.Context) error

	// Identity directory
	EnsureUser(ctx context.Context, identity, name string) (*models.User, error)
	GetUser(ctx context.Context, identity string) (*models.User, error)
	AddPendingRequest(ctx context.Context, to, from string) (bool, error)
	AcceptConnection(ctx context.Context, from, to string) error
	RemovePendingRequest(ctx context.Context, to, from string) (bool, error)
	SearchUsers(ctx context.Context, query, exclude string) ([]models.User, error)
	CountUsers(ctx context.Context) (int64, error)

	// Message log
	InsertMessage(ctx context.Context, msg *models.Message) error
	ConversationMessages(ctx context.Context, a, b string) ([]models.Message, error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	MarkMessageRead(ctx context.Context, id, reader string) (bool, error)
	EditMessage(ctx context.Context, id, sender, newBody string) (bool, error)
	DeleteMessage(ctx context.Context, id, requester string) (bool, error)
	CountMessages(ctx context.Context) (int64, error)
}
