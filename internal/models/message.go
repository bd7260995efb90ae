package models

import "time"

// Message status values.
const (
	StatusSent = "sent"
	StatusRead = "read"
)

// Message is one entry in the durable conversation log between two
// identities. The ID is a store-assigned ULID. ReplyBody is denormalized
// from the referenced message on retrieval and never persisted.
type Message struct {
	ID        string    `json:"id" bson:"_id"`
	Sender    string    `json:"sender" bson:"sender"`
	Receiver  string    `json:"receiver" bson:"receiver"`
	Body      string    `json:"message" bson:"body"`
	Timestamp time.Time `json:"timestamp" bson:"ts"`
	Status    string    `json:"status" bson:"status"`
	Edited    bool      `json:"edited" bson:"edited"`
	ReplyTo   string    `json:"replyTo,omitempty" bson:"reply_to,omitempty"`
	ReplyBody string    `json:"replyMessage,omitempty" bson:"-"`
}

// InConversation reports whether the message belongs to the unordered
// conversation pair {a, b}. Messages match in either direction.
func (m *Message) InConversation(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}
