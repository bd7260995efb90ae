// Package chat implements the core state machine of the relay: presence
// registration, the connection-request protocol, and the message pipeline
// with its graph-membership authorization gate. Every operation validates and
// mutates durable state first, then notifies affected live sessions through
// the relay dispatcher.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkline/talkline/internal/metrics"
	"github.com/talkline/talkline/internal/models"
	"github.com/talkline/talkline/internal/presence"
	"github.com/talkline/talkline/internal/relay"
	"github.com/talkline/talkline/internal/store"
)

// Outbound event payloads.
type (
	// ConnectionRequestEvent notifies a live recipient of an inbound request.
	ConnectionRequestEvent struct {
		From string `json:"from"`
	}

	// MessageStatusEvent notifies the sender of a read receipt.
	MessageStatusEvent struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}

	// MessageEditedEvent notifies both parties of an edited body.
	MessageEditedEvent struct {
		MessageID  string `json:"messageId"`
		NewMessage string `json:"newMessage"`
	}

	// MessageDeletedEvent notifies both parties of a hard delete.
	MessageDeletedEvent struct {
		MessageID string `json:"messageId"`
	}

	// TypingEvent carries a typing indicator to the live receiver.
	TypingEvent struct {
		Sender string `json:"sender"`
	}
)

// Service wires the durable store, the presence registry and the relay
// dispatcher into the operations exposed over the duplex channel.
type Service struct {
	store      store.Store
	registry   *presence.Registry
	dispatcher *relay.Dispatcher
	logger     zerolog.Logger
}

// NewService creates the core service.
func NewService(st store.Store, registry *presence.Registry, dispatcher *relay.Dispatcher, logger zerolog.Logger) *Service {
	return &Service{store: st, registry: registry, dispatcher: dispatcher, logger: logger}
}

// Register binds identity to the given channel, upserts the directory record
// with placeholder profile fields, and pushes an initial snapshot to the
// registering identity. Re-registration overwrites the previous channel.
func (s *Service) Register(ctx context.Context, identity string, ch presence.Channel) error {
	if err := s.registry.Register(identity, ch); err != nil {
		return ErrInvalidIdentity
	}

	if _, err := s.store.EnsureUser(ctx, identity, placeholderName(identity)); err != nil {
		// A routable binding must always have a directory record behind it
		s.registry.Unregister(ch)
		return fmt.Errorf("register %q: %w", identity, err)
	}

	s.logger.Info().Str("identity", identity).Str("channel", ch.ID()).Msg("identity registered")
	s.dispatcher.BroadcastSnapshot(ctx, identity)
	return nil
}

// Disconnect removes the binding held by ch and, if one was found, pushes
// fresh snapshots to every currently-live connection of the departed
// identity. An orphaned channel removes nothing.
func (s *Service) Disconnect(ctx context.Context, ch presence.Channel) {
	identity, ok := s.registry.Unregister(ch)
	if !ok {
		return
	}
	s.logger.Info().Str("identity", identity).Str("channel", ch.ID()).Msg("identity disconnected")
	s.dispatcher.NotifyConnections(ctx, identity)
}

// RequestConnection adds from to to's pending-request set. The recipient must
// exist; the requester is lazily materialized so a not-yet-registered
// identity can issue requests. Duplicate requests are no-ops.
func (s *Service) RequestConnection(ctx context.Context, from, to string) error {
	if _, err := s.store.EnsureUser(ctx, from, placeholderName(from)); err != nil {
		return fmt.Errorf("request connection: %w", err)
	}

	ok, err := s.store.AddPendingRequest(ctx, to, from)
	if err != nil {
		return fmt.Errorf("request connection: %w", err)
	}
	if !ok {
		return ErrRecipientNotFound
	}
	metrics.ConnectionRequests.Inc()

	s.dispatcher.Notify(to, relay.EventConnectionRequest, ConnectionRequestEvent{From: from})
	s.dispatcher.BroadcastSnapshot(ctx, to)
	s.dispatcher.BroadcastSnapshot(ctx, from)
	return nil
}

// AcceptConnection makes the edge mutual and clears the pending request as a
// single atomic operation, then pushes fresh snapshots to both parties.
func (s *Service) AcceptConnection(ctx context.Context, from, to string) error {
	if err := s.store.AcceptConnection(ctx, from, to); err != nil {
		return fmt.Errorf("accept connection: %w", err)
	}
	metrics.ConnectionAccepts.Inc()

	s.dispatcher.BroadcastSnapshot(ctx, from)
	s.dispatcher.BroadcastSnapshot(ctx, to)
	return nil
}

// RejectConnection clears a pending request without creating an edge. A miss
// is a silent no-op.
func (s *Service) RejectConnection(ctx context.Context, from, to string) error {
	if _, err := s.store.RemovePendingRequest(ctx, to, from); err != nil {
		return fmt.Errorf("reject connection: %w", err)
	}
	s.dispatcher.BroadcastSnapshot(ctx, to)
	s.dispatcher.BroadcastSnapshot(ctx, from)
	return nil
}

// SendMessage appends a message after the authorization gate: the receiver
// must be in the sender's connection set at call time. The new message is
// relayed to the receiver if live and always echoed back to the sender, which
// confirms persistence and carries the assigned id and timestamp.
func (s *Service) SendMessage(ctx context.Context, sender, receiver, body, replyTo string) (*models.Message, error) {
	start := time.Now()
	defer func() { metrics.StoreLatency.WithLabelValues("send").Observe(time.Since(start).Seconds()) }()

	user, err := s.store.GetUser(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	if user == nil || !user.ConnectedTo(receiver) {
		return nil, ErrNotConnected
	}

	msg := &models.Message{
		Sender:   sender,
		Receiver: receiver,
		Body:     body,
	}
	if replyTo != "" {
		target, err := s.store.GetMessage(ctx, replyTo)
		if err != nil {
			return nil, fmt.Errorf("send message: %w", err)
		}
		if target == nil || !target.InConversation(sender, receiver) {
			return nil, ErrNotFound
		}
		msg.ReplyTo = replyTo
		msg.ReplyBody = target.Body
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	metrics.MessagesSent.Inc()

	s.dispatcher.Notify(receiver, relay.EventReceiveMessage, msg)
	s.dispatcher.Notify(sender, relay.EventReceiveMessage, msg)
	return msg, nil
}

// LoadHistory returns all messages between a and b in timestamp order,
// regardless of query direction. The result is a finite, re-queryable
// sequence; callers listen for receiveMessage events to stay current.
func (s *Service) LoadHistory(ctx context.Context, a, b string) ([]models.Message, error) {
	start := time.Now()
	defer func() { metrics.StoreLatency.WithLabelValues("history").Observe(time.Since(start).Seconds()) }()

	msgs, err := s.store.ConversationMessages(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// MarkRead flips a message to read and notifies the original sender's live
// channel. Silent no-op when the message is missing, already read, or reader
// is not the receiver.
func (s *Service) MarkRead(ctx context.Context, messageID, reader string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if msg == nil {
		return nil
	}

	ok, err := s.store.MarkMessageRead(ctx, messageID, reader)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if !ok {
		return nil
	}

	s.dispatcher.Notify(msg.Sender, relay.EventMessageStatus, MessageStatusEvent{
		MessageID: messageID,
		Status:    models.StatusRead,
	})
	return nil
}

// EditMessage replaces the body of a message the sender authored, marks it
// edited, and notifies both parties. Silent no-op on a sender mismatch or a
// missing message.
func (s *Service) EditMessage(ctx context.Context, messageID, sender, newBody string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	if msg == nil {
		return nil
	}

	ok, err := s.store.EditMessage(ctx, messageID, sender, newBody)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	if !ok {
		return nil
	}

	edited := MessageEditedEvent{MessageID: messageID, NewMessage: newBody}
	s.dispatcher.Notify(msg.Receiver, relay.EventMessageEdited, edited)
	s.dispatcher.Notify(msg.Sender, relay.EventMessageEdited, edited)
	return nil
}

// DeleteMessage hard-deletes a message when requester is its sender or
// receiver and notifies both parties. Silent no-op otherwise.
func (s *Service) DeleteMessage(ctx context.Context, messageID, requester string) error {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if msg == nil {
		return nil
	}

	ok, err := s.store.DeleteMessage(ctx, messageID, requester)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if !ok {
		return nil
	}

	deleted := MessageDeletedEvent{MessageID: messageID}
	s.dispatcher.Notify(msg.Receiver, relay.EventMessageDeleted, deleted)
	s.dispatcher.Notify(msg.Sender, relay.EventMessageDeleted, deleted)
	return nil
}

// SearchUsers matches identities by case-insensitive substring and annotates
// each hit with its relationship to the caller. The caller must exist.
func (s *Service) SearchUsers(ctx context.Context, query, identity string) ([]models.SearchResult, error) {
	caller, err := s.store.GetUser(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	if caller == nil {
		return nil, ErrNotFound
	}

	matches, err := s.store.SearchUsers(ctx, query, identity)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	results := make([]models.SearchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, models.SearchResult{
			Identity:  m.Identity,
			Connected: caller.ConnectedTo(m.Identity),
			Pending:   caller.HasPendingFrom(m.Identity),
		})
	}
	return results, nil
}

// Typing relays a typing indicator to the receiver's live channel; dropped if
// the receiver is offline. Indicators are transient and never persisted.
func (s *Service) Typing(sender, receiver string, stopped bool) {
	event := relay.EventTyping
	if stopped {
		event = relay.EventStopTyping
	}
	s.dispatcher.Notify(receiver, event, TypingEvent{Sender: sender})
}

// placeholderName derives the initial display name from the identity, the
// local part of the email address.
func placeholderName(identity string) string {
	if at := strings.Index(identity, "@"); at > 0 {
		return identity[:at]
	}
	return identity
}
