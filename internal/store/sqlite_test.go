package store

import (
	"context"
	"os"
	"testing"

	"github.com/talkline/talkline/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	f, err := os.CreateTemp("", "talkline-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()

	s, err := NewSQLiteStore(context.Background(), f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		os.Remove(f.Name())
	})
	return s
}

func mustEnsure(t *testing.T, s *SQLiteStore, identity string) {
	t.Helper()
	if _, err := s.EnsureUser(context.Background(), identity, identity); err != nil {
		t.Fatalf("ensure user %s: %v", identity, err)
	}
}

func TestEnsureUserIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.EnsureUser(ctx, "alice@example.com", "alice")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if u1.Name != "alice" {
		t.Errorf("name = %q, want alice", u1.Name)
	}

	// Second ensure must not reset the placeholder name
	u2, err := s.EnsureUser(ctx, "alice@example.com", "other")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if u2.Name != "alice" {
		t.Errorf("name after re-ensure = %q, want alice", u2.Name)
	}

	count, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("count users: %v", err)
	}
	if count != 1 {
		t.Errorf("user count = %d, want 1", count)
	}
}

func TestGetUserMissing(t *testing.T) {
	s := newTestStore(t)

	u, err := s.GetUser(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if u != nil {
		t.Errorf("expected nil for missing user, got %+v", u)
	}
}

func TestAddPendingRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "bob@example.com")

	ok, err := s.AddPendingRequest(ctx, "bob@example.com", "alice@example.com")
	if err != nil {
		t.Fatalf("add pending: %v", err)
	}
	if !ok {
		t.Fatal("expected request to be accepted")
	}

	// Duplicate request is a no-op but still succeeds
	ok, err = s.AddPendingRequest(ctx, "bob@example.com", "alice@example.com")
	if err != nil || !ok {
		t.Fatalf("duplicate request: ok=%v err=%v", ok, err)
	}

	bob, err := s.GetUser(ctx, "bob@example.com")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if len(bob.PendingRequests) != 1 || bob.PendingRequests[0] != "alice@example.com" {
		t.Errorf("pending = %v, want [alice@example.com]", bob.PendingRequests)
	}
}

func TestAddPendingRequestUnknownRecipient(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.AddPendingRequest(context.Background(), "ghost@example.com", "alice@example.com")
	if err != nil {
		t.Fatalf("add pending: %v", err)
	}
	if ok {
		t.Error("expected false for unknown recipient")
	}
}

func TestAcceptConnection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "alice@example.com")
	mustEnsure(t, s, "bob@example.com")

	if _, err := s.AddPendingRequest(ctx, "bob@example.com", "alice@example.com"); err != nil {
		t.Fatalf("add pending: %v", err)
	}
	if err := s.AcceptConnection(ctx, "alice@example.com", "bob@example.com"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	alice, _ := s.GetUser(ctx, "alice@example.com")
	bob, _ := s.GetUser(ctx, "bob@example.com")

	if !alice.ConnectedTo("bob@example.com") {
		t.Error("alice not connected to bob")
	}
	if !bob.ConnectedTo("alice@example.com") {
		t.Error("bob not connected to alice")
	}
	if len(bob.PendingRequests) != 0 {
		t.Errorf("pending not cleared: %v", bob.PendingRequests)
	}

	// Accepting again is harmless
	if err := s.AcceptConnection(ctx, "alice@example.com", "bob@example.com"); err != nil {
		t.Fatalf("re-accept: %v", err)
	}
	alice, _ = s.GetUser(ctx, "alice@example.com")
	if len(alice.Connections) != 1 {
		t.Errorf("connections = %v, want exactly one", alice.Connections)
	}
}

func TestRemovePendingRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "bob@example.com")

	if _, err := s.AddPendingRequest(ctx, "bob@example.com", "alice@example.com"); err != nil {
		t.Fatalf("add pending: %v", err)
	}

	ok, err := s.RemovePendingRequest(ctx, "bob@example.com", "alice@example.com")
	if err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}

	// No edge was created
	bob, _ := s.GetUser(ctx, "bob@example.com")
	if len(bob.Connections) != 0 || len(bob.PendingRequests) != 0 {
		t.Errorf("bob = %+v, want empty sets", bob)
	}

	// Removing again reports a miss
	ok, err = s.RemovePendingRequest(ctx, "bob@example.com", "alice@example.com")
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if ok {
		t.Error("expected miss on second remove")
	}
}

func TestConversationMessagesOrderAndDirection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bodies := []string{"first", "second", "third"}
	senders := []string{"alice@example.com", "bob@example.com", "alice@example.com"}
	receivers := []string{"bob@example.com", "alice@example.com", "bob@example.com"}
	for i := range bodies {
		msg := &models.Message{Sender: senders[i], Receiver: receivers[i], Body: bodies[i]}
		if err := s.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if msg.ID == "" || msg.Timestamp.IsZero() || msg.Status != models.StatusSent {
			t.Fatalf("insert did not assign defaults: %+v", msg)
		}
	}

	// Unrelated conversation must not leak in
	if err := s.InsertMessage(ctx, &models.Message{
		Sender: "carol@example.com", Receiver: "alice@example.com", Body: "noise",
	}); err != nil {
		t.Fatalf("insert noise: %v", err)
	}

	forward, err := s.ConversationMessages(ctx, "alice@example.com", "bob@example.com")
	if err != nil {
		t.Fatalf("load forward: %v", err)
	}
	reverse, err := s.ConversationMessages(ctx, "bob@example.com", "alice@example.com")
	if err != nil {
		t.Fatalf("load reverse: %v", err)
	}

	if len(forward) != 3 {
		t.Fatalf("got %d messages, want 3", len(forward))
	}
	for i, want := range bodies {
		if forward[i].Body != want {
			t.Errorf("forward[%d] = %q, want %q", i, forward[i].Body, want)
		}
	}
	if len(reverse) != len(forward) {
		t.Fatalf("direction changed result: %d vs %d", len(reverse), len(forward))
	}
	for i := range forward {
		if forward[i].ID != reverse[i].ID {
			t.Errorf("order differs by direction at %d", i)
		}
	}
}

func TestConversationReplyBodies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	orig := &models.Message{Sender: "alice@example.com", Receiver: "bob@example.com", Body: "hello"}
	if err := s.InsertMessage(ctx, orig); err != nil {
		t.Fatalf("insert original: %v", err)
	}
	reply := &models.Message{
		Sender: "bob@example.com", Receiver: "alice@example.com",
		Body: "hi back", ReplyTo: orig.ID,
	}
	if err := s.InsertMessage(ctx, reply); err != nil {
		t.Fatalf("insert reply: %v", err)
	}

	msgs, err := s.ConversationMessages(ctx, "alice@example.com", "bob@example.com")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].ReplyTo != orig.ID || msgs[1].ReplyBody != "hello" {
		t.Errorf("reply not denormalized: %+v", msgs[1])
	}
	if msgs[0].ReplyBody != "" {
		t.Errorf("non-reply carries reply body: %+v", msgs[0])
	}
}

func TestMarkMessageRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &models.Message{Sender: "alice@example.com", Receiver: "bob@example.com", Body: "hi"}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Sender cannot mark their own message read
	ok, err := s.MarkMessageRead(ctx, msg.ID, "alice@example.com")
	if err != nil {
		t.Fatalf("mark as sender: %v", err)
	}
	if ok {
		t.Error("sender marked message read")
	}

	ok, err = s.MarkMessageRead(ctx, msg.ID, "bob@example.com")
	if err != nil || !ok {
		t.Fatalf("mark as receiver: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetMessage(ctx, msg.ID)
	if got.Status != models.StatusRead {
		t.Errorf("status = %q, want read", got.Status)
	}

	// Already read: no-op
	ok, _ = s.MarkMessageRead(ctx, msg.ID, "bob@example.com")
	if ok {
		t.Error("second mark reported a change")
	}
}

func TestEditMessageOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &models.Message{Sender: "alice@example.com", Receiver: "bob@example.com", Body: "hi"}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := s.EditMessage(ctx, msg.ID, "bob@example.com", "hacked")
	if err != nil {
		t.Fatalf("edit as receiver: %v", err)
	}
	if ok {
		t.Error("receiver edited sender's message")
	}

	ok, err = s.EditMessage(ctx, msg.ID, "alice@example.com", "hello there")
	if err != nil || !ok {
		t.Fatalf("edit as sender: ok=%v err=%v", ok, err)
	}

	got, _ := s.GetMessage(ctx, msg.ID)
	if got.Body != "hello there" || !got.Edited {
		t.Errorf("got %+v, want edited body", got)
	}
}

func TestDeleteMessageOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &models.Message{Sender: "alice@example.com", Receiver: "bob@example.com", Body: "hi"}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := s.DeleteMessage(ctx, msg.ID, "carol@example.com")
	if err != nil {
		t.Fatalf("delete as stranger: %v", err)
	}
	if ok {
		t.Error("stranger deleted message")
	}

	ok, err = s.DeleteMessage(ctx, msg.ID, "bob@example.com")
	if err != nil || !ok {
		t.Fatalf("delete as receiver: ok=%v err=%v", ok, err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Errorf("message survived delete: %+v", got)
	}
}

func TestSearchUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnsure(t, s, "alice@example.com")
	mustEnsure(t, s, "alicia@example.com")
	mustEnsure(t, s, "bob@example.com")

	users, err := s.SearchUsers(ctx, "ALIC", "alice@example.com")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(users) != 1 || users[0].Identity != "alicia@example.com" {
		t.Errorf("results = %+v, want only alicia (caller excluded, case-insensitive)", users)
	}
}
