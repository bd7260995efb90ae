package relay

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/talkline/talkline/internal/models"
	"github.com/talkline/talkline/internal/presence"
	"github.com/talkline/talkline/internal/store"
)

type fakeChannel struct {
	id      string
	failing bool
	events  []string
}

func (c *fakeChannel) ID() string { return c.id }

func (c *fakeChannel) Emit(event string, payload interface{}) error {
	if c.failing {
		return errors.New("write failed")
	}
	c.events = append(c.events, event)
	return nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *presence.Registry, store.Store) {
	t.Helper()

	f, err := os.CreateTemp("", "talkline-relay-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()

	st, err := store.NewSQLiteStore(context.Background(), f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
		os.Remove(f.Name())
	})

	registry := presence.NewRegistry()
	return NewDispatcher(registry, st, zerolog.Nop()), registry, st
}

func TestNotifyOffline(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	if d.Notify("nobody@example.com", EventTyping, nil) {
		t.Error("delivery reported for offline identity")
	}
}

func TestNotifyDelivers(t *testing.T) {
	d, registry, _ := newTestDispatcher(t)

	ch := &fakeChannel{id: "c1"}
	registry.Register("alice@example.com", ch)

	if !d.Notify("alice@example.com", EventTyping, nil) {
		t.Fatal("delivery failed for live identity")
	}
	if len(ch.events) != 1 || ch.events[0] != EventTyping {
		t.Errorf("events = %v", ch.events)
	}
}

func TestNotifyWriteFailure(t *testing.T) {
	d, registry, _ := newTestDispatcher(t)

	registry.Register("alice@example.com", &fakeChannel{id: "c1", failing: true})

	if d.Notify("alice@example.com", EventTyping, nil) {
		t.Error("delivery reported despite write failure")
	}
}

func TestBroadcastSnapshotLiveness(t *testing.T) {
	d, registry, st := newTestDispatcher(t)
	ctx := context.Background()

	for _, identity := range []string{"alice@example.com", "bob@example.com", "carol@example.com"} {
		if _, err := st.EnsureUser(ctx, identity, identity); err != nil {
			t.Fatalf("ensure %s: %v", identity, err)
		}
	}
	if err := st.AcceptConnection(ctx, "bob@example.com", "alice@example.com"); err != nil {
		t.Fatalf("connect bob: %v", err)
	}
	if err := st.AcceptConnection(ctx, "carol@example.com", "alice@example.com"); err != nil {
		t.Fatalf("connect carol: %v", err)
	}

	alice := &recordingSnapshotChannel{}
	registry.Register("alice@example.com", alice)
	registry.Register("bob@example.com", &fakeChannel{id: "bob-chan"})
	// carol stays offline

	d.BroadcastSnapshot(ctx, "alice@example.com")

	if alice.snapshot == nil {
		t.Fatal("no snapshot delivered")
	}
	online := map[string]bool{}
	for _, c := range alice.snapshot.Connections {
		online[c.Identity] = c.Online
	}
	if !online["bob@example.com"] {
		t.Error("bob should be online")
	}
	if online["carol@example.com"] {
		t.Error("carol should be offline")
	}
	if alice.snapshot.PendingRequests == nil {
		t.Error("pending list must be non-nil")
	}
}

func TestBroadcastSnapshotOfflineTarget(t *testing.T) {
	d, _, st := newTestDispatcher(t)
	ctx := context.Background()

	if _, err := st.EnsureUser(ctx, "alice@example.com", "alice"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	// Must not panic or deliver anywhere
	d.BroadcastSnapshot(ctx, "alice@example.com")
}

type recordingSnapshotChannel struct {
	snapshot *models.Snapshot
}

func (c *recordingSnapshotChannel) ID() string { return "alice-chan" }

func (c *recordingSnapshotChannel) Emit(event string, payload interface{}) error {
	if event == EventUpdateUsers {
		snap := payload.(models.Snapshot)
		c.snapshot = &snap
	}
	return nil
}
