package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/talkline/talkline/clients/go/talkline"
	"github.com/talkline/talkline/internal/chat"
	"github.com/talkline/talkline/internal/presence"
	"github.com/talkline/talkline/internal/relay"
	"github.com/talkline/talkline/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	f, err := os.CreateTemp("", "talkline-ws-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()

	st, err := store.NewSQLiteStore(context.Background(), f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	logger := zerolog.Nop()
	registry := presence.NewRegistry()
	dispatcher := relay.NewDispatcher(registry, st, logger)
	svc := chat.NewService(st, registry, dispatcher, logger)

	srv := httptest.NewServer(NewHandler(svc, nil, nil, logger))
	t.Cleanup(func() {
		srv.Close()
		st.Close()
		os.Remove(f.Name())
	})
	return srv
}

func dialClient(t *testing.T, srv *httptest.Server, identity string) *talkline.Client {
	t.Helper()
	c, err := talkline.Dial(srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Register(identity); err != nil {
		t.Fatalf("register %s: %v", identity, err)
	}
	// Registration confirms with the initial snapshot
	waitFor(t, c, "updateUsers")
	return c
}

// waitFor reads frames until one matches the event, failing on timeout.
// Events on one session arrive in a deterministic order, so skipping
// unrelated frames is safe.
func waitFor(t *testing.T, c *talkline.Client, event string) *talkline.Frame {
	t.Helper()

	type result struct {
		frame *talkline.Frame
		err   error
	}
	for i := 0; i < 10; i++ {
		ch := make(chan result, 1)
		go func() {
			f, err := c.Next()
			ch <- result{f, err}
		}()
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("read waiting for %s: %v", event, res.err)
			}
			if res.frame.Event == event {
				return res.frame
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s", event)
		}
	}
	t.Fatalf("no %s within 10 frames", event)
	return nil
}

func TestFullConversationFlow(t *testing.T) {
	srv := newTestServer(t)
	alice := dialClient(t, srv, "alice@example.com")
	bob := dialClient(t, srv, "bob@example.com")

	// Request: bob is told who is asking, both get fresh snapshots
	if err := alice.SendConnectionRequest("alice@example.com", "bob@example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}
	req := waitFor(t, bob, "connectionRequest")
	var reqData struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(req.Data, &reqData); err != nil || reqData.From != "alice@example.com" {
		t.Fatalf("connectionRequest data = %s (err %v)", req.Data, err)
	}
	snap := waitFor(t, bob, "updateUsers")
	var bobView struct {
		PendingRequests []string `json:"pendingRequests"`
	}
	if err := json.Unmarshal(snap.Data, &bobView); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(bobView.PendingRequests) != 1 || bobView.PendingRequests[0] != "alice@example.com" {
		t.Fatalf("bob pending = %v", bobView.PendingRequests)
	}
	// Alice also gets a request-time snapshot; consume it before the accept
	waitFor(t, alice, "updateUsers")

	// Accept: edge becomes mutual
	if err := bob.AcceptConnection("alice@example.com", "bob@example.com"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	accepted := waitFor(t, alice, "updateUsers")
	var aliceView struct {
		Connections []struct {
			Identity string `json:"email"`
			Online   bool   `json:"online"`
		} `json:"connections"`
	}
	if err := json.Unmarshal(accepted.Data, &aliceView); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(aliceView.Connections) != 1 || aliceView.Connections[0].Identity != "bob@example.com" {
		t.Fatalf("alice connections = %+v", aliceView.Connections)
	}
	if !aliceView.Connections[0].Online {
		t.Error("bob not marked online")
	}

	// Send: receiver delivery plus sender echo
	if err := alice.SendMessage("alice@example.com", "bob@example.com", "hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	delivered := waitFor(t, bob, "receiveMessage")
	var msg talkline.Message
	if err := json.Unmarshal(delivered.Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Body != "hello" || msg.Status != "sent" || msg.ID == "" {
		t.Fatalf("delivered message = %+v", msg)
	}
	echo := waitFor(t, alice, "receiveMessage")
	var echoed talkline.Message
	if err := json.Unmarshal(echo.Data, &echoed); err != nil || echoed.ID != msg.ID {
		t.Fatalf("echo = %s (err %v)", echo.Data, err)
	}

	// Read receipt flows back to the sender
	if err := bob.MarkRead(msg.ID, "bob@example.com"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	receipt := waitFor(t, alice, "messageStatus")
	var statusData struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(receipt.Data, &statusData); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if statusData.MessageID != msg.ID || statusData.Status != "read" {
		t.Fatalf("receipt = %+v", statusData)
	}

	// History shows the conversation from either side
	if err := bob.LoadMessages("bob@example.com", "alice@example.com"); err != nil {
		t.Fatalf("load: %v", err)
	}
	history := waitFor(t, bob, "previousMessages")
	var msgs []talkline.Message
	if err := json.Unmarshal(history.Data, &msgs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID || msgs[0].Status != "read" {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestUnauthorizedSendReturnsError(t *testing.T) {
	srv := newTestServer(t)
	alice := dialClient(t, srv, "alice@example.com")
	dialClient(t, srv, "bob@example.com")

	// No connection exists
	if err := alice.SendMessage("alice@example.com", "bob@example.com", "hello", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame := waitFor(t, alice, "error")
	var errData struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame.Data, &errData); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errData.Code != "NOT_CONNECTED" {
		t.Errorf("code = %q, want NOT_CONNECTED", errData.Code)
	}
}

func TestRequestUnknownRecipient(t *testing.T) {
	srv := newTestServer(t)
	alice := dialClient(t, srv, "alice@example.com")

	if err := alice.SendConnectionRequest("alice@example.com", "ghost@example.com"); err != nil {
		t.Fatalf("request: %v", err)
	}

	frame := waitFor(t, alice, "error")
	var errData struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame.Data, &errData); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errData.Code != "RECIPIENT_NOT_FOUND" {
		t.Errorf("code = %q, want RECIPIENT_NOT_FOUND", errData.Code)
	}
}

func TestMalformedFrame(t *testing.T) {
	srv := newTestServer(t)
	alice := dialClient(t, srv, "alice@example.com")

	if err := alice.SendMessage("", "", "", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame := waitFor(t, alice, "error")
	var errData struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame.Data, &errData); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errData.Code != "BAD_EVENT" {
		t.Errorf("code = %q, want BAD_EVENT", errData.Code)
	}
}

func TestRegisterEmptyIdentity(t *testing.T) {
	srv := newTestServer(t)

	c, err := talkline.Dial(srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	if err := c.Register(""); err != nil {
		t.Fatalf("register: %v", err)
	}

	frame := waitFor(t, c, "error")
	var errData struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(frame.Data, &errData); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if errData.Code != "INVALID_IDENTITY" {
		t.Errorf("code = %q, want INVALID_IDENTITY", errData.Code)
	}
}
