// Package ws is the duplex transport boundary. It upgrades HTTP requests to
// websocket sessions, decodes inbound event frames, and invokes the core
// service. All failures are converted to error events on the originating
// session; nothing propagates to other sessions from here.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/talkline/talkline/internal/chat"
	"github.com/talkline/talkline/internal/metrics"
	"github.com/talkline/talkline/internal/relay"
)

// Inbound event names.
const (
	eventRegister              = "register"
	eventSendConnectionRequest = "sendConnectionRequest"
	eventAcceptConnection      = "acceptConnection"
	eventRejectConnection      = "rejectConnection"
	eventLoadMessages          = "loadMessages"
	eventSendMessage           = "sendMessage"
	eventDeleteMessage         = "deleteMessage"
	eventMessageRead           = "messageRead"
	eventEditMessage           = "editMessage"
	eventSearchUsers           = "searchUsers"
	eventTyping                = "typing"
	eventStopTyping            = "stopTyping"
)

// Error codes carried on error events.
const (
	codeInvalidIdentity   = "INVALID_IDENTITY"
	codeRecipientNotFound = "RECIPIENT_NOT_FOUND"
	codeNotConnected      = "NOT_CONNECTED"
	codeNotFound          = "NOT_FOUND"
	codeRateLimited       = "RATE_LIMITED"
	codeBadEvent          = "BAD_EVENT"
	codeStoreFailure      = "STORE_FAILURE"
)

// FloodLimiter gates inbound messages per identity. Implementations must fail
// open so a limiter outage never blocks traffic.
type FloodLimiter interface {
	AllowMessage(ctx context.Context, identity string) bool
}

type errorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// inboundFrame defers payload decoding until the event name is known.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler serves the websocket endpoint.
type Handler struct {
	svc      *chat.Service
	flood    FloodLimiter
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the transport handler. origins is the allowed Origin
// list; empty or "*" allows any.
func NewHandler(svc *chat.Service, flood FloodLimiter, origins []string, logger zerolog.Logger) *Handler {
	h := &Handler{svc: svc, flood: flood, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

func originChecker(origins []string) func(*http.Request) bool {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		if allowAll {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin.
			return true
		}
		return allowed[origin]
	}
}

// ServeHTTP upgrades the request and runs the session's read loop until the
// client disconnects. Inbound events are processed sequentially, so a session
// observes its own operations in submission order.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sess := NewSession(conn)
	metrics.SessionsOpened.Inc()
	metrics.SessionsActive.Inc()

	ctx := r.Context()
	defer func() {
		h.svc.Disconnect(context.WithoutCancel(ctx), sess)
		sess.Close()
		metrics.SessionsActive.Dec()
	}()

	h.logger.Debug().Str("session", sess.ID()).Str("remote", r.RemoteAddr).Msg("session opened")

	for {
		var frame inboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Str("session", sess.ID()).Err(err).Msg("session read error")
			}
			return
		}
		metrics.EventsReceived.WithLabelValues(frame.Event).Inc()
		h.dispatch(ctx, sess, frame)
	}
}

// dispatch decodes the event payload and invokes the matching operation. A
// decode failure or operation error becomes a best-effort error event; the
// session stays open either way.
func (h *Handler) dispatch(ctx context.Context, sess *Session, frame inboundFrame) {
	var err error
	switch frame.Event {
	case eventRegister:
		err = h.handleRegister(ctx, sess, frame.Data)
	case eventSendConnectionRequest:
		err = h.handleConnectionRequest(ctx, frame.Data)
	case eventAcceptConnection:
		err = h.handleAccept(ctx, frame.Data)
	case eventRejectConnection:
		err = h.handleReject(ctx, frame.Data)
	case eventLoadMessages:
		err = h.handleLoadMessages(ctx, sess, frame.Data)
	case eventSendMessage:
		err = h.handleSendMessage(ctx, frame.Data)
	case eventDeleteMessage:
		err = h.handleDeleteMessage(ctx, frame.Data)
	case eventMessageRead:
		err = h.handleMessageRead(ctx, frame.Data)
	case eventEditMessage:
		err = h.handleEditMessage(ctx, frame.Data)
	case eventSearchUsers:
		err = h.handleSearchUsers(ctx, sess, frame.Data)
	case eventTyping:
		err = h.handleTyping(ctx, frame.Data, false)
	case eventStopTyping:
		err = h.handleTyping(ctx, frame.Data, true)
	default:
		err = badEventErr("unknown event")
	}
	if err != nil {
		h.emitError(sess, frame.Event, err)
	}
}

func (h *Handler) handleRegister(ctx context.Context, sess *Session, data json.RawMessage) error {
	// The payload is normally a bare JSON string; tolerate an object form.
	var identity string
	if err := json.Unmarshal(data, &identity); err != nil {
		var obj struct {
			Email string `json:"email"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return badEventErr("register expects an identity")
		}
		identity = obj.Email
	}
	return h.svc.Register(ctx, identity, sess)
}

type peerPair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (h *Handler) handleConnectionRequest(ctx context.Context, data json.RawMessage) error {
	var p peerPair
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" || p.To == "" {
		return badEventErr("sendConnectionRequest expects from and to")
	}
	return h.svc.RequestConnection(ctx, p.From, p.To)
}

func (h *Handler) handleAccept(ctx context.Context, data json.RawMessage) error {
	var p peerPair
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" || p.To == "" {
		return badEventErr("acceptConnection expects from and to")
	}
	return h.svc.AcceptConnection(ctx, p.From, p.To)
}

func (h *Handler) handleReject(ctx context.Context, data json.RawMessage) error {
	var p peerPair
	if err := json.Unmarshal(data, &p); err != nil || p.From == "" || p.To == "" {
		return badEventErr("rejectConnection expects from and to")
	}
	return h.svc.RejectConnection(ctx, p.From, p.To)
}

func (h *Handler) handleLoadMessages(ctx context.Context, sess *Session, data json.RawMessage) error {
	var p struct {
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Sender == "" || p.Receiver == "" {
		return badEventErr("loadMessages expects sender and receiver")
	}
	msgs, err := h.svc.LoadHistory(ctx, p.Sender, p.Receiver)
	if err != nil {
		return err
	}
	return sess.Emit(relay.EventPreviousMessages, msgs)
}

func (h *Handler) handleSendMessage(ctx context.Context, data json.RawMessage) error {
	var p struct {
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
		Message  string `json:"message"`
		ReplyTo  string `json:"replyTo"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Sender == "" || p.Receiver == "" {
		return badEventErr("sendMessage expects sender, receiver and message")
	}
	if h.flood != nil && !h.flood.AllowMessage(ctx, p.Sender) {
		return rateLimitedErr
	}
	_, err := h.svc.SendMessage(ctx, p.Sender, p.Receiver, p.Message, p.ReplyTo)
	return err
}

func (h *Handler) handleDeleteMessage(ctx context.Context, data json.RawMessage) error {
	var p struct {
		MessageID string `json:"messageId"`
		Requester string `json:"requester"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" || p.Requester == "" {
		return badEventErr("deleteMessage expects messageId and requester")
	}
	return h.svc.DeleteMessage(ctx, p.MessageID, p.Requester)
}

func (h *Handler) handleMessageRead(ctx context.Context, data json.RawMessage) error {
	var p struct {
		MessageID string `json:"messageId"`
		Reader    string `json:"reader"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" || p.Reader == "" {
		return badEventErr("messageRead expects messageId and reader")
	}
	return h.svc.MarkRead(ctx, p.MessageID, p.Reader)
}

func (h *Handler) handleEditMessage(ctx context.Context, data json.RawMessage) error {
	var p struct {
		MessageID  string `json:"messageId"`
		Sender     string `json:"sender"`
		NewMessage string `json:"newMessage"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.MessageID == "" || p.Sender == "" {
		return badEventErr("editMessage expects messageId, sender and newMessage")
	}
	return h.svc.EditMessage(ctx, p.MessageID, p.Sender, p.NewMessage)
}

func (h *Handler) handleSearchUsers(ctx context.Context, sess *Session, data json.RawMessage) error {
	var p struct {
		Query    string `json:"query"`
		Identity string `json:"email"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Identity == "" {
		return badEventErr("searchUsers expects query and email")
	}
	results, err := h.svc.SearchUsers(ctx, p.Query, p.Identity)
	if err != nil {
		return err
	}
	return sess.Emit(relay.EventSearchResults, results)
}

func (h *Handler) handleTyping(ctx context.Context, data json.RawMessage, stopped bool) error {
	var p struct {
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
	}
	if err := json.Unmarshal(data, &p); err != nil || p.Sender == "" || p.Receiver == "" {
		return badEventErr("typing expects sender and receiver")
	}
	h.svc.Typing(p.Sender, p.Receiver, stopped)
	return nil
}

// badEvent marks a frame that could not be decoded into a known operation.
type badEvent struct{ msg string }

func (e badEvent) Error() string { return e.msg }

func badEventErr(msg string) error { return badEvent{msg: msg} }

var rateLimitedErr = errors.New("too many messages, slow down")

// emitError maps an operation failure to a structured error event on the
// originating session. Delivery is best-effort.
func (h *Handler) emitError(sess *Session, event string, err error) {
	code := codeStoreFailure
	var be badEvent
	switch {
	case errors.As(err, &be):
		code = codeBadEvent
	case errors.Is(err, chat.ErrInvalidIdentity):
		code = codeInvalidIdentity
	case errors.Is(err, chat.ErrRecipientNotFound):
		code = codeRecipientNotFound
	case errors.Is(err, chat.ErrNotConnected):
		code = codeNotConnected
	case errors.Is(err, chat.ErrNotFound):
		code = codeNotFound
	case errors.Is(err, rateLimitedErr):
		code = codeRateLimited
	default:
		h.logger.Error().Str("session", sess.ID()).Str("event", event).Err(err).Msg("operation failed")
	}
	metrics.EventErrors.WithLabelValues(code).Inc()

	if emitErr := sess.Emit(relay.EventError, errorEvent{Code: code, Message: err.Error()}); emitErr != nil {
		h.logger.Debug().Str("session", sess.ID()).Err(emitErr).Msg("error event delivery failed")
	}
}
