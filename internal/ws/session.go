package ws

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Session wraps a single websocket connection. Reads happen only on the
// handler's loop goroutine; writes can come from any goroutine routing an
// event here, so Emit serializes them behind a mutex.
type Session struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewSession wraps conn with a fresh session ID.
func NewSession(conn *websocket.Conn) *Session {
	return &Session{id: uuid.New().String(), conn: conn}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Emit sends one event frame to the client.
func (s *Session) Emit(event string, payload interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(Frame{Event: event, Data: payload})
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
