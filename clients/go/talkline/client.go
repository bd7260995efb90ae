// Package talkline provides a client for the Talkline duplex channel. It
// speaks the event-frame protocol directly and has no dependency on the
// server's internals.
package talkline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Message mirrors the server's message shape.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Edited    bool      `json:"edited"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	ReplyBody string    `json:"replyMessage,omitempty"`
}

// Client is a Talkline duplex channel client.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Dial opens a channel to a Talkline server. baseURL is the HTTP base, e.g.
// "http://localhost:8080"; the /ws path is appended.
func Dial(baseURL string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the channel.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Next blocks until the server sends the next event frame.
func (c *Client) Next() (*Frame, error) {
	var f Frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// emit sends one event frame to the server.
func (c *Client) emit(event string, data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(map[string]interface{}{"event": event, "data": data})
}

// Register binds this channel to an identity.
func (c *Client) Register(identity string) error {
	return c.emit("register", identity)
}

// SendConnectionRequest asks to connect from -> to.
func (c *Client) SendConnectionRequest(from, to string) error {
	return c.emit("sendConnectionRequest", map[string]string{"from": from, "to": to})
}

// AcceptConnection accepts a pending request from `from`.
func (c *Client) AcceptConnection(from, to string) error {
	return c.emit("acceptConnection", map[string]string{"from": from, "to": to})
}

// RejectConnection clears a pending request without connecting.
func (c *Client) RejectConnection(from, to string) error {
	return c.emit("rejectConnection", map[string]string{"from": from, "to": to})
}

// LoadMessages requests the conversation history; the server answers with a
// previousMessages event.
func (c *Client) LoadMessages(sender, receiver string) error {
	return c.emit("loadMessages", map[string]string{"sender": sender, "receiver": receiver})
}

// SendMessage sends a direct message. replyTo may be empty.
func (c *Client) SendMessage(sender, receiver, body, replyTo string) error {
	payload := map[string]string{"sender": sender, "receiver": receiver, "message": body}
	if replyTo != "" {
		payload["replyTo"] = replyTo
	}
	return c.emit("sendMessage", payload)
}

// DeleteMessage removes a message this identity sent or received.
func (c *Client) DeleteMessage(messageID, requester string) error {
	return c.emit("deleteMessage", map[string]string{"messageId": messageID, "requester": requester})
}

// MarkRead flags a received message as read.
func (c *Client) MarkRead(messageID, reader string) error {
	return c.emit("messageRead", map[string]string{"messageId": messageID, "reader": reader})
}

// EditMessage replaces the body of a message this identity sent.
func (c *Client) EditMessage(messageID, sender, newBody string) error {
	return c.emit("editMessage", map[string]string{"messageId": messageID, "sender": sender, "newMessage": newBody})
}

// SearchUsers looks up identities by substring.
func (c *Client) SearchUsers(query, identity string) error {
	return c.emit("searchUsers", map[string]string{"query": query, "email": identity})
}

// Typing signals that sender is composing a message to receiver.
func (c *Client) Typing(sender, receiver string) error {
	return c.emit("typing", map[string]string{"sender": sender, "receiver": receiver})
}

// StopTyping clears the typing indicator.
func (c *Client) StopTyping(sender, receiver string) error {
	return c.emit("stopTyping", map[string]string{"sender": sender, "receiver": receiver})
}
