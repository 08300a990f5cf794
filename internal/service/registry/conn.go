package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Application close codes sent on connection teardown. Clients key their
// reconnect behavior off these: a replaced connection must not reconnect,
// a dead one should, an unauthorized one must re-authenticate first.
const (
	CloseReplaced     = 4000
	CloseDead         = 4001
	CloseUnauthorized = 4003
)

// Session is one live transport session bound to an authenticated device.
type Session interface {
	DeviceID() string
	AccountID() string
	WriteJSON(v any) error
	Ping() error
	LastPong() time.Time
	Close(code int, reason string) error
}

type (
	// Conn wraps a websocket connection with a write lock and close-once
	// semantics. Writes from the delivery engine, the backlog replay, and
	// the reaper's pings all race; the lock serializes them.
	Conn struct {
		ws        *websocket.Conn
		deviceID  string
		accountID string

		mu       sync.Mutex
		closed   bool
		lastPong time.Time
	}
)

func NewConn(ws *websocket.Conn, deviceID, accountID string) *Conn {
	c := &Conn{
		ws:        ws,
		deviceID:  deviceID,
		accountID: accountID,
		lastPong:  time.Now(),
	}
	ws.SetPongHandler(func(string) error {
		c.touchPong()
		return nil
	})
	return c
}

func (c *Conn) DeviceID() string  { return c.deviceID }
func (c *Conn) AccountID() string { return c.accountID }

func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteJSON(v)
}

// ReadMessage blocks on the next frame from the client. Only the
// connection's own read loop calls it.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (c *Conn) touchPong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

func (c *Conn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// Close sends a close frame with the given application code and closes the
// underlying socket. Safe to call more than once.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
