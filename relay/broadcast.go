// Package relay pushes controller events to websocket clients.
//
// A Broadcaster is an mctr.Observer. Each event is encoded once as a JSON
// message of the form {"type": ..., "payload": ...} and queued to every
// connected client. A client that cannot keep up is disconnected, so the
// observer never blocks the session.
package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	mctr "github.com/smnsjas/go-mctr"
)

const (
	defaultBufferSize = 64
	writeWait         = 10 * time.Second
)

var (
	// ErrTooManyConnections is returned by AddClient when the client limit
	// is reached.
	ErrTooManyConnections = errors.New("too many relay connections")
	// ErrClosed is returned by AddClient after Close.
	ErrClosed = errors.New("relay closed")
)

// Client is one websocket connection fed by a Broadcaster.
type Client struct {
	id   uuid.UUID
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

// ID returns the identifier used for the client in logs.
func (c *Client) ID() uuid.UUID {
	return c.id
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.logger.Debug("relay write failed", zap.Stringer("client", c.id), zap.Error(err))
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster relays observer events to websocket clients.
type Broadcaster struct {
	logger     *zap.Logger
	maxClients int
	bufferSize int
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	state   mctr.State
	closed  bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMaxClients limits the number of connected clients. Zero means no
// limit.
func WithMaxClients(n int) Option {
	return func(b *Broadcaster) {
		b.maxClients = n
	}
}

// WithBufferSize sets how many messages may be queued per client before
// the client is dropped.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithCheckOrigin sets the origin check used when upgrading connections.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(b *Broadcaster) {
		b.upgrader.CheckOrigin = fn
	}
}

// NewBroadcaster creates a Broadcaster with no clients.
func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		logger:     zap.NewNop(),
		bufferSize: defaultBufferSize,
		clients:    make(map[*Client]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddClient registers conn and sends it a snapshot of the last known state.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*Client, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &Client{
		id:   uuid.New(),
		conn: conn,
		b:    b,
		send: make(chan []byte, b.bufferSize),
	}
	if data, err := json.Marshal(Message{Type: MsgSnapshot, Payload: statusPayload(b.state)}); err == nil {
		c.send <- data
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	b.logger.Debug("relay client added", zap.Stringer("client", c.id))
	return c, nil
}

// RemoveClient unregisters c and closes its connection.
func (b *Broadcaster) RemoveClient(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request to a websocket and relays events to it
// until the client goes away.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("relay upgrade failed", zap.Error(err))
		return
	}

	c, err := b.AddClient(conn)
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	b.logger.Info("relay client connected", zap.Stringer("client", c.id), zap.String("remote", r.RemoteAddr))

	defer func() {
		b.RemoveClient(c)
		b.logger.Info("relay client disconnected", zap.Stringer("client", c.id))
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Warn("relay marshal failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !b.offer(c, data) {
			b.logger.Warn("relay client too slow, disconnecting", zap.Stringer("client", c.id))
			b.RemoveClient(c)
		}
	}
}

// offer queues data without blocking. It reports false when the client's
// queue is full. A client removed concurrently counts as delivered.
func (b *Broadcaster) offer(c *Client, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.clients[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) StatusChanged(s mctr.State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.broadcast(Message{Type: MsgStatus, Payload: statusPayload(s)})
}

func (b *Broadcaster) Error(severity int, message string) {
	b.broadcast(Message{Type: MsgError, Payload: ErrorPayload{Severity: severity, Message: message}})
}

func (b *Broadcaster) Notify(t mctr.Timeval, source string, severity int, message string) {
	b.broadcast(Message{Type: MsgNotify, Payload: NotifyPayload{
		Sec:      t.Sec,
		Usec:     t.Usec,
		Source:   source,
		Severity: severity,
		Message:  message,
	}})
}

func (b *Broadcaster) Verdict(testcase string, v mctr.Verdict) {
	b.broadcast(Message{Type: MsgVerdict, Payload: VerdictPayload{Testcase: testcase, Verdict: v.String()}})
}

func (b *Broadcaster) VerdictStats(stats map[mctr.Verdict]int) {
	payload := make(VerdictStatsPayload, len(stats))
	for v, n := range stats {
		payload[v.String()] = n
	}
	b.broadcast(Message{Type: MsgVerdictStats, Payload: payload})
}
