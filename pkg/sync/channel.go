package sync

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatSync/pkg/api"
)

const (
	channelWriteWait  = 10 * time.Second
	maxReconnectDelay = 30 * time.Second
)

// ChannelEvent is one item from the realtime channel: either a server event
// or a reconnection marker telling the engine to re-join its rooms and
// re-fetch, since missed events are not replayed.
type ChannelEvent struct {
	Event       *api.OutgoingEvent
	Reconnected bool
}

// Channel is the realtime side of the sync engine. Room membership is
// connection-scoped, so Join must be re-issued after every reconnect.
type Channel interface {
	Join(conversationId string) error
	Leave(conversationId string) error
	Events() <-chan ChannelEvent
	Close() error
}

// WSChannel maintains one websocket connection to the chat server,
// authenticates in-band and reconnects with backoff after drops.
type WSChannel struct {
	url    string
	token  func() (string, error)
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	events chan ChannelEvent
	done   chan struct{}
	once   sync.Once
}

// DialChannel connects and authenticates, then keeps the connection alive in
// the background. token is called on every (re)connect so expiring ID tokens
// keep working.
func DialChannel(url string, token func() (string, error), logger *slog.Logger) (*WSChannel, error) {
	c := &WSChannel{
		url:    url,
		token:  token,
		dialer: websocket.DefaultDialer,
		logger: logger,
		events: make(chan ChannelEvent, 64),
		done:   make(chan struct{}),
	}
	conn, err := c.connect()
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.run()
	return c, nil
}

func (c *WSChannel) Events() <-chan ChannelEvent { return c.events }

func (c *WSChannel) Join(conversationId string) error {
	return c.write(api.IncomingEvent{RequestType: api.JoinRoom, ConversationId: conversationId})
}

func (c *WSChannel) Leave(conversationId string) error {
	return c.write(api.IncomingEvent{RequestType: api.LeaveRoom, ConversationId: conversationId})
}

func (c *WSChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *WSChannel) write(event api.IncomingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return api.ErrNotFound
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSChannel) connect() (*websocket.Conn, error) {
	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		return nil, err
	}
	token, err := c.token()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	payload, err := json.Marshal(api.IncomingEvent{RequestType: api.Authenticate, Token: token})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *WSChannel) run() {
	defer close(c.events)
	for {
		c.readLoop()

		select {
		case <-c.done:
			return
		default:
		}

		conn, err := c.reconnect()
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		select {
		case c.events <- ChannelEvent{Reconnected: true}:
		case <-c.done:
			return
		}
	}
}

func (c *WSChannel) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("channel read ended", "error", err)
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			return
		}
		// The server batches queued events into one frame, newline-separated.
		for _, line := range bytes.Split(payload, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var event api.OutgoingEvent
			if err := json.Unmarshal(line, &event); err != nil {
				c.logger.Warn("could not decode channel event", "error", err)
				continue
			}
			select {
			case c.events <- ChannelEvent{Event: &event}:
			case <-c.done:
				return
			}
		}
	}
}

func (c *WSChannel) reconnect() (*websocket.Conn, error) {
	delay := time.Second
	for {
		select {
		case <-c.done:
			return nil, api.ErrNotFound
		case <-time.After(delay):
		}

		conn, err := c.connect()
		if err == nil {
			c.logger.Info("channel reconnected")
			return conn, nil
		}
		c.logger.Warn("channel reconnect failed", "error", err)
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
