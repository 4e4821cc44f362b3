package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Time allowed for the peer to authenticate before disconnect.
	authWait = 30 * time.Second
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// TokenVerifier checks an ID token and returns the uid it belongs to.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Client is a middleman between one websocket connection and the Hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound payloads.
	send chan []byte

	// Identity of the connected user.
	userId string

	// Membership lookups for room joins.
	store Store

	verifier TokenVerifier
	logger   *slog.Logger

	// Whether the client has presented a valid token on this connection.
	isAuthenticated bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userId string, store Store, verifier TokenVerifier, logger *slog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		userId:   userId,
		store:    store,
		verifier: verifier,
		logger:   logger,
	}
}

// ReadPump pumps requests from the websocket connection into the Hub.
//
// The application runs ReadPump in a per-connection goroutine and ensures
// there is at most one reader on a connection by executing all reads from
// this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing network connection", "error", err)
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error("unable to set read deadline", "error", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The connection is dropped unless the peer authenticates in time. The
	// timer is stopped from this goroutine on success, so it never needs to
	// look at the client's state.
	authTimer := time.AfterFunc(authWait, func() {
		_ = c.conn.Close()
	})
	defer authTimer.Stop()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", "user", c.userId, "error", err)
			}
			return
		}
		payload = bytes.TrimSpace(bytes.Replace(payload, newline, space, -1))

		var event IncomingEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.logger.Warn("could not decode socket request", "error", err)
			continue
		}

		if !c.isAuthenticated {
			if event.RequestType == Authenticate {
				if c.authenticate(event.Token) {
					authTimer.Stop()
				} else {
					_ = c.conn.Close()
				}
			}
			continue
		}

		switch event.RequestType {
		case JoinRoom:
			c.joinRoom(event.ConversationId)
		case LeaveRoom:
			c.hub.leave <- subscription{client: c, conversationId: event.ConversationId}
		}
	}
}

func (c *Client) authenticate(token string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	uid, err := c.verifier.Verify(ctx, token)
	if err != nil {
		c.logger.Warn("socket token rejected", "error", err)
		return false
	}
	if uid != c.userId {
		c.logger.Warn("socket token does not match connection uid", "user", c.userId)
		return false
	}
	c.isAuthenticated = true
	return true
}

// joinRoom subscribes the connection to a conversation's room. Joining is
// idempotent and connection-scoped; only current members may join.
func (c *Client) joinRoom(conversationId string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	conversation, err := c.store.GetConversation(ctx, conversationId)
	if err != nil {
		c.logger.Warn("join rejected", "conversation", conversationId, "error", err)
		return
	}
	if !conversation.HasMember(c.userId) {
		c.logger.Warn("join rejected for non-member", "conversation", conversationId, "user", c.userId)
		return
	}
	c.hub.join <- subscription{client: c, conversationId: conversationId}
}

// WritePump pumps payloads from the Hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(payload)

			// Add queued events to the current websocket message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
