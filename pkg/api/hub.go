package api

import (
	"encoding/json"
	"log/slog"
)

type subscription struct {
	client         *Client
	conversationId string
}

type publication struct {
	conversationId string
	payload        []byte
}

// Hub maintains the set of live connections and their per-conversation rooms
// and fans events out to every connection currently joined to a room.
//
// Room membership is connection-scoped: a reconnecting client must re-join
// every room it cares about or it silently stops receiving events. Delivery
// is at-most-once with no replay; missed events are recovered by re-fetching
// the message log.
type Hub struct {
	// Registered connections.
	clients map[*Client]bool

	// conversationId -> connections currently joined.
	rooms map[string]map[*Client]bool

	// Reverse index for unregister cleanup.
	clientRooms map[*Client]map[string]bool

	Register   chan *Client
	unregister chan *Client
	join       chan subscription
	leave      chan subscription
	broadcast  chan publication

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		rooms:       make(map[string]map[*Client]bool),
		clientRooms: make(map[*Client]map[string]bool),
		Register:    make(chan *Client),
		unregister:  make(chan *Client),
		join:        make(chan subscription),
		leave:       make(chan subscription),
		broadcast:   make(chan publication, 64),
		logger:      logger,
	}
}

// Publish fans event out to every connection joined to the conversation's
// room. No connection is excluded: the publisher's own devices receive the
// event too, which is what keeps multiple devices of one user consistent.
func (h *Hub) Publish(conversationId string, event OutgoingEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("could not encode outgoing event", "kind", event.Kind, "error", err)
		return
	}
	h.broadcast <- publication{conversationId: conversationId, payload: payload}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			h.clientRooms[client] = make(map[string]bool)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.evict(client)
			}

		case sub := <-h.join:
			if _, ok := h.clients[sub.client]; !ok {
				continue
			}
			room := h.rooms[sub.conversationId]
			if room == nil {
				room = make(map[*Client]bool)
				h.rooms[sub.conversationId] = room
			}
			room[sub.client] = true
			h.clientRooms[sub.client][sub.conversationId] = true

		case sub := <-h.leave:
			h.dropFromRoom(sub.client, sub.conversationId)
			if memberships, ok := h.clientRooms[sub.client]; ok {
				delete(memberships, sub.conversationId)
			}

		case pub := <-h.broadcast:
			for client := range h.rooms[pub.conversationId] {
				select {
				case client.send <- pub.payload:
				default:
					// Slow consumer: drop the connection rather than
					// block fan-out for the rest of the room.
					h.evict(client)
				}
			}
		}
	}
}

func (h *Hub) evict(client *Client) {
	for conversationId := range h.clientRooms[client] {
		h.dropFromRoom(client, conversationId)
	}
	delete(h.clientRooms, client)
	delete(h.clients, client)
	close(client.send)
}

func (h *Hub) dropFromRoom(client *Client, conversationId string) {
	room, ok := h.rooms[conversationId]
	if !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, conversationId)
	}
}
