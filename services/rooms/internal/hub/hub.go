package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned once the hub has stopped.
var ErrClosed = errors.New("hub: closed")

const opsBuffer = 256

type opKind int

const (
	opSubscribe opKind = iota
	opUnsubscribe
	opBroadcast
	opDirect
	opClose
)

type op struct {
	kind    opKind
	client  *Client
	room    string
	payload []byte
}

// Hub fans room broadcasts out to subscribed clients. A single goroutine
// owns membership and every client queue, so subscriptions, broadcasts and
// direct sends are delivered in the order they were submitted.
type Hub struct {
	ops    chan op
	done   chan struct{}
	logger *slog.Logger

	// rooms is owned by Run.
	rooms map[string]map[*Client]struct{}

	mu     sync.RWMutex
	counts map[string]int
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		ops:    make(chan op, opsBuffer),
		done:   make(chan struct{}),
		logger: logger,
		rooms:  make(map[string]map[*Client]struct{}),
		counts: make(map[string]int),
	}
}

// Run processes hub operations until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, clients := range h.rooms {
				for c := range clients {
					c.closeSend()
				}
			}
			h.rooms = map[string]map[*Client]struct{}{}
			h.mu.Lock()
			h.counts = map[string]int{}
			h.mu.Unlock()
			return nil
		case o := <-h.ops:
			h.handle(o)
		}
	}
}

func (h *Hub) handle(o op) {
	switch o.kind {
	case opSubscribe:
		clients := h.rooms[o.client.room]
		if clients == nil {
			clients = make(map[*Client]struct{})
			h.rooms[o.client.room] = clients
		}
		clients[o.client] = struct{}{}
		h.setCount(o.client.room, len(clients))
		if o.payload != nil {
			h.deliver(o.client, o.payload)
		}
	case opUnsubscribe:
		h.drop(o.client)
	case opBroadcast:
		for c := range h.rooms[o.room] {
			h.deliver(c, o.payload)
		}
	case opDirect:
		if _, ok := h.rooms[o.client.room][o.client]; ok {
			h.deliver(o.client, o.payload)
		}
	case opClose:
		for c := range h.rooms[o.room] {
			if o.payload != nil {
				h.deliver(c, o.payload)
			}
			h.drop(c)
		}
	}
}

// deliver queues payload for c without blocking; a client that cannot keep
// up is dropped and its connection closes.
func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.logger.Warn("websocket client too slow, dropping", "room", c.room, "participant_id", c.participantID)
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	clients, ok := h.rooms[c.room]
	if !ok {
		return
	}
	if _, ok := clients[c]; !ok {
		return
	}
	delete(clients, c)
	c.closeSend()
	if len(clients) == 0 {
		delete(h.rooms, c.room)
	}
	h.setCount(c.room, len(clients))
}

func (h *Hub) setCount(room string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.counts, room)
		return
	}
	h.counts[room] = n
}

func (h *Hub) submit(ctx context.Context, o op) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.ops <- o:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe adds c to its room. initial, when non-nil, is the first message
// the client receives.
func (h *Hub) Subscribe(ctx context.Context, c *Client, initial []byte) error {
	err := h.submit(ctx, op{kind: opSubscribe, client: c, payload: initial})
	if err != nil {
		c.closeSend()
	}
	return err
}

// Unsubscribe removes c; its send queue is closed. Unknown clients are ignored.
func (h *Hub) Unsubscribe(c *Client) {
	_ = h.submit(context.Background(), op{kind: opUnsubscribe, client: c})
}

// Broadcast queues payload for every client subscribed to room.
func (h *Hub) Broadcast(ctx context.Context, room string, payload []byte) error {
	return h.submit(ctx, op{kind: opBroadcast, room: room, payload: payload})
}

// CloseRoom queues payload as the final message for every client of room and
// then closes their connections.
func (h *Hub) CloseRoom(ctx context.Context, room string, payload []byte) error {
	return h.submit(ctx, op{kind: opClose, room: room, payload: payload})
}

// Direct queues payload for c alone.
func (h *Hub) Direct(ctx context.Context, c *Client, payload []byte) error {
	return h.submit(ctx, op{kind: opDirect, client: c, payload: payload})
}

// Subscribers is the number of clients currently subscribed to room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.counts[room]
}
