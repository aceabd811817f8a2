package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "poker:room:"

// closedSuffix marks the channel that ends a room's connections. Room codes
// never contain a colon.
const closedSuffix = ":closed"

// Local delivers a payload to the subscribers connected to this instance.
type Local interface {
	Broadcast(ctx context.Context, room string, payload []byte) error
	CloseRoom(ctx context.Context, room string, payload []byte) error
}

// Relay carries room broadcasts between instances over Redis pub/sub.
// Broadcast publishes; Run receives every room channel and hands payloads
// to the local hub.
type Relay struct {
	client redis.UniversalClient
	local  Local
	prefix string
	logger *slog.Logger
	ready  chan struct{}
}

func New(client redis.UniversalClient, local Local, prefix string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{client: client, local: local, prefix: prefix, logger: logger, ready: make(chan struct{})}
}

// Broadcast publishes payload on the room channel. It returns once Redis has
// accepted the message.
func (r *Relay) Broadcast(ctx context.Context, room string, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefix+room, payload).Err(); err != nil {
		return fmt.Errorf("relay publish %s: %w", room, err)
	}
	return nil
}

// CloseRoom publishes the final payload of a room; every instance delivers it
// and disconnects that room's clients.
func (r *Relay) CloseRoom(ctx context.Context, room string, payload []byte) error {
	if err := r.client.Publish(ctx, r.prefix+room+closedSuffix, payload).Err(); err != nil {
		return fmt.Errorf("relay close %s: %w", room, err)
	}
	return nil
}

// Ready is closed once Run's subscription is active.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Run forwards published payloads to the local hub until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	close(r.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			room := strings.TrimPrefix(msg.Channel, r.prefix)
			var err error
			if code, closed := strings.CutSuffix(room, closedSuffix); closed {
				room = code
				err = r.local.CloseRoom(ctx, room, []byte(msg.Payload))
			} else {
				err = r.local.Broadcast(ctx, room, []byte(msg.Payload))
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("relay deliver failed", "room", room, "err", err)
			}
		}
	}
}
