// Package events publishes applied room actions to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "poker.events"
	publishTimeout  = 5 * time.Second
	defaultBuffer   = 256
)

// Event is the JSON body of every published message.
type Event struct {
	Room          string         `json:"room"`
	Action        string         `json:"action"`
	ParticipantID string         `json:"participant_id,omitempty"`
	StoryID       string         `json:"story_id,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	DurationMs    int64          `json:"duration_ms"`
	At            time.Time      `json:"at"`
}

// RoutingKey is room.<action>.
func (e Event) RoutingKey() string {
	return "room." + e.Action
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher buffers events and publishes them from a single goroutine.
// Publish never blocks; events are dropped when the buffer is full.
type Publisher struct {
	ch       Channel
	exchange string
	buf      chan Event
	logger   *slog.Logger

	closeOnce sync.Once
	closers   []func() error
}

// NewPublisher wraps an open channel. buffer <= 0 uses 256.
func NewPublisher(ch Channel, exchange string, buffer int) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		buf:      make(chan Event, buffer),
		logger:   slog.Default().With("component", "events"),
	}
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange string, buffer int) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	p := NewPublisher(ch, exchange, buffer)
	p.closers = []func() error{ch.Close, conn.Close}
	return p, nil
}

// Publish enqueues e and reports whether it was accepted.
func (p *Publisher) Publish(e Event) bool {
	select {
	case p.buf <- e:
		return true
	default:
		p.logger.Warn("event dropped, buffer full", "room", e.Room, "action", e.Action)
		return false
	}
}

// Run publishes buffered events until ctx is cancelled, then flushes what
// is already queued.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case e := <-p.buf:
			if err := p.send(ctx, e); err != nil {
				p.logger.Warn("event publish failed", "room", e.Room, "action", e.Action, "err", err)
			}
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for {
		select {
		case e := <-p.buf:
			if err := p.send(ctx, e); err != nil {
				p.logger.Warn("event publish failed during flush", "room", e.Room, "action", e.Action, "err", err)
			}
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.ch.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.At,
		Body:         body,
	})
}

// Close releases the channel and connection opened by Dial.
func (p *Publisher) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		for _, c := range p.closers {
			if err := c(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
