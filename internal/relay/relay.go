// Package relay implements the inter-server bus (§4.G): a single fan-out
// topic exchange with one durable queue per server, JSON envelopes keyed
// by (origin UUID, sequence) for idempotence. Conflicting events are not
// resolved by timestamp: every event that passes the duplicate check is
// handed to the consumer in arrival order.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
)

// Event type names carried in the envelope's "type" field and used as the
// AMQP routing key, per §4.G.
const (
	EventServerHello = "SERVER_HELLO"
	EventServerBye   = "SERVER_BYE"
	EventUserAdd     = "USER_ADD"
	EventUserQuit    = "USER_QUIT"
	EventNickChange  = "NICK_CHANGE"
	EventUserMode    = "USER_MODE"
	EventChanJoin    = "CHAN_JOIN"
	EventChanPart    = "CHAN_PART"
	EventChanMode    = "CHAN_MODE"
	EventChanTopic   = "CHAN_TOPIC"
	EventChanKick    = "CHAN_KICK"
	EventMessage     = "MESSAGE"
	EventBurstBegin  = "BURST_BEGIN"
	EventBurstState  = "BURST_STATE"
	EventBurstEnd    = "BURST_END"
)

// Envelope is the wire format for every relay event (§6 "Relay event
// envelope").
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Origin  string          `json:"origin"`
	Seq     uint64          `json:"seq"`
	TS      int64           `json:"ts"` // unix millis
	Payload json.RawMessage `json:"payload"`
}

// Publisher is the narrow interface dispatch needs to emit relay events,
// letting it run unmodified against either a live AMQP bus or NopPublisher
// when no `[amqp]` config is present.
type Publisher interface {
	Publish(eventType string, payload any) error
	OriginID() string
}

// NopPublisher discards every event — used when relay is unconfigured.
type NopPublisher struct{ origin string }

// NewNopPublisher returns a Publisher that drops everything it's given.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{origin: uuid.NewString()}
}

func (n *NopPublisher) Publish(string, any) error { return nil }
func (n *NopPublisher) OriginID() string          { return n.origin }

// dedupeWindow bounds how long a (origin,seq) pair is remembered for
// duplicate suppression on inbound events (§4.G "Idempotence").
const dedupeWindow = 5 * time.Minute

// Bus is an AMQP-0-9-1-backed Publisher/Consumer pair: one topic exchange
// shared by every server in the network, one durable queue owned by this
// server.
type Bus struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	origin   string
	seq      atomic.Uint64

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// Dial connects to the AMQP broker at url, declares the shared topic
// exchange and this server's durable queue, and binds to every routing
// key (server-side filtering is left to consumers inspecting the
// envelope's Type).
func Dial(url, exchange, queue string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: declare queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", exchange, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: bind queue: %w", err)
	}

	return &Bus{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		queue:    q.Name,
		origin:   uuid.NewString(),
		seen:     make(map[string]time.Time),
	}, nil
}

// OriginID is this server's relay origin UUID.
func (b *Bus) OriginID() string { return b.origin }

// Close tears down the channel and connection.
func (b *Bus) Close() error {
	b.ch.Close()
	return b.conn.Close()
}

// Publish marshals payload into an envelope and publishes it with the
// event type as the routing key. Loop prevention (§4.G): callers must
// never re-publish an event that arrived via Consume — Bus itself doesn't
// track provenance beyond stamping its own origin on outbound events.
func (b *Bus) Publish(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: marshal payload: %w", err)
	}
	env := Envelope{
		V:       1,
		Type:    eventType,
		Origin:  b.origin,
		Seq:     b.seq.Add(1),
		TS:      time.Now().UnixMilli(),
		Payload: raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: marshal envelope: %w", err)
	}
	err = b.ch.PublishWithContext(context.Background(), b.exchange, eventType, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Consume starts delivering inbound envelopes to handle, skipping events
// that originated from this server (loop prevention) and duplicates
// within dedupeWindow (idempotence, §4.G / invariant 7 in §8). It blocks
// until ctx is cancelled.
func (b *Bus) Consume(ctx context.Context, handle func(Envelope)) error {
	deliveries, err := b.ch.Consume(b.queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("relay: consume: %w", err)
	}
	go b.expireSeenLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("relay: delivery channel closed")
			}
			var env Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				slog.Warn("relay: bad envelope", "err", err)
				continue
			}
			if env.Origin == b.origin {
				continue // loop prevention
			}
			if b.isDuplicate(env) {
				continue
			}
			handle(env)
		}
	}
}

func (b *Bus) isDuplicate(env Envelope) bool {
	key := fmt.Sprintf("%s:%d", env.Origin, env.Seq)
	now := time.Now()
	b.seenMu.Lock()
	defer b.seenMu.Unlock()
	if _, ok := b.seen[key]; ok {
		return true
	}
	b.seen[key] = now
	return false
}

func (b *Bus) expireSeenLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			b.seenMu.Lock()
			for k, seenAt := range b.seen {
				if now.Sub(seenAt) > dedupeWindow {
					delete(b.seen, k)
				}
			}
			b.seenMu.Unlock()
		}
	}
}
