// Package redis relays auction events between server nodes over Redis Pub/Sub.
// Each node publishes what it admitted and forwards what other nodes admitted
// to its own dispatcher, so watchers see every event whichever node they hold a
// connection to.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aaronwang/live-auction/internal/models"
)

// channelPrefix namespaces event channels; the topic follows it
const channelPrefix = "auction_events:"

// NewClient connects to Redis and checks the connection
func NewClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// envelope is the wire form of a relayed event
type envelope struct {
	Origin string       `json:"origin"`
	Event  models.Event `json:"event"`
}

// wireEnvelope keeps the payload raw so it is re-sent byte for byte
type wireEnvelope struct {
	Origin string `json:"origin"`
	Event  struct {
		ID        string           `json:"id"`
		Type      models.EventType `json:"type"`
		Topic     string           `json:"topic"`
		AuctionID string           `json:"auctionId"`
		Payload   json.RawMessage  `json:"payload"`
		Timestamp time.Time        `json:"timestamp"`
	} `json:"event"`
}

func encode(origin string, ev models.Event) ([]byte, error) {
	return json.Marshal(envelope{Origin: origin, Event: ev})
}

func decode(data []byte) (string, models.Event, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return "", models.Event{}, fmt.Errorf("failed to decode relayed event: %w", err)
	}
	if w.Event.Topic == "" || w.Event.Type == "" {
		return "", models.Event{}, fmt.Errorf("relayed event is missing its topic or type")
	}
	return w.Origin, models.Event{
		ID:        w.Event.ID,
		Type:      w.Event.Type,
		Topic:     w.Event.Topic,
		AuctionID: w.Event.AuctionID,
		Payload:   w.Event.Payload,
		Timestamp: w.Event.Timestamp,
	}, nil
}

// Publisher relays locally produced events to the other nodes
type Publisher struct {
	client *redis.Client
	origin string
}

// NewPublisher creates a publisher tagging its messages with origin
func NewPublisher(client *redis.Client, origin string) *Publisher {
	return &Publisher{client: client, origin: origin}
}

// Publish sends ev on the channel of its topic
func (p *Publisher) Publish(ctx context.Context, ev models.Event) error {
	data, err := encode(p.origin, ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channelPrefix+ev.Topic, data).Err(); err != nil {
		return fmt.Errorf("failed to relay %s: %w", ev.Type, err)
	}
	return nil
}
