package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/models"
)

// errMalformed marks a message that can never be archived
var errMalformed = errors.New("malformed event")

// Record is an archived event as stored
type Record struct {
	EventID   string           `json:"id"`
	Type      models.EventType `json:"type"`
	Topic     string           `json:"topic"`
	AuctionID string           `json:"auctionId"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

// Sink persists archived events; inserting the same event twice must be a no-op
type Sink interface {
	InsertEvent(ctx context.Context, rec *Record) error
}

// Consumer drains the archive stream into a Sink
type Consumer struct {
	nc      *nats.Conn
	sink    Sink
	logger  zerolog.Logger
	timeout time.Duration
}

// NewConsumer creates a consumer writing to sink
func NewConsumer(nc *nats.Conn, sink Sink, logger zerolog.Logger) *Consumer {
	return &Consumer{
		nc:      nc,
		sink:    sink,
		logger:  logging.Component(logger, "archive-consumer"),
		timeout: 10 * time.Second,
	}
}

// Start consumes with a durable explicit-ack consumer until ctx is done
func (c *Consumer) Start(ctx context.Context) error {
	js, err := jetstream.New(c.nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	stream, err := EnsureStream(ctx, js)
	if err != nil {
		return err
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: subjectPrefix + "*",
		MaxDeliver:    10,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", ConsumerName, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	c.logger.Info().Str("stream", StreamName).Str("consumer", ConsumerName).Msg("consuming auction events")
	<-ctx.Done()
	return nil
}

// handle acks archived events, terminates poison messages and naks the rest
func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	err := c.process(ctx, msg.Data())
	switch {
	case err == nil:
		if err := msg.Ack(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to ack")
		}
	case errors.Is(err, errMalformed):
		c.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("dropping event")
		msg.Term()
	default:
		c.logger.Warn().Err(err).Msg("failed to archive event, will be redelivered")
		msg.NakWithDelay(time.Second)
	}
}

func (c *Consumer) process(ctx context.Context, data []byte) error {
	rec, err := decode(data)
	if err != nil {
		return err
	}

	dbCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sink.InsertEvent(dbCtx, rec); err != nil {
		return fmt.Errorf("failed to persist event %s: %w", rec.EventID, err)
	}
	c.logger.Debug().
		Str("eventId", rec.EventID).
		Str("type", string(rec.Type)).
		Str("auctionId", rec.AuctionID).
		Msg("archived event")
	return nil
}

func decode(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if rec.EventID == "" || rec.AuctionID == "" || rec.Type == "" {
		return nil, fmt.Errorf("%w: id, auctionId and type are required", errMalformed)
	}
	return &rec, nil
}
