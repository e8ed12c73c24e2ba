// Package archive keeps a durable audit trail of auction events.
//
// The server publishes every event to a JetStream stream; the archival worker
// consumes the stream and writes each event into Postgres. Archiving is off the
// admission path: a failed publish is logged and never rejects a bid.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/models"
)

const (
	// StreamName is the JetStream stream holding archived events
	StreamName = "AUCTION_EVENTS"
	// ConsumerName is the durable consumer of the archival worker
	ConsumerName = "archival-worker"

	subjectPrefix = "auction.events."
)

// Subject returns the stream subject events of an auction are published on
func Subject(auctionID string) string {
	return subjectPrefix + auctionID
}

// Connect opens a NATS connection that keeps reconnecting
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// EnsureStream creates the event stream, or updates it to the current config
func EnsureStream(ctx context.Context, js jetstream.JetStream) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Auction events awaiting archival",
		Subjects:    []string{subjectPrefix + "*"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy, // each event archived once
		MaxAge:      7 * 24 * time.Hour,
		Duplicates:  2 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", StreamName, err)
	}
	return stream, nil
}

// Publisher sends events to the archive stream without waiting for acks.
// Failed publishes are logged; the live path never waits on the archive.
type Publisher struct {
	js     jetstream.JetStream
	logger zerolog.Logger
}

// NewPublisher creates the JetStream context and makes sure the stream exists
func NewPublisher(ctx context.Context, nc *nats.Conn, logger zerolog.Logger) (*Publisher, error) {
	logger = logging.Component(logger, "archive-publisher")
	js, err := jetstream.New(nc,
		jetstream.WithPublishAsyncMaxPending(4096),
		jetstream.WithPublishAsyncErrHandler(func(_ jetstream.JetStream, msg *nats.Msg, err error) {
			logger.Warn().Err(err).Str("subject", msg.Subject).Msg("failed to archive event")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if _, err := EnsureStream(ctx, js); err != nil {
		return nil, err
	}
	return &Publisher{js: js, logger: logger}, nil
}

// Publish archives ev. The event id doubles as the message id so a retried
// publish is stored once.
func (p *Publisher) Publish(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.js.PublishAsync(Subject(ev.AuctionID), data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("failed to archive %s: %w", ev.Type, err)
	}
	return nil
}

// Flush waits until every pending publish is acknowledged or ctx is done
func (p *Publisher) Flush(ctx context.Context) error {
	select {
	case <-p.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d events still pending: %w", p.js.PublishAsyncPending(), ctx.Err())
	}
}
