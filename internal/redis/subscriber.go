package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/notify"
)

// Invalidator forgets locally cached auction state
type Invalidator interface {
	Invalidate(ctx context.Context, auctionID string) error
}

// Subscriber forwards events relayed by other nodes to a local publisher.
// Every foreign event means another node wrote the auction, so the local copy
// is dropped before the event is delivered.
type Subscriber struct {
	client *redis.Client
	origin string
	local  notify.Publisher
	cache  Invalidator
	logger zerolog.Logger
}

// NewSubscriber creates a subscriber that drops its own node's messages
func NewSubscriber(client *redis.Client, origin string, local notify.Publisher, cache Invalidator, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		client: client,
		origin: origin,
		local:  local,
		cache:  cache,
		logger: logging.Component(logger, "redis-bus"),
	}
}

// Listen subscribes to every event channel and blocks until ctx is done
func (s *Subscriber) Listen(ctx context.Context) error {
	pubsub := s.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.forward(ctx, []byte(msg.Payload))
		}
	}
}

func (s *Subscriber) forward(ctx context.Context, data []byte) {
	origin, ev, err := decode(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping relayed message")
		return
	}
	if origin == s.origin {
		return
	}
	if ev.AuctionID != "" && s.cache != nil {
		invCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.cache.Invalidate(invCtx, ev.AuctionID)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("auctionId", ev.AuctionID).Msg("failed to drop cached auction")
		}
	}
	if err := s.local.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("failed to forward relayed event")
	}
}
