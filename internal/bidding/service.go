// Package bidding admits or rejects bid submissions against the live auction state.
package bidding

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/live-auction/internal/lifecycle"
	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/metrics"
	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/notify"
	"github.com/aaronwang/live-auction/internal/registry"
	"github.com/aaronwang/live-auction/internal/store"
)

// Scheduler re-arms the close deadline of an auction whose end time moved
type Scheduler interface {
	Schedule(auctionID string, endTime time.Time)
}

// Service handles the business logic for bidding operations
type Service struct {
	registry  *registry.Registry
	publisher notify.Publisher
	scheduler Scheduler
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source used for admission checks
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTimeout bounds how long a submission waits for an admission decision
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithScheduler sets who is told about end time extensions
func WithScheduler(sch Scheduler) Option {
	return func(s *Service) {
		s.scheduler = sch
	}
}

// NewService creates a bidding service
func NewService(reg *registry.Registry, pub notify.Publisher, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) *Service {
	s := &Service{
		registry:  reg,
		publisher: pub,
		logger:    logging.Component(logger, "bidding"),
		metrics:   m,
		timeout:   3 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// admission is what one run of the admission mutator decided
type admission struct {
	bid      models.Bid
	outbid   []string
	extended bool
}

// SubmitBid handles the complete bid placement workflow:
// 1. Wait (bounded) for exclusive access to the auction
// 2. Validate against the state observed inside the serialized section
// 3. Commit the new bid, the displaced bids and the auction as one unit
// 4. After commit, publish new_bid and outbid events
//
// Every path yields a response; transient failures are reported through its reason.
func (s *Service) SubmitBid(ctx context.Context, bidderID, auctionID string, amount decimal.Decimal) *models.BidResponse {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var result admission
	snap, err := s.registry.WithAuction(ctx, auctionID, func(snap *registry.Snapshot) (*registry.Mutation, error) {
		// The mutator may run twice after a conflict; start from a clean slate each time.
		result = admission{}
		now := s.now().UTC()
		a := snap.Auction

		lifecycle.Activate(a, now)
		if rej := validate(a, bidderID, amount, now); rej != nil {
			return nil, rej
		}

		result.bid = models.Bid{
			ID:        uuid.New().String(),
			AuctionID: a.ID,
			BidderID:  bidderID,
			Amount:    amount,
			BidTime:   now,
			Status:    models.BidStatusActive,
			IsWinning: true,
		}

		var changed []models.Bid
		bidders := map[string]struct{}{bidderID: {}}
		notified := map[string]struct{}{}
		for i := range snap.Bids {
			b := &snap.Bids[i]
			if b.Status != models.BidStatusCancelled {
				bidders[b.BidderID] = struct{}{}
			}
			if b.Status != models.BidStatusActive && !b.IsWinning {
				continue
			}
			b.Status = models.BidStatusOutbid
			b.IsWinning = false
			changed = append(changed, *b)

			// No self-notification when raising one's own bid.
			if _, seen := notified[b.BidderID]; !seen && b.BidderID != bidderID {
				notified[b.BidderID] = struct{}{}
				result.outbid = append(result.outbid, b.BidderID)
			}
		}

		a.CurrentPrice = amount
		a.TotalBids++
		a.UniqueBidderCount = len(bidders)

		// Anti-sniping: a bid inside the final window pushes the end back by one window.
		if window := a.AutoExtendWindow(); window > 0 && a.EndTime.Sub(now) < window {
			a.EndTime = a.EndTime.Add(window)
			result.extended = true
		}

		return &registry.Mutation{Auction: a, Bids: append(changed, result.bid)}, nil
	})
	if err != nil {
		return s.reject(s.failure(ctx, auctionID, snap, err))
	}

	s.metrics.BidsAdmitted.Inc()
	a := snap.Auction
	s.logger.Info().
		Str("auctionId", a.ID).
		Str("bidderId", bidderID).
		Str("amount", amount.String()).
		Int("outbid", len(result.outbid)).
		Msg("bid admitted")

	if result.extended {
		s.metrics.AuctionsExtended.Inc()
		if s.scheduler != nil {
			s.scheduler.Schedule(a.ID, a.EndTime)
		}
	}

	// Committed: notification failures must not touch the outcome.
	events := []models.Event{notify.NewBid(a, result.bid)}
	for _, bidder := range result.outbid {
		events = append(events, notify.Outbid(a, bidder))
	}
	if result.extended {
		events = append(events, notify.AuctionExtended(a))
	}
	s.emit(context.WithoutCancel(ctx), events)

	bid := result.bid
	return &models.BidResponse{
		Accepted:     true,
		CurrentPrice: a.CurrentPrice,
		MinNextBid:   a.MinNextBid(),
		Message:      "bid placed",
		Bid:          &bid,
	}
}

// failure maps an admission error to a rejected response
func (s *Service) failure(ctx context.Context, auctionID string, snap *registry.Snapshot, err error) *models.BidResponse {
	resp := &models.BidResponse{}
	if snap != nil {
		resp.CurrentPrice = snap.Auction.CurrentPrice
		resp.MinNextBid = snap.Auction.MinNextBid()
	}

	var rej *Rejection
	switch {
	case errors.As(err, &rej):
		resp.Reason = rej.Reason
		resp.Message = rej.Message
		if rej.Reason == models.ReasonBidTooLow {
			resp.MinNextBid = rej.MinNextBid
		}

	case errors.Is(err, store.ErrNotFound):
		resp.Reason = models.ReasonNotFound
		resp.Message = "auction not found"

	// A deadline can expire while the store is committing, so this is checked
	// before the storage error: the bid may or may not have been written.
	case ctx.Err() != nil:
		resp.Reason = models.ReasonIndeterminate
		resp.Message = "no admission decision in time, re-read the auction before bidding again"
		s.logger.Warn().Err(err).Str("auctionId", auctionID).Msg("admission timed out")

	case errors.Is(err, registry.ErrRetry):
		resp.Reason = models.ReasonRetry
		resp.Message = "auction changed concurrently, retry"

	default:
		resp.Reason = models.ReasonStorageUnavailable
		resp.Message = "bid could not be stored, try again"
		s.logger.Error().Err(err).Str("auctionId", auctionID).Msg("failed to commit bid")
	}
	return resp
}

func (s *Service) reject(resp *models.BidResponse) *models.BidResponse {
	s.metrics.BidsRejected.WithLabelValues(string(resp.Reason)).Inc()
	return resp
}

func (s *Service) emit(ctx context.Context, events []models.Event) {
	for _, ev := range events {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("event", string(ev.Type)).Str("topic", ev.Topic).Msg("failed to publish event")
		}
	}
}

// ListBids returns every admitted bid of the auction in admission order
func (s *Service) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	snap, err := s.registry.Get(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	return snap.Bids, nil
}

// Watch adds or removes userID from the auction's watchers. Repeating either is a no-op.
func (s *Service) Watch(ctx context.Context, auctionID, userID string, on bool) (*models.Auction, error) {
	snap, err := s.registry.WithAuction(ctx, auctionID, func(snap *registry.Snapshot) (*registry.Mutation, error) {
		a := snap.Auction
		idx := -1
		for i, id := range a.WatcherIDs {
			if id == userID {
				idx = i
				break
			}
		}
		switch {
		case on && idx < 0:
			a.WatcherIDs = append(a.WatcherIDs, userID)
		case !on && idx >= 0:
			a.WatcherIDs = append(a.WatcherIDs[:idx], a.WatcherIDs[idx+1:]...)
		default:
			return nil, nil
		}
		return &registry.Mutation{Auction: a}, nil
	})
	if err != nil {
		return nil, err
	}
	return snap.Auction, nil
}
