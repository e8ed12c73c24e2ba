// Package lifecycle moves auctions through their state machine and closes them
// exactly once.
//
// Every transition runs inside the registry's per-auction section, the same one
// bid admission uses, so a bid can never land on an auction that is being closed.
// Closing is idempotent: the deadline queue, the periodic scan and the lazy check
// on read may all reach the same auction and only the first one has an effect.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/metrics"
	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/notify"
	"github.com/aaronwang/live-auction/internal/registry"
	"github.com/aaronwang/live-auction/internal/store"
)

// Config tunes the sweeper
type Config struct {
	// Interval between full scans of due auctions
	Interval time.Duration
	// BatchSize caps how many due auctions one scan handles
	BatchSize int
}

// Sweeper owns lifecycle transitions
type Sweeper struct {
	registry  *registry.Registry
	store     store.Store
	publisher notify.Publisher
	cfg       Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	queue *deadlineQueue
	wake  chan struct{}
}

// Option configures a Sweeper
type Option func(*Sweeper)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper creates a sweeper. Call Run to start the background loop.
func NewSweeper(reg *registry.Registry, st store.Store, pub notify.Publisher, cfg Config, logger zerolog.Logger, m *metrics.Metrics, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	s := &Sweeper{
		registry:  reg,
		store:     st,
		publisher: pub,
		cfg:       cfg,
		logger:    logging.Component(logger, "sweeper"),
		metrics:   m,
		now:       time.Now,
		queue:     newDeadlineQueue(),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// outcome records what one run of a transition mutator did
type outcome struct {
	activated bool
	closed    bool
	changed   bool
}

// Create stores a new draft auction for seller
func (s *Sweeper) Create(ctx context.Context, sellerID string, req *models.CreateAuctionRequest) (*models.Auction, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	a := &models.Auction{
		ID:                  uuid.New().String(),
		Title:               strings.TrimSpace(req.Title),
		Description:         req.Description,
		Category:            req.Category,
		StartingPrice:       req.StartingPrice,
		ReservePrice:        req.ReservePrice,
		CurrentPrice:        req.StartingPrice,
		MinimumBidIncrement: req.MinimumBidIncrement,
		StartTime:           req.StartTime.UTC(),
		EndTime:             req.EndTime.UTC(),
		Status:              models.AuctionStatusDraft,
		SellerID:            sellerID,
		AutoExtend:          req.AutoExtend,
		AutoExtendMinutes:   req.AutoExtendMinutes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateAuction(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to create auction: %w", err)
	}

	s.logger.Info().Str("auctionId", a.ID).Str("sellerId", sellerID).Msg("auction created")
	return a, nil
}

func validateCreate(req *models.CreateAuctionRequest) error {
	switch {
	case strings.TrimSpace(req.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidAuction)
	case !req.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidAuction, req.Category)
	case req.StartingPrice.IsNegative():
		return fmt.Errorf("%w: starting price must not be negative", ErrInvalidAuction)
	case req.ReservePrice.IsNegative():
		return fmt.Errorf("%w: reserve price must not be negative", ErrInvalidAuction)
	case !req.MinimumBidIncrement.IsPositive():
		return fmt.Errorf("%w: minimum bid increment must be positive", ErrInvalidAuction)
	case !models.WholeCents(req.StartingPrice) || !models.WholeCents(req.ReservePrice) || !models.WholeCents(req.MinimumBidIncrement):
		return fmt.Errorf("%w: amounts take at most %d decimal places", ErrInvalidAuction, models.MoneyScale)
	case req.StartTime.IsZero() || req.EndTime.IsZero():
		return fmt.Errorf("%w: start and end time are required", ErrInvalidAuction)
	case !req.EndTime.After(req.StartTime):
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidAuction)
	case req.AutoExtendMinutes < 0:
		return fmt.Errorf("%w: auto extend minutes must not be negative", ErrInvalidAuction)
	}
	return nil
}

// Publish moves a draft to pending; only the seller may do it
func (s *Sweeper) Publish(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error) {
	return s.transition(ctx, auctionID, func(a *models.Auction, now time.Time) error {
		if a.SellerID != actor.UserID {
			return ErrForbidden
		}
		if !CanTransition(a.Status, models.AuctionStatusPending) {
			return fmt.Errorf("%w: cannot publish a %s auction", ErrInvalidTransition, a.Status)
		}
		a.Status = models.AuctionStatusPending
		return nil
	})
}

// Cancel withdraws a draft or pending auction that has not admitted any bid.
// The seller or an administrator may cancel.
func (s *Sweeper) Cancel(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error) {
	return s.transition(ctx, auctionID, func(a *models.Auction, now time.Time) error {
		if a.SellerID != actor.UserID && !actor.IsAdmin() {
			return ErrForbidden
		}
		if a.TotalBids > 0 {
			return ErrHasBids
		}
		if !CanTransition(a.Status, models.AuctionStatusCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s auction", ErrInvalidTransition, a.Status)
		}
		a.Status = models.AuctionStatusCancelled
		return nil
	})
}

// Pause stops admission on an active auction. Administrators only.
// The end time keeps running while paused.
func (s *Sweeper) Pause(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error) {
	return s.adminMove(ctx, actor, auctionID, models.AuctionStatusActive, models.AuctionStatusPaused)
}

// Resume re-opens a paused auction. Administrators only.
func (s *Sweeper) Resume(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error) {
	return s.adminMove(ctx, actor, auctionID, models.AuctionStatusPaused, models.AuctionStatusActive)
}

func (s *Sweeper) adminMove(ctx context.Context, actor models.Identity, auctionID string, from, to models.AuctionStatus) (*registry.Snapshot, error) {
	return s.transition(ctx, auctionID, func(a *models.Auction, now time.Time) error {
		if !actor.IsAdmin() {
			return ErrForbidden
		}
		if a.Status != from || !CanTransition(from, to) {
			return fmt.Errorf("%w: auction is %s", ErrInvalidTransition, a.Status)
		}
		a.Status = to
		return nil
	})
}

// transition applies fn to the auction, after lazily activating it, and commits.
// A transition that lands on an expired live auction closes it instead of leaving it running.
func (s *Sweeper) transition(ctx context.Context, auctionID string, fn func(a *models.Auction, now time.Time) error) (*registry.Snapshot, error) {
	var out outcome
	snap, err := s.registry.WithAuction(ctx, auctionID, func(snap *registry.Snapshot) (*registry.Mutation, error) {
		out = outcome{}
		now := s.now().UTC()
		a := snap.Auction

		out.activated = Activate(a, now)
		if err := fn(a, now); err != nil {
			return nil, err
		}
		out.changed = true
		if Activate(a, now) {
			out.activated = true
		}
		if Expired(a, now) {
			out.closed = true
			return closeAuction(snap), nil
		}
		return &registry.Mutation{Auction: a}, nil
	})
	if err != nil {
		return snap, err
	}
	s.after(snap, out)
	return snap, nil
}

// Close ends an active or paused auction now. Closing an ended auction is a no-op.
func (s *Sweeper) Close(ctx context.Context, actor models.Identity, auctionID string) (*registry.Snapshot, error) {
	var out outcome
	snap, err := s.registry.WithAuction(ctx, auctionID, func(snap *registry.Snapshot) (*registry.Mutation, error) {
		out = outcome{}
		a := snap.Auction
		if a.SellerID != actor.UserID && !actor.IsAdmin() {
			return nil, ErrForbidden
		}
		if a.Status == models.AuctionStatusEnded {
			return nil, nil
		}

		out.activated = Activate(a, s.now().UTC())
		if !CanTransition(a.Status, models.AuctionStatusEnded) {
			return nil, fmt.Errorf("%w: cannot close a %s auction", ErrInvalidTransition, a.Status)
		}
		out.closed = true
		return closeAuction(snap), nil
	})
	if err != nil {
		return snap, err
	}
	s.after(snap, out)
	return snap, nil
}

// Check is the lazy path run whenever someone looks at an auction: it activates
// a pending auction whose start has come and closes one whose end has passed.
// It returns the state after any step taken.
func (s *Sweeper) Check(ctx context.Context, auctionID string) (*registry.Snapshot, error) {
	var out outcome
	snap, err := s.registry.WithAuction(ctx, auctionID, func(snap *registry.Snapshot) (*registry.Mutation, error) {
		out = outcome{}
		now := s.now().UTC()
		a := snap.Auction

		out.activated = Activate(a, now)
		if Expired(a, now) {
			out.closed = true
			return closeAuction(snap), nil
		}
		if out.activated {
			return &registry.Mutation{Auction: a}, nil
		}
		return nil, nil
	})
	if err != nil {
		return snap, err
	}
	s.after(snap, out)
	return snap, nil
}

// after publishes what a committed transition owes and keeps the deadline queue current
func (s *Sweeper) after(snap *registry.Snapshot, out outcome) {
	a := snap.Auction
	ctx := context.Background()

	if out.closed {
		s.queue.disarm(a.ID)
		result := "unsold"
		if a.WinnerID != "" {
			result = "sold"
		}
		s.metrics.AuctionsClosed.WithLabelValues(result).Inc()
		s.logger.Info().
			Str("auctionId", a.ID).
			Str("winnerId", a.WinnerID).
			Str("finalPrice", a.CurrentPrice.String()).
			Msg("auction closed")
		s.emit(ctx, eventsForClose(a))
		return
	}

	if !out.activated && !out.changed {
		return
	}
	switch a.Status {
	case models.AuctionStatusCancelled:
		s.queue.disarm(a.ID)
	case models.AuctionStatusPending, models.AuctionStatusActive, models.AuctionStatusPaused:
		s.Schedule(a.ID, a.EndTime)
	}
	s.logger.Info().Str("auctionId", a.ID).Str("status", string(a.Status)).Msg("auction status changed")
	s.emit(ctx, []models.Event{notify.StatusChanged(a)})
}

func (s *Sweeper) emit(ctx context.Context, events []models.Event) {
	for _, ev := range events {
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("event", string(ev.Type)).Str("topic", ev.Topic).Msg("failed to publish event")
		}
	}
}

// Schedule arms (or re-arms) the close deadline of an auction
func (s *Sweeper) Schedule(auctionID string, endTime time.Time) {
	s.queue.arm(auctionID, endTime)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many auctions have an armed deadline
func (s *Sweeper) Pending() int {
	return s.queue.len()
}

// SweepOnce scans the store for due auctions and steps each one.
// It returns how many auctions it looked at.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	ids, err := s.store.ListDue(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due auctions: %w", err)
	}
	for _, id := range ids {
		s.step(ctx, id)
	}
	return len(ids), nil
}

// closeDue steps every auction whose armed deadline has passed
func (s *Sweeper) closeDue(ctx context.Context) {
	for _, id := range s.queue.due(s.now().UTC()) {
		s.step(ctx, id)
	}
}

func (s *Sweeper) step(ctx context.Context, auctionID string) {
	if _, err := s.Check(ctx, auctionID); err != nil {
		if errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
			return
		}
		// Try again on the next tick instead of spinning on a failing store.
		s.logger.Warn().Err(err).Str("auctionId", auctionID).Msg("lifecycle step failed")
		s.queue.arm(auctionID, s.now().UTC().Add(s.cfg.Interval))
	}
}

// Run arms deadlines for every live auction, then closes auctions as their
// deadlines pass, with a periodic full scan as a safety net. Blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	live, err := s.store.ListLive(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load live auctions, relying on periodic scan")
	}
	for _, d := range live {
		s.queue.arm(d.AuctionID, d.EndTime)
	}
	s.logger.Info().Int("armed", len(live)).Dur("interval", s.cfg.Interval).Msg("sweeper started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		timer.Reset(s.untilNext())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic sweep failed")
			}
		case <-timer.C:
			s.closeDue(ctx)
		case <-s.wake:
		}
	}
}

// untilNext is how long to sleep before the earliest armed deadline is due
func (s *Sweeper) untilNext() time.Duration {
	at, ok := s.queue.next()
	if !ok {
		return s.cfg.Interval
	}
	// Expiry means strictly after the end time.
	wait := at.Sub(s.now()) + time.Millisecond
	if wait < 0 {
		return 0
	}
	if wait > s.cfg.Interval {
		return s.cfg.Interval
	}
	return wait
}
