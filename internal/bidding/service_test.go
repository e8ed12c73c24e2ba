package bidding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/aaronwang/live-auction/internal/lifecycle"
	"github.com/aaronwang/live-auction/internal/metrics"
	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/notify"
	"github.com/aaronwang/live-auction/internal/registry"
	"github.com/aaronwang/live-auction/internal/store"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(ctx context.Context, ev models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(typ models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type schedules struct {
	mu  sync.Mutex
	got map[string]time.Time
}

func (s *schedules) Schedule(auctionID string, endTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got[auctionID] = endTime
}

// brokenStore fails or stalls writes on demand
type brokenStore struct {
	*store.MemoryStore
	fail  bool
	stall bool
}

func (s *brokenStore) SaveAuctionAndBids(ctx context.Context, a *models.Auction, bids []models.Bid) error {
	if s.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.SaveAuctionAndBids(ctx, a, bids)
}

type fixture struct {
	store     store.Store
	clock     *clock
	events    *recorder
	scheduled *schedules
	service   *Service
	sweeper   *lifecycle.Sweeper
}

func newFixture(t *testing.T, st store.Store, opts ...Option) *fixture {
	t.Helper()
	clk := &clock{t: base}
	rec := &recorder{}
	sch := &schedules{got: make(map[string]time.Time)}
	reg := registry.New(st, registry.WithClock(clk.Now))
	m := metrics.NewUnregistered()
	opts = append([]Option{WithClock(clk.Now), WithScheduler(sch)}, opts...)
	return &fixture{
		store:     st,
		clock:     clk,
		events:    rec,
		scheduled: sch,
		service:   NewService(reg, rec, zerolog.Nop(), m, opts...),
		sweeper:   lifecycle.NewSweeper(reg, st, rec, lifecycle.Config{}, zerolog.Nop(), m, lifecycle.WithClock(clk.Now)),
	}
}

func seedAuction(t *testing.T, st store.Store, mutate func(a *models.Auction)) {
	t.Helper()
	a := &models.Auction{
		ID:                  "a1",
		Title:               "Walnut desk",
		Category:            models.CategoryAntiques,
		StartingPrice:       decimal.NewFromInt(1000),
		CurrentPrice:        decimal.NewFromInt(1000),
		MinimumBidIncrement: decimal.NewFromInt(50),
		StartTime:           base.Add(-time.Hour),
		EndTime:             base.Add(time.Hour),
		Status:              models.AuctionStatusActive,
		SellerID:            "seller",
	}
	if mutate != nil {
		mutate(a)
	}
	assert.NoError(t, st.CreateAuction(context.Background(), a))
}

func amount(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

func TestSubmitBid_Scenario(t *testing.T) {
	st := store.NewMemoryStore()
	seedAuction(t, st, nil)
	f := newFixture(t, st)
	ctx := context.Background()

	resp := f.service.SubmitBid(ctx, "alice", "a1", amount(1100))
	assert.True(t, resp.Accepted)
	check.Equal(t, "1100", resp.CurrentPrice.String())
	check.Equal(t, "1150", resp.MinNextBid.String())

	resp = f.service.SubmitBid(ctx, "bob", "a1", amount(1140))
	check.False(t, resp.Accepted)
	check.Equal(t, models.ReasonBidTooLow, resp.Reason)
	check.Equal(t, "1150", resp.MinNextBid.String())
	check.Equal(t, "1100", resp.CurrentPrice.String())

	resp = f.service.SubmitBid(ctx, "bob", "a1", amount(1200))
	assert.True(t, resp.Accepted)
	check.Equal(t, "1200", resp.CurrentPrice.String())

	outbid := f.events.ofType(models.EventOutbid)
	assert.Equal(t, 1, len(outbid))
	check.Equal(t, notify.UserTopic("alice"), outbid[0].Topic)
	payload := outbid[0].Payload.(models.OutbidPayload)
	check.Equal(t, "Walnut desk", payload.AuctionTitle)
	check.Equal(t, "1200", payload.NewPrice.String())
	check.Equal(t, 2, len(f.events.ofType(models.EventNewBid)))

	bids, err := f.service.ListBids(ctx, "a1")
	assert.NoError(t, err)
	assert.Equal(t, 2, len(bids))
	check.Equal(t, models.BidStatusOutbid, bids[0].Status)
	check.False(t, bids[0].IsWinning)
	check.Equal(t, models.BidStatusActive, bids[1].Status)
	check.True(t, bids[1].IsWinning)

	stored, err := st.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 2, stored.TotalBids)
	check.Equal(t, 2, stored.UniqueBidderCount)

	// End time passes; the lazy check closes the auction.
	f.clock.Set(base.Add(time.Hour + time.Second))
	snap, err := f.sweeper.Check(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusEnded, snap.Auction.Status)
	check.Equal(t, "bob", snap.Auction.WinnerID)

	won := f.events.ofType(models.EventAuctionWon)
	assert.Equal(t, 1, len(won))
	check.Equal(t, notify.UserTopic("bob"), won[0].Topic)
	ended := f.events.ofType(models.EventAuctionEnded)
	assert.Equal(t, 1, len(ended))
	check.Equal(t, "1200", ended[0].Payload.(models.AuctionEndedPayload).FinalPrice.String())

	// Closed auctions take no more bids.
	resp = f.service.SubmitBid(ctx, "carol", "a1", amount(5000))
	check.Equal(t, models.ReasonNotAcceptingBids, resp.Reason)
}

func TestSubmitBid_RaisingOwnBidDoesNotNotifySelf(t *testing.T) {
	st := store.NewMemoryStore()
	seedAuction(t, st, nil)
	f := newFixture(t, st)
	ctx := context.Background()

	check.True(t, f.service.SubmitBid(ctx, "alice", "a1", amount(1100)).Accepted)
	check.True(t, f.service.SubmitBid(ctx, "alice", "a1", amount(1200)).Accepted)
	check.Equal(t, 0, len(f.events.ofType(models.EventOutbid)))

	stored, err := st.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 1, stored.UniqueBidderCount)
	check.Equal(t, 2, stored.TotalBids)
}

func TestSubmitBid_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(a *models.Auction)
		bidder string
		amount int64
		reason models.Reason
	}{
		{"own auction regardless of amount", nil, "seller", 1_000_000, models.ReasonOwnAuction},
		{"zero amount", nil, "alice", 0, models.ReasonInvalidAmount},
		{"negative amount", nil, "alice", -5, models.ReasonInvalidAmount},
		// The auction state is checked before the amount.
		{"zero amount on paused", func(a *models.Auction) { a.Status = models.AuctionStatusPaused }, "alice", 0, models.ReasonNotAcceptingBids},
		{"below increment", nil, "alice", 1049, models.ReasonBidTooLow},
		{"paused", func(a *models.Auction) { a.Status = models.AuctionStatusPaused }, "alice", 2000, models.ReasonNotAcceptingBids},
		{"draft", func(a *models.Auction) { a.Status = models.AuctionStatusDraft }, "alice", 2000, models.ReasonNotAcceptingBids},
		{"not started", func(a *models.Auction) {
			a.Status = models.AuctionStatusPending
			a.StartTime = base.Add(time.Minute)
		}, "alice", 2000, models.ReasonNotAcceptingBids},
		{"past end", func(a *models.Auction) { a.EndTime = base.Add(-time.Second) }, "alice", 2000, models.ReasonNotAcceptingBids},
		// Status is checked before ownership.
		{"seller on ended", func(a *models.Auction) { a.Status = models.AuctionStatusEnded }, "seller", 2000, models.ReasonNotAcceptingBids},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			seedAuction(t, st, c.mutate)
			f := newFixture(t, st)

			resp := f.service.SubmitBid(context.Background(), c.bidder, "a1", amount(c.amount))
			check.False(t, resp.Accepted)
			check.Equal(t, c.reason, resp.Reason)
			check.NotEqual(t, "", resp.Message)
			check.Equal(t, 0, len(f.events.events))

			bids, err := st.ListBids(context.Background(), "a1")
			assert.NoError(t, err)
			check.Equal(t, 0, len(bids))
		})
	}
}

func TestSubmitBid_NotFound(t *testing.T) {
	f := newFixture(t, store.NewMemoryStore())
	resp := f.service.SubmitBid(context.Background(), "alice", "ghost", amount(10))
	check.Equal(t, models.ReasonNotFound, resp.Reason)

	// Existence is decided before the amount is looked at.
	resp = f.service.SubmitBid(context.Background(), "alice", "ghost", decimal.Zero)
	check.Equal(t, models.ReasonNotFound, resp.Reason)
}

func TestSubmitBid_SubCentAmounts(t *testing.T) {
	st := store.NewMemoryStore()
	seedAuction(t, st, nil)
	f := newFixture(t, st)
	ctx := context.Background()

	for _, raw := range []string{"1050.004", "1100.001", "2000.5555"} {
		resp := f.service.SubmitBid(ctx, "alice", "a1", decimal.RequireFromString(raw))
		check.False(t, resp.Accepted)
		check.Equal(t, models.ReasonInvalidAmount, resp.Reason)
	}
	bids, err := st.ListBids(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 0, len(bids))

	resp := f.service.SubmitBid(ctx, "alice", "a1", decimal.RequireFromString("1050.50"))
	check.True(t, resp.Accepted)
	check.Equal(t, "1100.5", resp.MinNextBid.String())
}

func TestSubmitBid_PendingPastStartIsActivated(t *testing.T) {
	st := store.NewMemoryStore()
	seedAuction(t, st, func(a *models.Auction) { a.Status = models.AuctionStatusPending })
	f := newFixture(t, st)

	resp := f.service.SubmitBid(context.Background(), "alice", "a1", amount(1050))
	assert.True(t, resp.Accepted)

	stored, err := st.GetAuction(context.Background(), "a1")
	assert.NoError(t, err)
	check.Equal(t, models.AuctionStatusActive, stored.Status)
}

func TestSubmitBid_StorageFailureIsNotAccepted(t *testing.T) {
	st := &brokenStore{MemoryStore: store.NewMemoryStore()}
	seedAuction(t, st, nil)
	f := newFixture(t, st)
	ctx := context.Background()

	st.fail = true
	resp := f.service.SubmitBid(ctx, "alice", "a1", amount(1100))
	check.False(t, resp.Accepted)
	check.Equal(t, models.ReasonStorageUnavailable, resp.Reason)
	check.Equal(t, "1000", resp.CurrentPrice.String())
	check.Equal(t, 0, len(f.events.events))

	// Nothing leaked into the live state: the same amount is still admissible.
	st.fail = false
	resp = f.service.SubmitBid(ctx, "alice", "a1", amount(1050))
	check.True(t, resp.Accepted)
}

func TestSubmitBid_TimeoutIsIndeterminate(t *testing.T) {
	st := &brokenStore{MemoryStore: store.NewMemoryStore(), stall: true}
	seedAuction(t, st, nil)
	f := newFixture(t, st, WithTimeout(20*time.Millisecond))

	resp := f.service.SubmitBid(context.Background(), "alice", "a1", amount(1100))
	check.False(t, resp.Accepted)
	check.Equal(t, models.ReasonIndeterminate, resp.Reason)
	check.Equal(t, 0, len(f.events.events))
}

func TestSubmitBid_ConcurrentSameAmountAdmitsOne(t *testing.T) {
	st := store.NewMemoryStore()
	seedAuction(t, st, nil)
	f := newFixture(t, st)

	const bidders = 20
	responses := make([]*models.BidResponse, bidders)
	var wg sync.WaitGroup
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bidder := string(rune('a' + i))
			responses[i] = f.service.SubmitBid(context.Background(), bidder, "a1", amount(1100))
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, resp := range responses {
		if resp.Accepted {
			accepted++
			continue
		}
		// Never the stale 1050 minimum.
		check.Equal(t, models.ReasonBidTooLow, resp.Reason)
		check.Equal(t, "1150", resp.MinNextBid.String())
	}
	check.Equal(t, 1, accepted)
}

func TestSubmitBid_ConcurrentHigherAndLower(t *testing.T) {
	for i := 0; i < 25; i++ {
		st := store.NewMemoryStore()
		seedAuction(t, st, nil)
		f := newFixture(t, st)

		var low, high *models.BidResponse
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); low = f.service.SubmitBid(context.Background(), "alice", "a1", amount(1100)) }()
		go func() { defer wg.Done(); high = f.service.SubmitBid(context.Background(), "bob", "a1", amount(1120)) }()
		wg.Wait()

		check.True(t, high.Accepted != low.Accepted)
		if low.Accepted {
			check.Equal(t, "1150", high.MinNextBid.String())
		} else {
			check.Equal(t, "1170", low.MinNextBid.String())
		}
	}
}

func TestSubmitBid_AutoExtend(t *testing.T) {
	st := store.NewMemoryStore()
	seedAuction(t, st, func(a *models.Auction) {
		a.AutoExtend = true
		a.AutoExtendMinutes = 5
		a.EndTime = base.Add(2 * time.Minute)
	})
	f := newFixture(t, st)

	resp := f.service.SubmitBid(context.Background(), "alice", "a1", amount(1100))
	assert.True(t, resp.Accepted)

	want := base.Add(7 * time.Minute)
	stored, err := st.GetAuction(context.Background(), "a1")
	assert.NoError(t, err)
	check.True(t, stored.EndTime.Equal(want))
	check.True(t, f.scheduled.got["a1"].Equal(want))
	check.Equal(t, 1, len(f.events.ofType(models.EventAuctionExtended)))

	// Outside the window nothing moves.
	f.clock.Set(base)
	seedAuction(t, st, func(a *models.Auction) {
		a.ID = "a2"
		a.AutoExtend = true
		a.AutoExtendMinutes = 5
	})
	check.True(t, f.service.SubmitBid(context.Background(), "alice", "a2", amount(1100)).Accepted)
	_, moved := f.scheduled.got["a2"]
	check.False(t, moved)
}

func TestWatch(t *testing.T) {
	st := store.NewMemoryStore()
	seedAuction(t, st, nil)
	f := newFixture(t, st)
	ctx := context.Background()

	a, err := f.service.Watch(ctx, "a1", "alice", true)
	assert.NoError(t, err)
	check.Equal(t, []string{"alice"}, a.WatcherIDs)

	a, err = f.service.Watch(ctx, "a1", "alice", true)
	assert.NoError(t, err)
	check.Equal(t, []string{"alice"}, a.WatcherIDs)

	a, err = f.service.Watch(ctx, "a1", "alice", false)
	assert.NoError(t, err)
	check.Equal(t, 0, len(a.WatcherIDs))

	_, err = f.service.Watch(ctx, "ghost", "alice", true)
	check.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSubmitBid_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := store.NewMemoryStore()
		seed := &models.Auction{
			ID:                  "a1",
			Title:               "lot",
			Category:            models.CategoryArt,
			StartingPrice:       amount(100),
			CurrentPrice:        amount(100),
			MinimumBidIncrement: amount(rapid.Int64Range(1, 20).Draw(t, "increment")),
			StartTime:           base.Add(-time.Hour),
			EndTime:             base.Add(time.Hour),
			Status:              models.AuctionStatusActive,
			SellerID:            "seller",
		}
		if err := st.CreateAuction(context.Background(), seed); err != nil {
			t.Fatalf("seed: %v", err)
		}

		clk := &clock{t: base}
		reg := registry.New(st)
		svc := NewService(reg, &recorder{}, zerolog.Nop(), metrics.NewUnregistered(), WithClock(clk.Now))

		bidders := []string{"seller", "alice", "bob", "carol"}
		var admitted []decimal.Decimal
		n := rapid.IntRange(1, 40).Draw(t, "bids")
		for i := 0; i < n; i++ {
			bidder := rapid.SampledFrom(bidders).Draw(t, "bidder")
			value := amount(rapid.Int64Range(1, 1000).Draw(t, "amount"))
			resp := svc.SubmitBid(context.Background(), bidder, "a1", value)
			if resp.Accepted {
				if bidder == "seller" {
					t.Fatalf("seller bid admitted")
				}
				admitted = append(admitted, value)
			}
		}

		for i := 1; i < len(admitted); i++ {
			if !admitted[i].GreaterThan(admitted[i-1]) {
				t.Fatalf("admitted amounts not strictly increasing: %v", admitted)
			}
		}

		stored, err := st.GetAuction(context.Background(), "a1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		want := amount(100)
		if len(admitted) > 0 {
			want = admitted[len(admitted)-1]
		}
		if !stored.CurrentPrice.Equal(want) {
			t.Fatalf("current price %s, want %s", stored.CurrentPrice, want)
		}
		if stored.TotalBids != len(admitted) {
			t.Fatalf("total bids %d, admitted %d", stored.TotalBids, len(admitted))
		}

		bids, err := st.ListBids(context.Background(), "a1")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		winning := 0
		distinct := map[string]bool{}
		for _, b := range bids {
			distinct[b.BidderID] = true
			if b.IsWinning {
				winning++
				if !b.Amount.Equal(stored.CurrentPrice) {
					t.Fatalf("winning bid %s is not the current price %s", b.Amount, stored.CurrentPrice)
				}
			}
		}
		if len(admitted) > 0 && winning != 1 {
			t.Fatalf("%d winning bids, want 1", winning)
		}
		if len(admitted) == 0 && winning != 0 {
			t.Fatalf("winning bid without admissions")
		}
		if stored.UniqueBidderCount != len(distinct) {
			t.Fatalf("unique bidders %d, want %d", stored.UniqueBidderCount, len(distinct))
		}
	})
}

func TestSubmitBid_TwoNodesSharingAStore(t *testing.T) {
	st := store.NewMemoryStore()
	seedAuction(t, st, nil)
	ctx := context.Background()
	clk := &clock{t: base}
	m := metrics.NewUnregistered()

	regA := registry.New(st, registry.WithRevalidation())
	regB := registry.New(st, registry.WithRevalidation())
	nodeA := NewService(regA, &recorder{}, zerolog.Nop(), m, WithClock(clk.Now))
	nodeB := NewService(regB, &recorder{}, zerolog.Nop(), m, WithClock(clk.Now))
	checkA := lifecycle.NewSweeper(regA, st, &recorder{}, lifecycle.Config{}, zerolog.Nop(), m, lifecycle.WithClock(clk.Now))

	check.True(t, nodeA.SubmitBid(ctx, "alice", "a1", amount(1100)).Accepted)
	check.True(t, nodeB.SubmitBid(ctx, "bob", "a1", amount(1200)).Accepted)

	// Node A never saw bob's bid land, yet rejects with the current minimum.
	resp := nodeA.SubmitBid(ctx, "carol", "a1", amount(1140))
	check.False(t, resp.Accepted)
	check.Equal(t, models.ReasonBidTooLow, resp.Reason)
	check.Equal(t, "1250", resp.MinNextBid.String())
	check.Equal(t, "1200", resp.CurrentPrice.String())

	snap, err := checkA.Check(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, "1200", snap.Auction.CurrentPrice.String())
	check.Equal(t, 2, snap.Auction.TotalBids)

	bids, err := nodeA.ListBids(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, 2, len(bids))

	// An extension written by node B reopens the window on node A.
	_, err = regB.WithAuction(ctx, "a1", func(snap *registry.Snapshot) (*registry.Mutation, error) {
		snap.Auction.EndTime = base.Add(2 * time.Hour)
		return &registry.Mutation{Auction: snap.Auction}, nil
	})
	assert.NoError(t, err)
	clk.Set(base.Add(90 * time.Minute))
	check.True(t, nodeA.SubmitBid(ctx, "carol", "a1", amount(1250)).Accepted)
}

func TestSubmitBid_NoAdmissionAfterClose(t *testing.T) {
	for round := 0; round < 10; round++ {
		st := store.NewMemoryStore()
		seedAuction(t, st, nil)
		ctx := context.Background()

		// Every reading is strictly later than the one before.
		var ticks atomic.Int64
		now := func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Millisecond) }
		reg := registry.New(st, registry.WithClock(now))
		m := metrics.NewUnregistered()
		service := NewService(reg, &recorder{}, zerolog.Nop(), m, WithClock(now))
		sweeper := lifecycle.NewSweeper(reg, st, &recorder{}, lifecycle.Config{}, zerolog.Nop(), m, lifecycle.WithClock(now))

		const bidders = 16
		responses := make([]*models.BidResponse, bidders)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < bidders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				bidder := string(rune('a' + i))
				responses[i] = service.SubmitBid(ctx, bidder, "a1", amount(int64(1100+100*i)))
			}(i)
		}
		var closed *registry.Snapshot
		var closeErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			closed, closeErr = sweeper.Close(ctx, models.Identity{UserID: "seller"}, "a1")
		}()
		close(start)
		wg.Wait()
		assert.NoError(t, closeErr)
		check.Equal(t, models.AuctionStatusEnded, closed.Auction.Status)

		bids, err := st.ListBids(ctx, "a1")
		assert.NoError(t, err)
		admitted := 0
		for _, resp := range responses {
			if resp.Accepted {
				admitted++
				continue
			}
			check.True(t, resp.Reason == models.ReasonBidTooLow || resp.Reason == models.ReasonNotAcceptingBids)
		}
		// Every admitted bid was stored before the close, none after.
		check.Equal(t, admitted, len(bids))
		check.Equal(t, admitted, closed.Auction.TotalBids)

		final, err := st.GetAuction(ctx, "a1")
		assert.NoError(t, err)
		check.Equal(t, models.AuctionStatusEnded, final.Status)
		if admitted == 0 {
			check.Equal(t, "", final.WinnerID)
			continue
		}
		last := bids[len(bids)-1]
		for _, b := range bids {
			check.False(t, b.BidTime.After(final.UpdatedAt))
		}
		check.Equal(t, last.BidderID, final.WinnerID)
		check.Equal(t, models.BidStatusWon, last.Status)
		check.True(t, last.Amount.Equal(final.CurrentPrice))
	}
}
