package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/live-auction/internal/models"
)

func newAuction(id string, status models.AuctionStatus, start, end time.Time) *models.Auction {
	return &models.Auction{
		ID:                  id,
		Title:               "lot " + id,
		Category:            models.CategoryArt,
		StartingPrice:       decimal.NewFromInt(1000),
		CurrentPrice:        decimal.NewFromInt(1000),
		MinimumBidIncrement: decimal.NewFromInt(50),
		StartTime:           start,
		EndTime:             end,
		Status:              status,
		SellerID:            "seller",
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	a := newAuction("a1", models.AuctionStatusDraft, now, now.Add(time.Hour))
	assert.NoError(t, s.CreateAuction(ctx, a))
	check.Equal(t, int64(1), a.Version)

	got, err := s.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, "lot a1", got.Title)
	check.Equal(t, int64(1), got.Version)

	// Mutating the returned copy must not leak into the store.
	got.Title = "changed"
	again, err := s.GetAuction(ctx, "a1")
	assert.NoError(t, err)
	check.Equal(t, "lot a1", again.Title)

	_, err = s.GetAuction(ctx, "missing")
	check.True(t, errors.Is(err, ErrNotFound))

	err = s.CreateAuction(ctx, newAuction("a1", models.AuctionStatusDraft, now, now))
	check.True(t, errors.Is(err, ErrConflict))
}

func TestMemoryStore_SaveRequiresNextVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	assert.NoError(t, s.CreateAuction(ctx, newAuction("a1", models.AuctionStatusActive, now, now.Add(time.Hour))))

	next := newAuction("a1", models.AuctionStatusActive, now, now.Add(time.Hour))
	next.CurrentPrice = decimal.NewFromInt(1100)
	next.Version = 2
	bid := models.Bid{ID: "b1", AuctionID: "a1", BidderID: "u1", Amount: decimal.NewFromInt(1100), BidTime: now, Status: models.BidStatusActive, IsWinning: true}
	assert.NoError(t, s.SaveAuctionAndBids(ctx, next, []models.Bid{bid}))

	// Same version again is stale.
	err := s.SaveAuctionAndBids(ctx, next, nil)
	check.True(t, errors.Is(err, ErrConflict))

	// Updating an existing bid replaces it instead of appending.
	bid.Status = models.BidStatusOutbid
	bid.IsWinning = false
	next.Version = 3
	assert.NoError(t, s.SaveAuctionAndBids(ctx, next, []models.Bid{bid}))

	bids, err := s.ListBids(ctx, "a1")
	assert.NoError(t, err)
	assert.Equal(t, 1, len(bids))
	check.Equal(t, models.BidStatusOutbid, bids[0].Status)
	check.False(t, bids[0].IsWinning)

	missing := newAuction("nope", models.AuctionStatusActive, now, now)
	missing.Version = 2
	check.True(t, errors.Is(s.SaveAuctionAndBids(ctx, missing, nil), ErrNotFound))
}

func TestMemoryStore_ListDue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	fixtures := []*models.Auction{
		newAuction("pending-started", models.AuctionStatusPending, now.Add(-time.Minute), now.Add(time.Hour)),
		newAuction("pending-future", models.AuctionStatusPending, now.Add(time.Minute), now.Add(time.Hour)),
		newAuction("active-expired", models.AuctionStatusActive, now.Add(-time.Hour), now.Add(-time.Second)),
		newAuction("active-running", models.AuctionStatusActive, now.Add(-time.Hour), now.Add(time.Hour)),
		newAuction("paused-expired", models.AuctionStatusPaused, now.Add(-time.Hour), now.Add(-time.Second)),
		newAuction("ended", models.AuctionStatusEnded, now.Add(-time.Hour), now.Add(-time.Second)),
	}
	for _, a := range fixtures {
		assert.NoError(t, s.CreateAuction(ctx, a))
	}

	ids, err := s.ListDue(ctx, now, 0)
	assert.NoError(t, err)
	check.Equal(t, []string{"active-expired", "paused-expired", "pending-started"}, ids)

	limited, err := s.ListDue(ctx, now, 1)
	assert.NoError(t, err)
	check.Equal(t, 1, len(limited))

	live, err := s.ListLive(ctx)
	assert.NoError(t, err)
	check.Equal(t, 5, len(live))
}
