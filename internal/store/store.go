// Package store is the durable record of auctions and bids.
//
// The engine only needs a narrow contract: load an auction, load its bids, and
// write an auction together with the bids a mutation touched in one atomic unit.
// Writes are guarded by the auction's version so a stale writer gets ErrConflict
// instead of silently overwriting a newer state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aaronwang/live-auction/internal/models"
)

var (
	// ErrNotFound is returned when the auction or bid does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when the stored version differs from the expected one
	ErrConflict = errors.New("store: version conflict")
)

// Store is the persistent store contract consumed by the registry and sweeper
type Store interface {
	// GetAuction returns the auction or ErrNotFound
	GetAuction(ctx context.Context, id string) (*models.Auction, error)

	// CreateAuction inserts a new auction at version 1
	CreateAuction(ctx context.Context, auction *models.Auction) error

	// SaveAuctionAndBids writes the auction and upserts bids atomically.
	// The write only happens if the stored version equals auction.Version-1.
	SaveAuctionAndBids(ctx context.Context, auction *models.Auction, bids []models.Bid) error

	// ListBids returns all bids of an auction ordered by bid time
	ListBids(ctx context.Context, auctionID string) ([]models.Bid, error)

	// ListDue returns ids of auctions whose lifecycle should advance at now:
	// pending ones past their start time and live ones past their end time.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)

	// ListLive returns ids and end times of auctions that can still close
	ListLive(ctx context.Context) ([]Deadline, error)

	Close() error
}

// Deadline pairs an auction id with the instant it is due to close
type Deadline struct {
	AuctionID string
	EndTime   time.Time
}
