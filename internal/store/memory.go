package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aaronwang/live-auction/internal/models"
)

// MemoryStore keeps everything in process memory. Used for tests and single-node dev runs.
type MemoryStore struct {
	mu       sync.RWMutex
	auctions map[string]*models.Auction
	bids     map[string][]models.Bid // auctionID -> bids in admission order
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions: make(map[string]*models.Auction),
		bids:     make(map[string][]models.Bid),
	}
}

// GetAuction returns a copy of the stored auction
func (s *MemoryStore) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

// CreateAuction stores a new auction at version 1
func (s *MemoryStore) CreateAuction(ctx context.Context, auction *models.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.auctions[auction.ID]; exists {
		return fmt.Errorf("auction %s already exists: %w", auction.ID, ErrConflict)
	}
	auction.Version = 1
	s.auctions[auction.ID] = auction.Clone()
	return nil
}

// SaveAuctionAndBids replaces the auction and upserts bids under one lock
func (s *MemoryStore) SaveAuctionAndBids(ctx context.Context, auction *models.Auction, bids []models.Bid) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.auctions[auction.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != auction.Version-1 {
		return ErrConflict
	}

	s.auctions[auction.ID] = auction.Clone()

	existing := s.bids[auction.ID]
	for _, b := range bids {
		replaced := false
		for i := range existing {
			if existing[i].ID == b.ID {
				existing[i] = b
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, b)
		}
	}
	s.bids[auction.ID] = existing

	return nil
}

// ListBids returns a copy of the auction's bids ordered by bid time
func (s *MemoryStore) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]models.Bid(nil), s.bids[auctionID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].BidTime.Before(out[j].BidTime)
	})
	return out, nil
}

// ListDue returns ids of auctions that need a lifecycle step at now
func (s *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, a := range s.auctions {
		if isDue(a, now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ListLive returns the end time of every auction that has not reached a terminal state
func (s *MemoryStore) ListLive(ctx context.Context) ([]Deadline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Deadline
	for id, a := range s.auctions {
		switch a.Status {
		case models.AuctionStatusPending, models.AuctionStatusActive, models.AuctionStatusPaused:
			out = append(out, Deadline{AuctionID: id, EndTime: a.EndTime})
		}
	}
	return out, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func isDue(a *models.Auction, now time.Time) bool {
	switch a.Status {
	case models.AuctionStatusPending:
		return !now.Before(a.StartTime)
	case models.AuctionStatusActive, models.AuctionStatusPaused:
		return now.After(a.EndTime)
	}
	return false
}
