// Package registry holds the authoritative live view of each auction and
// serializes every read and write of one auction id through a single slot.
//
// Different auction ids never wait on each other. A mutation runs against a
// private copy of the state and is only made visible after the store accepted
// it, so a failed write leaves the cached state exactly as it was.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/store"
)

var (
	// ErrRetry means the auction kept changing under us; the caller should re-read and decide again
	ErrRetry = errors.New("registry: auction changed concurrently, retry")
	// ErrTransient means the durable write failed and nothing was applied
	ErrTransient = errors.New("registry: transient storage failure")
)

// Snapshot is a consistent view of one auction and all its bids
type Snapshot struct {
	Auction *models.Auction
	Bids    []models.Bid
}

// Clone returns a deep copy
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{
		Auction: s.Auction.Clone(),
		Bids:    append([]models.Bid(nil), s.Bids...),
	}
}

// Mutation is what a mutator wants committed: the new auction state plus the
// bids it created or changed
type Mutation struct {
	Auction *models.Auction
	Bids    []models.Bid
}

// Mutator inspects a snapshot and returns the mutation to commit.
// A nil mutation with a nil error means nothing to write.
type Mutator func(snap *Snapshot) (*Mutation, error)

// Registry owns per-auction serialization and the cached live state
type Registry struct {
	store      store.Store
	now        func() time.Time
	revalidate bool

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	slot chan struct{} // holds one token while a caller owns the auction
	refs int           // callers holding or waiting for the slot, guarded by Registry.mu
	snap *Snapshot     // nil until loaded, only touched while holding slot
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides the time source used for UpdatedAt stamps
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRevalidation makes every decision that writes nothing (a rejection or a
// read) confirm first that the cached version is still the stored one. Needed
// when several nodes write the same store.
func WithRevalidation() Option {
	return func(r *Registry) {
		r.revalidate = true
	}
}

// New creates a registry backed by st
func New(st store.Store, opts ...Option) *Registry {
	r := &Registry{
		store:   st,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithAuction runs fn with exclusive access to the auction and commits its mutation.
//
// On a version conflict the state is reloaded from the store and fn runs once more;
// a second conflict returns ErrRetry. Errors returned by fn pass through unchanged
// and nothing is written. With revalidation, a decision that writes nothing is
// taken again once if the store turns out to be ahead of the cache.
// The returned snapshot is the state after the call.
func (r *Registry) WithAuction(ctx context.Context, auctionID string, fn Mutator) (*Snapshot, error) {
	e, err := r.acquire(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	defer r.release(auctionID, e)

	checked := !r.revalidate
	if e.snap == nil {
		if err := r.load(ctx, auctionID, e); err != nil {
			return nil, err
		}
		checked = true
	}

	for attempt := 0; ; {
		m, err := fn(e.snap.Clone())
		if err != nil || m == nil {
			if !checked {
				checked = true
				changed, refreshErr := r.refresh(ctx, auctionID, e)
				if refreshErr != nil {
					return nil, refreshErr
				}
				if changed {
					continue
				}
			}
			return e.snap.Clone(), err
		}

		base := m.Auction
		if base == nil {
			base = e.snap.Auction
		}
		next := base.Clone()
		next.Version = e.snap.Auction.Version + 1
		next.UpdatedAt = r.now().UTC()

		err = r.store.SaveAuctionAndBids(ctx, next, m.Bids)
		switch {
		case err == nil:
			e.snap = merge(e.snap, next, m.Bids)
			return e.snap.Clone(), nil

		case errors.Is(err, store.ErrConflict):
			if loadErr := r.load(ctx, auctionID, e); loadErr != nil {
				return nil, loadErr
			}
			checked = true
			if attempt == 0 {
				attempt++
				continue
			}
			return e.snap.Clone(), ErrRetry

		case errors.Is(err, store.ErrNotFound):
			e.snap = nil
			return nil, store.ErrNotFound

		default:
			return e.snap.Clone(), fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
}

// Get returns a consistent snapshot, serialized with writers of the same auction
func (r *Registry) Get(ctx context.Context, auctionID string) (*Snapshot, error) {
	return r.WithAuction(ctx, auctionID, func(*Snapshot) (*Mutation, error) {
		return nil, nil
	})
}

// Invalidate drops the cached state of the auction so the next caller reloads it
// from the store. It waits for the current owner of the auction to finish.
func (r *Registry) Invalidate(ctx context.Context, auctionID string) error {
	r.mu.Lock()
	_, ok := r.entries[auctionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e, err := r.acquire(ctx, auctionID)
	if err != nil {
		return err
	}
	e.snap = nil
	r.release(auctionID, e)
	return nil
}

// Cached reports how many auctions currently have an entry; used by metrics and tests
func (r *Registry) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) acquire(ctx context.Context, auctionID string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[auctionID]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		r.entries[auctionID] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
		return e, nil
	case <-ctx.Done():
		r.mu.Lock()
		e.refs--
		if e.refs == 0 && e.snap == nil {
			delete(r.entries, auctionID)
		}
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (r *Registry) release(auctionID string, e *entry) {
	// Decided while still holding the slot, nobody else can be touching snap.
	evict := e.snap == nil || e.snap.Auction.Status.Terminal()
	<-e.slot

	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && evict {
		delete(r.entries, auctionID)
	}
}

func (r *Registry) load(ctx context.Context, auctionID string, e *entry) error {
	a, err := r.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		e.snap = nil
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	bids, err := r.store.ListBids(ctx, auctionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	e.snap = &Snapshot{Auction: a, Bids: bids}
	return nil
}

// refresh reloads the entry when the store holds a newer version than the cache
func (r *Registry) refresh(ctx context.Context, auctionID string, e *entry) (bool, error) {
	a, err := r.store.GetAuction(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		e.snap = nil
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if a.Version == e.snap.Auction.Version {
		return false, nil
	}
	if err := r.load(ctx, auctionID, e); err != nil {
		return false, err
	}
	return true, nil
}

// merge applies committed changes to the cached snapshot
func merge(prev *Snapshot, auction *models.Auction, changed []models.Bid) *Snapshot {
	bids := append([]models.Bid(nil), prev.Bids...)
	for _, b := range changed {
		found := false
		for i := range bids {
			if bids[i].ID == b.ID {
				bids[i] = b
				found = true
				break
			}
		}
		if !found {
			bids = append(bids, b)
		}
	}
	return &Snapshot{Auction: auction, Bids: bids}
}
