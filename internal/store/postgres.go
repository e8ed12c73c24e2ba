package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/live-auction/internal/models"
)

// PostgresStore persists auctions and bids in PostgreSQL through a pgx pool
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and verifies the connection
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Numeric columns are read back as text so no float conversion happens on the way.
const auctionColumns = `id, title, description, category, starting_price::text, reserve_price::text,
	current_price::text, minimum_bid_increment::text, start_time, end_time, status, seller_id,
	COALESCE(winner_id, ''), total_bids, unique_bidder_count, watcher_ids, auto_extend,
	auto_extend_minutes, version, created_at, updated_at`

const bidColumns = `id, auction_id, bidder_id, amount::text, bid_time, status, is_winning`

// GetAuction loads one auction by id
func (s *PostgresStore) GetAuction(ctx context.Context, id string) (*models.Auction, error) {
	query := `SELECT ` + auctionColumns + ` FROM auctions WHERE id = $1`
	a, err := scanAuction(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auction: %w", err)
	}
	return a, nil
}

// CreateAuction inserts a new auction at version 1
func (s *PostgresStore) CreateAuction(ctx context.Context, a *models.Auction) error {
	query := `
		INSERT INTO auctions (id, title, description, category, starting_price, reserve_price,
			current_price, minimum_bid_increment, start_time, end_time, status, seller_id,
			total_bids, unique_bidder_count, watcher_ids, auto_extend, auto_extend_minutes,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, 1, $18, $19)`

	_, err := s.pool.Exec(ctx, query,
		a.ID,
		a.Title,
		a.Description,
		a.Category,
		a.StartingPrice.String(),
		a.ReservePrice.String(),
		a.CurrentPrice.String(),
		a.MinimumBidIncrement.String(),
		a.StartTime,
		a.EndTime,
		a.Status,
		a.SellerID,
		a.TotalBids,
		a.UniqueBidderCount,
		watchers(a.WatcherIDs),
		a.AutoExtend,
		a.AutoExtendMinutes,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert auction: %w", err)
	}
	a.Version = 1
	return nil
}

// SaveAuctionAndBids updates the auction with a version check and upserts the bids in one transaction
func (s *PostgresStore) SaveAuctionAndBids(ctx context.Context, a *models.Auction, bids []models.Bid) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updateQuery := `
		UPDATE auctions
		SET current_price = $2::numeric,
		    status = $3,
		    winner_id = NULLIF($4, ''),
		    total_bids = $5,
		    unique_bidder_count = $6,
		    end_time = $7,
		    watcher_ids = $8,
		    version = $9,
		    updated_at = $10
		WHERE id = $1 AND version = $11`

	tag, err := tx.Exec(ctx, updateQuery,
		a.ID,
		a.CurrentPrice.String(),
		a.Status,
		a.WinnerID,
		a.TotalBids,
		a.UniqueBidderCount,
		a.EndTime,
		watchers(a.WatcherIDs),
		a.Version,
		a.UpdatedAt,
		a.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update auction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM auctions WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check auction existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	// Clear winning flags before setting a new one so the partial unique index never sees two.
	ordered := append([]models.Bid(nil), bids...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return !ordered[i].IsWinning && ordered[j].IsWinning
	})

	upsertQuery := `
		INSERT INTO bids (id, auction_id, bidder_id, amount, bid_time, status, is_winning)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    is_winning = EXCLUDED.is_winning`

	batch := &pgx.Batch{}
	for _, b := range ordered {
		batch.Queue(upsertQuery, b.ID, b.AuctionID, b.BidderID, b.Amount.String(), b.BidTime, b.Status, b.IsWinning)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert bids: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListBids returns the bids of an auction in bid time order
func (s *PostgresStore) ListBids(ctx context.Context, auctionID string) ([]models.Bid, error) {
	query := `SELECT ` + bidColumns + ` FROM bids WHERE auction_id = $1 ORDER BY bid_time ASC`

	rows, err := s.pool.Query(ctx, query, auctionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var (
			b      models.Bid
			amount string
		)
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &amount, &b.BidTime, &b.Status, &b.IsWinning); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse bid amount: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// ListDue returns ids of pending auctions past start and live auctions past end
func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `
		SELECT id FROM auctions
		WHERE (status = 'pending' AND start_time <= $1)
		   OR (status IN ('active', 'paused') AND end_time < $1)
		ORDER BY end_time
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due auctions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan auction id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListLive returns end times of auctions that have not reached a terminal state
func (s *PostgresStore) ListLive(ctx context.Context) ([]Deadline, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, end_time FROM auctions WHERE status IN ('pending', 'active', 'paused')`)
	if err != nil {
		return nil, fmt.Errorf("failed to query live auctions: %w", err)
	}
	defer rows.Close()

	var out []Deadline
	for rows.Next() {
		var d Deadline
		if err := rows.Scan(&d.AuctionID, &d.EndTime); err != nil {
			return nil, fmt.Errorf("failed to scan deadline: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanAuction(row pgx.Row) (*models.Auction, error) {
	var (
		a                                     models.Auction
		starting, reserve, current, increment string
	)
	err := row.Scan(
		&a.ID,
		&a.Title,
		&a.Description,
		&a.Category,
		&starting,
		&reserve,
		&current,
		&increment,
		&a.StartTime,
		&a.EndTime,
		&a.Status,
		&a.SellerID,
		&a.WinnerID,
		&a.TotalBids,
		&a.UniqueBidderCount,
		&a.WatcherIDs,
		&a.AutoExtend,
		&a.AutoExtendMinutes,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&a.StartingPrice, starting},
		{&a.ReservePrice, reserve},
		{&a.CurrentPrice, current},
		{&a.MinimumBidIncrement, increment},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("failed to parse numeric column: %w", err)
		}
	}
	return &a, nil
}

func watchers(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
