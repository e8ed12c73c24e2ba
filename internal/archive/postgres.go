package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aaronwang/live-auction/internal/models"
)

// EventLog is the Postgres audit table written by the archival worker
type EventLog struct {
	db *sql.DB
}

// NewEventLog opens and pings the database
func NewEventLog(connStr string) (*EventLog, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &EventLog{db: db}, nil
}

// InitSchema creates the audit tables
func (l *EventLog) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS auction_events (
		id VARCHAR(64) PRIMARY KEY,
		auction_id VARCHAR(64) NOT NULL,
		type VARCHAR(64) NOT NULL,
		topic VARCHAR(255) NOT NULL,
		payload JSONB,
		occurred_at TIMESTAMPTZ NOT NULL,
		archived_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS bid_history (
		bid_id VARCHAR(64) PRIMARY KEY,
		auction_id VARCHAR(64) NOT NULL,
		bidder_id VARCHAR(255) NOT NULL,
		amount NUMERIC(18, 2) NOT NULL,
		bid_time TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_auction_events_auction ON auction_events(auction_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_bid_history_auction ON bid_history(auction_id, bid_time);
	`

	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// InsertEvent stores rec and, for admitted bids, its row in bid_history.
// Redelivered events are ignored.
func (l *EventLog) InsertEvent(ctx context.Context, rec *Record) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO auction_events (id, auction_id, type, topic, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, rec.EventID, rec.AuctionID, string(rec.Type), rec.Topic, string(payload), rec.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if rec.Type == models.EventNewBid {
		var p models.NewBidPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: new_bid payload: %v", errMalformed, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bid_history (bid_id, auction_id, bidder_id, amount, bid_time)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (bid_id) DO NOTHING
		`, p.Bid.ID, rec.AuctionID, p.Bid.BidderID, p.Bid.Amount, p.Bid.BidTime)
		if err != nil {
			return fmt.Errorf("failed to insert bid: %w", err)
		}
	}

	return tx.Commit()
}

// GetEventHistory returns the archived events of an auction, oldest first
func (l *EventLog) GetEventHistory(ctx context.Context, auctionID string, limit int) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, auction_id, type, topic, payload, occurred_at
		FROM auction_events
		WHERE auction_id = $1
		ORDER BY occurred_at ASC
		LIMIT $2
	`, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var payload []byte
		if err := rows.Scan(&rec.EventID, &rec.AuctionID, &rec.Type, &rec.Topic, &payload, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Payload = payload
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetBidHistory returns the archived bids of an auction, highest first
func (l *EventLog) GetBidHistory(ctx context.Context, auctionID string, limit int) ([]models.Bid, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT bid_id, auction_id, bidder_id, amount, bid_time
		FROM bid_history
		WHERE auction_id = $1
		ORDER BY amount DESC, bid_time ASC
		LIMIT $2
	`, auctionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var bids []models.Bid
	for rows.Next() {
		var b models.Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.BidTime); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// Close closes the database connection
func (l *EventLog) Close() error {
	return l.db.Close()
}
