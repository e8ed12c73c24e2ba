package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BidStatus is the state of an admitted bid
type BidStatus string

// BidStatus constants
const (
	BidStatusActive    BidStatus = "active"
	BidStatusOutbid    BidStatus = "outbid"
	BidStatusWon       BidStatus = "won"
	BidStatusCancelled BidStatus = "cancelled"
)

// Bid represents a single admitted bid on an auction
type Bid struct {
	ID        string          `json:"id"`
	AuctionID string          `json:"auctionId"`
	BidderID  string          `json:"bidderId"`
	Amount    decimal.Decimal `json:"amount"`
	BidTime   time.Time       `json:"bidTime"`
	Status    BidStatus       `json:"status"`
	IsWinning bool            `json:"isWinning"`
}

// Reason is a stable, machine-readable rejection code
type Reason string

// Reason constants
const (
	ReasonNotFound           Reason = "not_found"
	ReasonNotAcceptingBids   Reason = "not_accepting_bids"
	ReasonOwnAuction         Reason = "own_auction"
	ReasonBidTooLow          Reason = "bid_too_low"
	ReasonInvalidAmount      Reason = "invalid_amount"
	ReasonRetry              Reason = "retry"
	ReasonStorageUnavailable Reason = "storage_unavailable"
	ReasonIndeterminate      Reason = "indeterminate"
)

// BidRequest represents the incoming bid request from API
type BidRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// BidResponse represents the API response after submitting a bid
type BidResponse struct {
	Accepted     bool            `json:"accepted"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	MinNextBid   decimal.Decimal `json:"minNextBid"`
	Reason       Reason          `json:"reason,omitempty"`
	Message      string          `json:"message,omitempty"`
	Bid          *Bid            `json:"bid,omitempty"`
}
