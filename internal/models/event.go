package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an outbound event
type EventType string

// EventType constants
const (
	EventNewBid          EventType = "new_bid"
	EventOutbid          EventType = "outbid"
	EventAuctionEnded    EventType = "auction_ended"
	EventAuctionWon      EventType = "auction_won"
	EventAuctionExtended EventType = "auction_extended"
	EventStatusChanged   EventType = "auction_status_changed"
)

// Event is a routed notification. Topic decides who receives it, Payload is what they get.
// The same value is sent over the local hub, the Redis bus and the archival stream.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Topic     string      `json:"topic"`
	AuctionID string      `json:"auctionId"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewBidPayload is sent to the auction topic when a bid is admitted
type NewBidPayload struct {
	AuctionID       string          `json:"auctionId"`
	Bid             Bid             `json:"bid"`
	NewCurrentPrice decimal.Decimal `json:"newCurrentPrice"`
}

// OutbidPayload is sent to a bidder whose leading bid was beaten
type OutbidPayload struct {
	AuctionID    string          `json:"auctionId"`
	AuctionTitle string          `json:"auctionTitle"`
	NewPrice     decimal.Decimal `json:"newPrice"`
}

// AuctionEndedPayload is sent to the auction topic when the auction closes
type AuctionEndedPayload struct {
	AuctionID  string          `json:"auctionId"`
	WinnerID   string          `json:"winnerId,omitempty"`
	FinalPrice decimal.Decimal `json:"finalPrice"`
}

// AuctionWonPayload is sent to the winner when the auction closes
type AuctionWonPayload struct {
	AuctionID     string          `json:"auctionId"`
	AuctionTitle  string          `json:"auctionTitle"`
	WinningAmount decimal.Decimal `json:"winningAmount"`
}

// AuctionExtendedPayload is sent when a late bid pushes the end time forward
type AuctionExtendedPayload struct {
	AuctionID  string    `json:"auctionId"`
	NewEndTime time.Time `json:"newEndTime"`
}

// StatusChangedPayload is sent on lifecycle transitions other than close
type StatusChangedPayload struct {
	AuctionID string        `json:"auctionId"`
	Status    AuctionStatus `json:"status"`
}
