package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the lifecycle state of an auction
type AuctionStatus string

// AuctionStatus constants
const (
	AuctionStatusDraft     AuctionStatus = "draft"
	AuctionStatusPending   AuctionStatus = "pending"
	AuctionStatusActive    AuctionStatus = "active"
	AuctionStatusPaused    AuctionStatus = "paused"
	AuctionStatusEnded     AuctionStatus = "ended"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s
func (s AuctionStatus) Terminal() bool {
	return s == AuctionStatusEnded || s == AuctionStatusCancelled
}

// Category is the fixed set of auction categories
type Category string

// Category constants
const (
	CategoryElectronics  Category = "Electronics"
	CategoryArt          Category = "Art"
	CategoryAntiques     Category = "Antiques"
	CategoryJewelry      Category = "Jewelry"
	CategoryVehicles     Category = "Vehicles"
	CategoryRealEstate   Category = "Real Estate"
	CategoryCollectibles Category = "Collectibles"
	CategorySports       Category = "Sports"
	CategoryBooks        Category = "Books"
	CategoryOther        Category = "Other"
)

var categories = map[Category]bool{
	CategoryElectronics:  true,
	CategoryArt:          true,
	CategoryAntiques:     true,
	CategoryJewelry:      true,
	CategoryVehicles:     true,
	CategoryRealEstate:   true,
	CategoryCollectibles: true,
	CategorySports:       true,
	CategoryBooks:        true,
	CategoryOther:        true,
}

// Valid reports whether c is one of the known categories
func (c Category) Valid() bool {
	return categories[c]
}

// MoneyScale is the number of decimal places amounts are kept with
const MoneyScale = 2

// WholeCents reports whether d fits MoneyScale without rounding
func WholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(MoneyScale))
}

// Auction represents a listed item and its live bidding state
type Auction struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Description         string          `json:"description,omitempty"`
	Category            Category        `json:"category"`
	StartingPrice       decimal.Decimal `json:"startingPrice"`
	ReservePrice        decimal.Decimal `json:"reservePrice"`
	CurrentPrice        decimal.Decimal `json:"currentPrice"`
	MinimumBidIncrement decimal.Decimal `json:"minimumBidIncrement"`
	StartTime           time.Time       `json:"startTime"`
	EndTime             time.Time       `json:"endTime"`
	Status              AuctionStatus   `json:"status"`
	SellerID            string          `json:"sellerId"`
	WinnerID            string          `json:"winnerId,omitempty"`
	TotalBids           int             `json:"totalBids"`
	UniqueBidderCount   int             `json:"uniqueBidderCount"`
	WatcherIDs          []string        `json:"watcherIds,omitempty"`
	AutoExtend          bool            `json:"autoExtend"`
	AutoExtendMinutes   int             `json:"autoExtendMinutes"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// MinNextBid returns the smallest amount the next bid must reach
func (a *Auction) MinNextBid() decimal.Decimal {
	return a.CurrentPrice.Add(a.MinimumBidIncrement)
}

// AcceptingBids reports whether the auction admits bids at instant now
func (a *Auction) AcceptingBids(now time.Time) bool {
	return a.Status == AuctionStatusActive && !now.Before(a.StartTime) && !now.After(a.EndTime)
}

// AutoExtendWindow returns the anti-sniping window, zero when disabled
func (a *Auction) AutoExtendWindow() time.Duration {
	if !a.AutoExtend || a.AutoExtendMinutes <= 0 {
		return 0
	}
	return time.Duration(a.AutoExtendMinutes) * time.Minute
}

// Clone returns a deep copy of the auction
func (a *Auction) Clone() *Auction {
	c := *a
	if a.WatcherIDs != nil {
		c.WatcherIDs = append([]string(nil), a.WatcherIDs...)
	}
	return &c
}

// CreateAuctionRequest is the payload a seller sends to list a new auction
type CreateAuctionRequest struct {
	Title               string          `json:"title"`
	Description         string          `json:"description"`
	Category            Category        `json:"category"`
	StartingPrice       decimal.Decimal `json:"startingPrice"`
	ReservePrice        decimal.Decimal `json:"reservePrice"`
	MinimumBidIncrement decimal.Decimal `json:"minimumBidIncrement"`
	StartTime           time.Time       `json:"startTime"`
	EndTime             time.Time       `json:"endTime"`
	AutoExtend          bool            `json:"autoExtend"`
	AutoExtendMinutes   int             `json:"autoExtendMinutes"`
}

// AuctionView is the live status returned to clients
type AuctionView struct {
	Auction    *Auction        `json:"auction"`
	MinNextBid decimal.Decimal `json:"minNextBid"`
	TimeLeft   int64           `json:"timeRemainingMs"`
}

// NewAuctionView builds the client view of a at instant now
func NewAuctionView(a *Auction, now time.Time) *AuctionView {
	left := a.EndTime.Sub(now)
	if left < 0 || a.Status.Terminal() {
		left = 0
	}
	return &AuctionView{
		Auction:    a,
		MinNextBid: a.MinNextBid(),
		TimeLeft:   left.Milliseconds(),
	}
}
