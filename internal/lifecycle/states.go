package lifecycle

import (
	"errors"
	"time"

	"github.com/aaronwang/live-auction/internal/models"
)

var (
	// ErrInvalidTransition is returned when the requested status change is not in the lifecycle graph
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrForbidden is returned when the caller may not act on the auction
	ErrForbidden = errors.New("not allowed to modify this auction")
	// ErrHasBids is returned when cancelling an auction that already admitted a bid
	ErrHasBids = errors.New("auction already has bids")
	// ErrInvalidAuction is returned when a new auction fails validation
	ErrInvalidAuction = errors.New("invalid auction")
)

// allowedStatusTransition lists explicit and time-driven moves; ended and cancelled are terminal
var allowedStatusTransition = map[models.AuctionStatus][]models.AuctionStatus{
	models.AuctionStatusDraft:     {models.AuctionStatusPending, models.AuctionStatusCancelled},
	models.AuctionStatusPending:   {models.AuctionStatusActive, models.AuctionStatusCancelled},
	models.AuctionStatusActive:    {models.AuctionStatusPaused, models.AuctionStatusEnded},
	models.AuctionStatusPaused:    {models.AuctionStatusActive, models.AuctionStatusEnded},
	models.AuctionStatusEnded:     {},
	models.AuctionStatusCancelled: {},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph
func CanTransition(from, to models.AuctionStatus) bool {
	for _, s := range allowedStatusTransition[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Activate moves a pending auction to active once its start time has come.
// It reports whether the auction changed.
func Activate(a *models.Auction, now time.Time) bool {
	if a.Status == models.AuctionStatusPending && !now.Before(a.StartTime) {
		a.Status = models.AuctionStatusActive
		return true
	}
	return false
}

// Expired reports whether a live auction is past its end time and must close
func Expired(a *models.Auction, now time.Time) bool {
	switch a.Status {
	case models.AuctionStatusActive, models.AuctionStatusPaused:
		return now.After(a.EndTime)
	}
	return false
}
