package lifecycle

import (
	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/notify"
	"github.com/aaronwang/live-auction/internal/registry"
)

// closeAuction ends the auction in snap and settles its bids.
//
// The winner is the bid already flagged as winning by admission. Amounts are
// never compared here. Returns nil when the auction is already ended so repeated
// sweeps neither pick a new winner nor notify again.
func closeAuction(snap *registry.Snapshot) *registry.Mutation {
	a := snap.Auction
	if a.Status == models.AuctionStatusEnded {
		return nil
	}

	a.Status = models.AuctionStatusEnded
	a.WinnerID = ""

	var changed []models.Bid
	for i := range snap.Bids {
		b := &snap.Bids[i]
		switch {
		case b.IsWinning && b.Status == models.BidStatusActive && a.WinnerID == "":
			b.Status = models.BidStatusWon
			a.WinnerID = b.BidderID
			changed = append(changed, *b)
		case b.Status == models.BidStatusActive:
			b.Status = models.BidStatusOutbid
			b.IsWinning = false
			changed = append(changed, *b)
		}
	}

	return &registry.Mutation{Auction: a, Bids: changed}
}

// eventsForClose returns the notifications owed after a close committed
func eventsForClose(a *models.Auction) []models.Event {
	events := []models.Event{notify.AuctionEnded(a)}
	if a.WinnerID != "" {
		events = append(events, notify.AuctionWon(a))
	}
	return events
}
