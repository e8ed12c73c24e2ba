// Package notify routes auction events to the connections subscribed to them.
//
// Two kinds of topics exist: one per auction, joined explicitly by watchers,
// and one per identity, joined automatically by every authenticated connection.
// Delivery is best effort and at most once; nothing is replayed to a connection
// that was not subscribed when the event was dispatched.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aaronwang/live-auction/internal/models"
)

// Publisher accepts events for delivery. Implementations must not block on slow receivers.
type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Fanout publishes every event to each of its publishers
type Fanout []Publisher

// Publish forwards ev to all publishers and joins their errors
func (f Fanout) Publish(ctx context.Context, ev models.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Message is the wire envelope written to connections
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// AuctionTopic is the topic every watcher of an auction joins
func AuctionTopic(auctionID string) string {
	return "auction:" + auctionID
}

// UserTopic is the private topic of one identity
func UserTopic(userID string) string {
	return "user:" + userID
}

func newEvent(typ models.EventType, topic, auctionID string, payload interface{}) models.Event {
	return models.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Topic:     topic,
		AuctionID: auctionID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewBid builds the auction-wide new_bid event
func NewBid(a *models.Auction, bid models.Bid) models.Event {
	return newEvent(models.EventNewBid, AuctionTopic(a.ID), a.ID, models.NewBidPayload{
		AuctionID:       a.ID,
		Bid:             bid,
		NewCurrentPrice: a.CurrentPrice,
	})
}

// Outbid builds the private outbid event for a displaced bidder
func Outbid(a *models.Auction, bidderID string) models.Event {
	return newEvent(models.EventOutbid, UserTopic(bidderID), a.ID, models.OutbidPayload{
		AuctionID:    a.ID,
		AuctionTitle: a.Title,
		NewPrice:     a.CurrentPrice,
	})
}

// AuctionEnded builds the auction-wide close event
func AuctionEnded(a *models.Auction) models.Event {
	return newEvent(models.EventAuctionEnded, AuctionTopic(a.ID), a.ID, models.AuctionEndedPayload{
		AuctionID:  a.ID,
		WinnerID:   a.WinnerID,
		FinalPrice: a.CurrentPrice,
	})
}

// AuctionWon builds the private event for the winner
func AuctionWon(a *models.Auction) models.Event {
	return newEvent(models.EventAuctionWon, UserTopic(a.WinnerID), a.ID, models.AuctionWonPayload{
		AuctionID:     a.ID,
		AuctionTitle:  a.Title,
		WinningAmount: a.CurrentPrice,
	})
}

// AuctionExtended builds the event sent when the end time moves forward
func AuctionExtended(a *models.Auction) models.Event {
	return newEvent(models.EventAuctionExtended, AuctionTopic(a.ID), a.ID, models.AuctionExtendedPayload{
		AuctionID:  a.ID,
		NewEndTime: a.EndTime,
	})
}

// StatusChanged builds the event for lifecycle transitions other than close
func StatusChanged(a *models.Auction) models.Event {
	return newEvent(models.EventStatusChanged, AuctionTopic(a.ID), a.ID, models.StatusChangedPayload{
		AuctionID: a.ID,
		Status:    a.Status,
	})
}
