package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func liveAuction() *Auction {
	return &Auction{
		ID:                  "a1",
		StartingPrice:       decimal.NewFromInt(1000),
		CurrentPrice:        decimal.NewFromInt(1000),
		MinimumBidIncrement: decimal.NewFromInt(50),
		StartTime:           start,
		EndTime:             start.Add(time.Hour),
		Status:              AuctionStatusActive,
	}
}

func TestAcceptingBids(t *testing.T) {
	a := liveAuction()
	check.False(t, a.AcceptingBids(start.Add(-time.Second)))
	check.True(t, a.AcceptingBids(start))
	check.True(t, a.AcceptingBids(a.EndTime))
	check.False(t, a.AcceptingBids(a.EndTime.Add(time.Nanosecond)))

	a.Status = AuctionStatusPaused
	check.False(t, a.AcceptingBids(start.Add(time.Minute)))
}

func TestMinNextBid(t *testing.T) {
	a := liveAuction()
	check.Equal(t, "1050", a.MinNextBid().String())
	a.CurrentPrice = decimal.RequireFromString("1100.10")
	check.Equal(t, "1150.1", a.MinNextBid().String())
}

func TestAutoExtendWindow(t *testing.T) {
	a := liveAuction()
	a.AutoExtendMinutes = 5
	check.Equal(t, time.Duration(0), a.AutoExtendWindow())
	a.AutoExtend = true
	check.Equal(t, 5*time.Minute, a.AutoExtendWindow())
}

func TestCloneIsDeep(t *testing.T) {
	a := liveAuction()
	a.WatcherIDs = []string{"bob"}
	c := a.Clone()
	c.WatcherIDs[0] = "eve"
	c.CurrentPrice = decimal.NewFromInt(2000)
	check.Equal(t, "bob", a.WatcherIDs[0])
	check.Equal(t, "1000", a.CurrentPrice.String())
}

func TestNewAuctionView(t *testing.T) {
	a := liveAuction()
	view := NewAuctionView(a, start.Add(59*time.Minute))
	check.Equal(t, int64(time.Minute/time.Millisecond), view.TimeLeft)
	check.Equal(t, "1050", view.MinNextBid.String())

	check.Equal(t, int64(0), NewAuctionView(a, a.EndTime.Add(time.Minute)).TimeLeft)
	a.Status = AuctionStatusEnded
	check.Equal(t, int64(0), NewAuctionView(a, start).TimeLeft)
}

func TestAmountsStayExact(t *testing.T) {
	var req BidRequest
	assert.NoError(t, json.Unmarshal([]byte(`{"amount":"0.30"}`), &req))
	sum := decimal.RequireFromString("0.10").Add(decimal.RequireFromString("0.20"))
	check.True(t, req.Amount.Equal(sum))
}
