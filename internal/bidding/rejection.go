package bidding

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aaronwang/live-auction/internal/models"
)

// Rejection is a validation failure with a stable reason code
type Rejection struct {
	Reason     models.Reason
	Message    string
	MinNextBid decimal.Decimal
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("bid rejected (%s): %s", r.Reason, r.Message)
}

// validate applies the admission checks in order; the first failing one wins
func validate(a *models.Auction, bidderID string, amount decimal.Decimal, now time.Time) *Rejection {
	if !a.AcceptingBids(now) {
		return &Rejection{
			Reason:  models.ReasonNotAcceptingBids,
			Message: fmt.Sprintf("auction is %s and not accepting bids", a.Status),
		}
	}

	if bidderID == a.SellerID {
		return &Rejection{
			Reason:  models.ReasonOwnAuction,
			Message: "cannot bid on own auction",
		}
	}

	if !amount.IsPositive() || !models.WholeCents(amount) {
		return &Rejection{
			Reason:  models.ReasonInvalidAmount,
			Message: fmt.Sprintf("bid amount must be positive with at most %d decimal places", models.MoneyScale),
		}
	}

	minBid := a.MinNextBid()
	// A zero increment still requires a strictly higher price.
	if amount.LessThan(minBid) || !amount.GreaterThan(a.CurrentPrice) {
		return &Rejection{
			Reason:     models.ReasonBidTooLow,
			Message:    fmt.Sprintf("bid too low, must be at least %s", minBid.StringFixed(2)),
			MinNextBid: minBid,
		}
	}

	return nil
}
