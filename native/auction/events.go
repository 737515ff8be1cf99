package auction

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"auctionchain/core/types"
)

const (
	EventTypeAuctionOpened       = "auction.opened"
	EventTypeAuctionBidPlaced    = "auction.bid_placed"
	EventTypeAuctionSettled      = "auction.settled"
	EventTypeAuctionRefunded     = "auction.refunded"
	EventTypeAuctionClosedUnsold = "auction.closed_unsold"
)

// NewOpenedEvent returns the canonical event payload for a newly opened
// auction.
func NewOpenedEvent(a *Auction) *types.Event { return newAuctionEvent(EventTypeAuctionOpened, a) }

// NewBidPlacedEvent returns the payload emitted when a bid is escrowed. The
// leader attribute reports whether the bid became the highest bid.
func NewBidPlacedEvent(a *Auction, b *Bid, leader bool) *types.Event {
	evt := newAuctionEvent(EventTypeAuctionBidPlaced, a)
	if b == nil {
		return evt
	}
	evt.Attributes["bidder"] = hex.EncodeToString(b.Bidder[:])
	evt.Attributes["amount"] = formatAmount(b.Amount)
	evt.Attributes["leader"] = strconv.FormatBool(leader)
	return evt
}

// NewSettledEvent returns the payload emitted when the seller claims the
// winning bid.
func NewSettledEvent(a *Auction) *types.Event { return newAuctionEvent(EventTypeAuctionSettled, a) }

// NewRefundedEvent returns the payload emitted when a losing bidder reclaims
// their stake.
func NewRefundedEvent(a *Auction, bidder [20]byte, amount *big.Int) *types.Event {
	evt := newAuctionEvent(EventTypeAuctionRefunded, a)
	evt.Attributes["bidder"] = hex.EncodeToString(bidder[:])
	evt.Attributes["amount"] = formatAmount(amount)
	return evt
}

// NewClosedUnsoldEvent returns the payload emitted when an auction without
// bids is closed by its seller.
func NewClosedUnsoldEvent(a *Auction) *types.Event {
	return newAuctionEvent(EventTypeAuctionClosedUnsold, a)
}

func newAuctionEvent(eventType string, a *Auction) *types.Event {
	attrs := make(map[string]string)
	if a == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeAuction(a)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = hex.EncodeToString(sanitized.ID[:])
	attrs["seller"] = hex.EncodeToString(sanitized.Seller[:])
	attrs["deadline"] = strconv.FormatInt(sanitized.Deadline, 10)
	attrs["stage"] = sanitized.Stage.String()
	attrs["highestBid"] = formatAmount(sanitized.Highest.Amount)
	if !sanitized.Highest.IsZero() {
		attrs["highestBidder"] = hex.EncodeToString(sanitized.Highest.Bidder[:])
	}
	attrs["version"] = strconv.FormatUint(sanitized.Version, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
