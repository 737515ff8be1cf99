package auction_test

import (
	"bytes"
	"encoding/hex"
	"math/big"
	"reflect"
	"testing"

	"auctionchain/core/types"
	auctionpkg "auctionchain/native/auction"
)

func TestAuctionEventsHaveDeterministicPayload(t *testing.T) {
	var id [32]byte
	copy(id[:], bytes.Repeat([]byte{0xAA}, 32))
	var seller [20]byte
	copy(seller[:], bytes.Repeat([]byte{0xBB}, 20))
	var leader [20]byte
	copy(leader[:], bytes.Repeat([]byte{0xCC}, 20))

	auction := &auctionpkg.Auction{
		ID:       id,
		Seller:   seller,
		Deadline: 1_700_000_100,
		Highest:  auctionpkg.HighBid{Bidder: leader, Amount: big.NewInt(42_000)},
		Stage:    auctionpkg.StageClosed,
		Version:  4,
	}
	expected := map[string]string{
		"id":            hex.EncodeToString(id[:]),
		"seller":        hex.EncodeToString(seller[:]),
		"deadline":      "1700000100",
		"stage":         "closed",
		"highestBid":    "42000",
		"highestBidder": hex.EncodeToString(leader[:]),
		"version":       "4",
	}
	cases := []struct {
		name string
		fn   func(*auctionpkg.Auction) *types.Event
		typ  string
	}{
		{"opened", auctionpkg.NewOpenedEvent, auctionpkg.EventTypeAuctionOpened},
		{"settled", auctionpkg.NewSettledEvent, auctionpkg.EventTypeAuctionSettled},
		{"closed unsold", auctionpkg.NewClosedUnsoldEvent, auctionpkg.EventTypeAuctionClosedUnsold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt := tc.fn(auction)
			if evt.Type != tc.typ {
				t.Fatalf("unexpected type %q", evt.Type)
			}
			if !reflect.DeepEqual(evt.Attributes, expected) {
				t.Fatalf("unexpected attributes: %v", evt.Attributes)
			}
		})
	}
}

func TestBidEventsCarryBidder(t *testing.T) {
	var id [32]byte
	id[0] = 0x01
	var seller, bidder [20]byte
	seller[0] = 0x02
	bidder[0] = 0x03
	auction := &auctionpkg.Auction{ID: id, Seller: seller, Deadline: 10, Highest: auctionpkg.HighBid{Amount: big.NewInt(0)}}

	evt := auctionpkg.NewBidPlacedEvent(auction, &auctionpkg.Bid{AuctionID: id, Bidder: bidder, Amount: big.NewInt(7)}, false)
	if evt.Attributes["bidder"] != hex.EncodeToString(bidder[:]) || evt.Attributes["amount"] != "7" || evt.Attributes["leader"] != "false" {
		t.Fatalf("unexpected bid attributes: %v", evt.Attributes)
	}
	if _, ok := evt.Attributes["highestBidder"]; ok {
		t.Fatalf("expected no highest bidder without a bid")
	}

	refund := auctionpkg.NewRefundedEvent(auction, bidder, big.NewInt(7))
	if refund.Type != auctionpkg.EventTypeAuctionRefunded || refund.Attributes["amount"] != "7" {
		t.Fatalf("unexpected refund event: %+v", refund)
	}
}
