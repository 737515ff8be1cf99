package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"auctionchain/native/auction"
)

var (
	auctionRecordPrefix  = []byte("auction/record/")
	auctionBidPrefix     = []byte("auction/bid/")
	auctionBiddersPrefix = []byte("auction/bidders/")
	auctionTreasuryTag   = []byte("auction/treasury")
	treasuryMarkerPrefix = []byte("auction/treasury-marker/")
	auctionIndexKey      = ethcrypto.Keccak256([]byte("auction/index"))
)

type storedAuction struct {
	ID            [32]byte
	Seller        [20]byte
	Deadline      uint64
	HighestBidder [20]byte
	HighestAmount *big.Int
	Stage         uint8
	CreatedAt     uint64
	BidCount      uint64
	Version       uint64
}

type storedBid struct {
	AuctionID  [32]byte
	Bidder     [20]byte
	Amount     *big.Int
	PlacedAt   uint64
	RefundedAt uint64
}

func nonNegative(field string, v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%s must be non-negative", field)
	}
	return uint64(v), nil
}

func newStoredAuction(a *auction.Auction) (*storedAuction, error) {
	sanitized, err := auction.SanitizeAuction(a)
	if err != nil {
		return nil, err
	}
	deadline, err := nonNegative("auction deadline", sanitized.Deadline)
	if err != nil {
		return nil, err
	}
	created, err := nonNegative("auction createdAt", sanitized.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &storedAuction{
		ID:            sanitized.ID,
		Seller:        sanitized.Seller,
		Deadline:      deadline,
		HighestBidder: sanitized.Highest.Bidder,
		HighestAmount: sanitized.Highest.Amount,
		Stage:         uint8(sanitized.Stage),
		CreatedAt:     created,
		BidCount:      sanitized.BidCount,
		Version:       sanitized.Version,
	}, nil
}

func (s *storedAuction) toAuction() (*auction.Auction, error) {
	a := &auction.Auction{
		ID:        s.ID,
		Seller:    s.Seller,
		Deadline:  int64(s.Deadline),
		Highest:   auction.HighBid{Bidder: s.HighestBidder, Amount: s.HighestAmount},
		Stage:     auction.Stage(s.Stage),
		CreatedAt: int64(s.CreatedAt),
		BidCount:  s.BidCount,
		Version:   s.Version,
	}
	return auction.SanitizeAuction(a)
}

func newStoredBid(b *auction.Bid) (*storedBid, error) {
	sanitized, err := auction.SanitizeBid(b)
	if err != nil {
		return nil, err
	}
	placed, err := nonNegative("bid placedAt", sanitized.PlacedAt)
	if err != nil {
		return nil, err
	}
	refunded, err := nonNegative("bid refundedAt", sanitized.RefundedAt)
	if err != nil {
		return nil, err
	}
	return &storedBid{
		AuctionID:  sanitized.AuctionID,
		Bidder:     sanitized.Bidder,
		Amount:     sanitized.Amount,
		PlacedAt:   placed,
		RefundedAt: refunded,
	}, nil
}

func (s *storedBid) toBid() (*auction.Bid, error) {
	return auction.SanitizeBid(&auction.Bid{
		AuctionID:  s.AuctionID,
		Bidder:     s.Bidder,
		Amount:     s.Amount,
		PlacedAt:   int64(s.PlacedAt),
		RefundedAt: int64(s.RefundedAt),
	})
}

func auctionRecordKey(id [32]byte) []byte {
	return prefixedKey(auctionRecordPrefix, id[:])
}

func auctionBidKey(id [32]byte, bidder [20]byte) []byte {
	return prefixedKey(auctionBidPrefix, id[:], bidder[:])
}

func auctionBiddersKey(id [32]byte) []byte {
	return prefixedKey(auctionBiddersPrefix, id[:])
}

func treasuryMarkerKey(addr [20]byte) []byte {
	return prefixedKey(treasuryMarkerPrefix, addr[:])
}

// AuctionTreasuryAddress derives the ledger account that escrows the bids of
// the auction.
func AuctionTreasuryAddress(id [32]byte) [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256(auctionTreasuryTag, id[:])[12:])
	return addr
}

// TreasuryAddress implements the auction engine state contract.
func (m *Manager) TreasuryAddress(id [32]byte) [20]byte {
	return AuctionTreasuryAddress(id)
}

// AuctionGet loads the auction stored under id.
func (m *Manager) AuctionGet(id [32]byte) (*auction.Auction, bool, error) {
	stored := new(storedAuction)
	ok, err := m.getDecoded(auctionRecordKey(id), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	a, err := stored.toAuction()
	if err != nil {
		return nil, false, fmt.Errorf("auction %x: %w", id, err)
	}
	return a, true, nil
}

// AuctionPut stores the auction record.
func (m *Manager) AuctionPut(a *auction.Auction) error {
	stored, err := newStoredAuction(a)
	if err != nil {
		return err
	}
	return m.putEncoded(auctionRecordKey(stored.ID), stored)
}

// AuctionIndex appends id to the list of known auctions and marks its
// treasury account.
func (m *Manager) AuctionIndex(id [32]byte) error {
	var ids [][32]byte
	if _, err := m.getDecoded(auctionIndexKey, &ids); err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	if err := m.putEncoded(auctionIndexKey, ids); err != nil {
		return err
	}
	return m.putEncoded(treasuryMarkerKey(AuctionTreasuryAddress(id)), id)
}

// AuctionList returns every indexed auction in creation order.
func (m *Manager) AuctionList() ([][32]byte, error) {
	var ids [][32]byte
	if _, err := m.getDecoded(auctionIndexKey, &ids); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = [][32]byte{}
	}
	return ids, nil
}

// IsTreasury reports whether addr is the treasury account of an indexed
// auction.
func (m *Manager) IsTreasury(addr [20]byte) (bool, error) {
	var id [32]byte
	return m.getDecoded(treasuryMarkerKey(addr), &id)
}

// BidGet loads the bid record of bidder on the auction.
func (m *Manager) BidGet(id [32]byte, bidder [20]byte) (*auction.Bid, bool, error) {
	stored := new(storedBid)
	ok, err := m.getDecoded(auctionBidKey(id, bidder), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	bid, err := stored.toBid()
	if err != nil {
		return nil, false, fmt.Errorf("bid %x/%x: %w", id, bidder, err)
	}
	return bid, true, nil
}

// BidPut stores the bid record under its deterministic (auction, bidder) key.
func (m *Manager) BidPut(b *auction.Bid) error {
	stored, err := newStoredBid(b)
	if err != nil {
		return err
	}
	return m.putEncoded(auctionBidKey(stored.AuctionID, stored.Bidder), stored)
}

// AuctionAddBidder appends bidder to the auction's bidder list. Repeated
// bidders are ignored.
func (m *Manager) AuctionAddBidder(id [32]byte, bidder [20]byte) error {
	bidders, err := m.AuctionBidders(id)
	if err != nil {
		return err
	}
	for _, existing := range bidders {
		if existing == bidder {
			return nil
		}
	}
	return m.putEncoded(auctionBiddersKey(id), append(bidders, bidder))
}

// AuctionBidders lists the bidders of the auction in bid order.
func (m *Manager) AuctionBidders(id [32]byte) ([][20]byte, error) {
	var bidders [][20]byte
	if _, err := m.getDecoded(auctionBiddersKey(id), &bidders); err != nil {
		return nil, err
	}
	if bidders == nil {
		bidders = [][20]byte{}
	}
	return bidders, nil
}
