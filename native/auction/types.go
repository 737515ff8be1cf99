package auction

import (
	"fmt"
	"math/big"
)

// Stage represents the lifecycle of an auction. The only transition is
// StageOpen -> StageClosed.
type Stage uint8

const (
	StageOpen Stage = iota
	StageClosed
)

// Valid reports whether the stage value is within the supported range.
func (s Stage) Valid() bool {
	switch s {
	case StageOpen, StageClosed:
		return true
	default:
		return false
	}
}

func (s Stage) String() string {
	switch s {
	case StageOpen:
		return "open"
	case StageClosed:
		return "closed"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// HighBid is the current leader of an auction. The bidder and the amount are
// always replaced together.
type HighBid struct {
	Bidder [20]byte
	Amount *big.Int
}

// IsZero reports whether no bid has been recorded yet.
func (h HighBid) IsZero() bool {
	return h.Amount == nil || h.Amount.Sign() == 0
}

// Outbids reports whether amount strictly exceeds the current leader. Equal
// bids never displace the earlier bidder.
func (h HighBid) Outbids(amount *big.Int) bool {
	if amount == nil {
		return false
	}
	if h.Amount == nil {
		return amount.Sign() > 0
	}
	return amount.Cmp(h.Amount) > 0
}

func (h HighBid) clone() HighBid {
	return HighBid{Bidder: h.Bidder, Amount: cloneBigInt(h.Amount)}
}

// Auction is the authoritative record of a single-item auction. The
// identifier is the keccak256 hash of the seller and a caller-supplied nonce.
type Auction struct {
	ID        [32]byte
	Seller    [20]byte
	Deadline  int64
	Highest   HighBid
	Stage     Stage
	CreatedAt int64
	BidCount  uint64
	// Version increments on every stored mutation of the record.
	Version uint64
}

// Clone returns a deep copy of the auction so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Auction) Clone() *Auction {
	if a == nil {
		return nil
	}
	clone := *a
	clone.Highest = a.Highest.clone()
	return &clone
}

// Bid is the per-bidder escrow record. Amount holds the outstanding escrowed
// stake and drops to zero once, when the bidder is refunded.
type Bid struct {
	AuctionID  [32]byte
	Bidder     [20]byte
	Amount     *big.Int
	PlacedAt   int64
	RefundedAt int64
}

// Clone returns a deep copy of the bid.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Amount = cloneBigInt(b.Amount)
	return &clone
}

// Escrowed reports whether the record still carries a stake, regardless of
// whether settlement already paid it out.
func (b *Bid) Escrowed() bool {
	return b != nil && b.Amount != nil && b.Amount.Sign() > 0
}

// Outstanding reports whether the bid's stake is still held by the treasury of
// a. A settled winner's stake has moved to the seller and is not outstanding.
func (b *Bid) Outstanding(a *Auction) bool {
	if !b.Escrowed() {
		return false
	}
	if a == nil {
		return true
	}
	return !(a.Stage == StageClosed && !a.Highest.IsZero() && a.Highest.Bidder == b.Bidder)
}

// SanitizeAuction validates the supplied record and returns a normalised clone
// with non-nil amounts. The original value is not mutated.
func SanitizeAuction(a *Auction) (*Auction, error) {
	if a == nil {
		return nil, fmt.Errorf("nil auction")
	}
	clone := a.Clone()
	if clone.ID == ([32]byte{}) {
		return nil, fmt.Errorf("auction id required")
	}
	if clone.Seller == ([20]byte{}) {
		return nil, fmt.Errorf("auction seller required")
	}
	if !clone.Stage.Valid() {
		return nil, fmt.Errorf("invalid auction stage: %d", clone.Stage)
	}
	if clone.Highest.Amount.Sign() < 0 {
		return nil, fmt.Errorf("highest bid must be non-negative")
	}
	if clone.Highest.IsZero() && clone.Highest.Bidder != ([20]byte{}) {
		return nil, fmt.Errorf("highest bidder set without a bid")
	}
	return clone, nil
}

// SanitizeBid validates the supplied bid record.
func SanitizeBid(b *Bid) (*Bid, error) {
	if b == nil {
		return nil, fmt.Errorf("nil bid")
	}
	clone := b.Clone()
	if clone.AuctionID == ([32]byte{}) {
		return nil, fmt.Errorf("bid auction id required")
	}
	if clone.Bidder == ([20]byte{}) {
		return nil, fmt.Errorf("bid bidder required")
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("bid amount must be non-negative")
	}
	return clone, nil
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
