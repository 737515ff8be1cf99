package auction

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"auctionchain/core/events"
	"auctionchain/core/types"
	"auctionchain/native/common"
)

// ModuleName identifies the auction module for pause toggles and metrics.
const ModuleName = "auction"

// DefaultMinimumBid is the bid floor applied when none is configured:
// 0.01 of a coin with nine decimals.
var DefaultMinimumBid = big.NewInt(10_000_000)

var errNilState = errors.New("auction engine: state not configured")

type engineState interface {
	AuctionGet(id [32]byte) (*Auction, bool, error)
	AuctionPut(*Auction) error
	AuctionIndex(id [32]byte) error
	BidGet(id [32]byte, bidder [20]byte) (*Bid, bool, error)
	BidPut(*Bid) error
	AuctionAddBidder(id [32]byte, bidder [20]byte) error
	AuctionBidders(id [32]byte) ([][20]byte, error)
	TreasuryAddress(id [32]byte) [20]byte
	Balance(addr [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
}

type auctionEvent struct {
	evt *types.Event
}

func (e auctionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e auctionEvent) Event() *types.Event { return e.evt }

// AuditReport compares the treasury balance against the escrow still owed to
// bidders.
type AuditReport struct {
	Treasury    *big.Int
	Outstanding *big.Int
}

// Engine enforces the auction state machine against an injected ledger state.
// It performs no locking: callers serialise operations on the same auction and
// commit or discard the state writes of each call as a unit.
type Engine struct {
	state   engineState
	emitter events.Emitter
	pauses  common.PauseView
	clock   func() (int64, error)
	minBid  *big.Int
}

// NewEngine creates an auction engine with a no-op emitter, the wall clock and
// the default bid floor.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		clock:   wallClock,
		minBid:  new(big.Int).Set(DefaultMinimumBid),
	}
}

func wallClock() (int64, error) { return time.Now().Unix(), nil }

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses wires the pause view consulted before every mutation.
func (e *Engine) SetPauses(p common.PauseView) { e.pauses = p }

// SetClock overrides the time source. A clock error aborts the calling
// operation with ErrClockUnavailable.
func (e *Engine) SetClock(clock func() (int64, error)) {
	if clock == nil {
		e.clock = wallClock
		return
	}
	e.clock = clock
}

// SetNowFunc overrides the time source with an infallible clock. Primarily
// intended for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.clock = wallClock
		return
	}
	e.clock = func() (int64, error) { return now(), nil }
}

// SetMinimumBid sets the fixed bid floor. The floor must be positive.
func (e *Engine) SetMinimumBid(min *big.Int) error {
	if min == nil || min.Sign() <= 0 {
		return fmt.Errorf("auction: minimum bid must be positive")
	}
	e.minBid = new(big.Int).Set(min)
	return nil
}

// MinimumBid returns a copy of the configured bid floor.
func (e *Engine) MinimumBid() *big.Int {
	if e == nil || e.minBid == nil {
		return new(big.Int).Set(DefaultMinimumBid)
	}
	return new(big.Int).Set(e.minBid)
}

// DeriveAuctionID returns the deterministic identifier of the auction a seller
// opens with the given nonce.
func DeriveAuctionID(seller [20]byte, nonce uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return ethcrypto.Keccak256Hash(seller[:], buf[:])
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(auctionEvent{evt: event})
}

func (e *Engine) now() (int64, error) {
	if e == nil || e.clock == nil {
		return wallClock()
	}
	ts, err := e.clock()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrClockUnavailable, err)
	}
	return ts, nil
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return common.Guard(e.pauses, ModuleName)
}

func (e *Engine) loadAuction(id [32]byte) (*Auction, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	auction, ok, err := e.state.AuctionGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuctionNotFound
	}
	return auction, nil
}

func (e *Engine) storeAuction(a *Auction) error {
	a.Version++
	return e.state.AuctionPut(a)
}

func (e *Engine) transfer(from, to [20]byte, amount *big.Int) error {
	if err := e.state.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return nil
}

// Open creates a new auction owned by seller that accepts bids until deadline
// (unix seconds, exclusive).
func (e *Engine) Open(seller [20]byte, deadline int64, nonce uint64) (*Auction, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if deadline <= now {
		return nil, fmt.Errorf("%w: deadline %d is not after %d", ErrInvalidScheduling, deadline, now)
	}
	if seller == ([20]byte{}) {
		return nil, ErrUnauthorized
	}
	id := DeriveAuctionID(seller, nonce)
	if _, exists, err := e.state.AuctionGet(id); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrAuctionExists
	}
	balance, err := e.state.Balance(e.state.TreasuryAddress(id))
	if err != nil {
		return nil, err
	}
	if balance.Sign() != 0 {
		return nil, fmt.Errorf("%w: %s", ErrTreasuryFunded, balance)
	}
	auction := &Auction{
		ID:        id,
		Seller:    seller,
		Deadline:  deadline,
		Highest:   HighBid{Amount: big.NewInt(0)},
		Stage:     StageOpen,
		CreatedAt: now,
	}
	if err := e.storeAuction(auction); err != nil {
		return nil, err
	}
	if err := e.state.AuctionIndex(id); err != nil {
		return nil, err
	}
	e.emit(NewOpenedEvent(auction))
	return auction.Clone(), nil
}

// PlaceBid escrows amount from the bidder into the auction treasury and
// records the bid. Each bidder may bid once per auction.
func (e *Engine) PlaceBid(id [32]byte, bidder [20]byte, amount *big.Int) (*Bid, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if bidder == ([20]byte{}) {
		return nil, ErrUnauthorized
	}
	auction, err := e.loadAuction(id)
	if err != nil {
		return nil, err
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if auction.Stage != StageOpen || now >= auction.Deadline {
		return nil, ErrAuctionClosed
	}
	amt := cloneBigInt(amount)
	if amt.Cmp(e.MinimumBid()) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrBidTooLow, amt, e.MinimumBid())
	}
	if _, exists, err := e.state.BidGet(id, bidder); err != nil {
		return nil, err
	} else if exists {
		return nil, ErrDuplicateBid
	}
	if err := e.transfer(bidder, e.state.TreasuryAddress(id), amt); err != nil {
		return nil, err
	}
	bid := &Bid{AuctionID: id, Bidder: bidder, Amount: amt, PlacedAt: now}
	if err := e.state.BidPut(bid); err != nil {
		return nil, err
	}
	if err := e.state.AuctionAddBidder(id, bidder); err != nil {
		return nil, err
	}
	leader := auction.Highest.Outbids(amt)
	if leader {
		auction.Highest = HighBid{Bidder: bidder, Amount: new(big.Int).Set(amt)}
	}
	auction.BidCount++
	if err := e.storeAuction(auction); err != nil {
		return nil, err
	}
	e.emit(NewBidPlacedEvent(auction, bid, leader))
	return bid.Clone(), nil
}

// Settle pays the highest bid out of the treasury to the seller and closes the
// auction. It succeeds at most once.
func (e *Engine) Settle(id [32]byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	auction, err := e.loadAuction(id)
	if err != nil {
		return err
	}
	if caller != auction.Seller {
		return ErrUnauthorized
	}
	now, err := e.now()
	if err != nil {
		return err
	}
	if now <= auction.Deadline {
		return ErrAuctionStillOpen
	}
	if auction.Stage != StageOpen {
		return ErrAuctionAlreadyClosed
	}
	if auction.Highest.IsZero() {
		return ErrNoBids
	}
	treasury := e.state.TreasuryAddress(id)
	balance, err := e.state.Balance(treasury)
	if err != nil {
		return err
	}
	if balance.Cmp(auction.Highest.Amount) < 0 {
		return fmt.Errorf("%w: treasury %s < highest bid %s", ErrLedgerInconsistency, balance, auction.Highest.Amount)
	}
	if err := e.transfer(treasury, auction.Seller, auction.Highest.Amount); err != nil {
		return err
	}
	auction.Stage = StageClosed
	if err := e.storeAuction(auction); err != nil {
		return err
	}
	e.emit(NewSettledEvent(auction))
	return nil
}

// Refund returns a losing bidder's stake once the auction has been settled.
func (e *Engine) Refund(id [32]byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	auction, err := e.loadAuction(id)
	if err != nil {
		return err
	}
	now, err := e.now()
	if err != nil {
		return err
	}
	if now <= auction.Deadline || auction.Stage != StageClosed {
		return ErrAuctionStillOpen
	}
	bid, ok, err := e.state.BidGet(id, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNothingToRefund
	}
	if bid.Bidder != caller {
		return ErrUnauthorized
	}
	if !bid.Escrowed() {
		return ErrNothingToRefund
	}
	if caller == auction.Highest.Bidder {
		return ErrWinnerCannotRefund
	}
	treasury := e.state.TreasuryAddress(id)
	balance, err := e.state.Balance(treasury)
	if err != nil {
		return err
	}
	if balance.Cmp(bid.Amount) < 0 {
		return fmt.Errorf("%w: treasury %s < refund %s", ErrLedgerInconsistency, balance, bid.Amount)
	}
	refunded := new(big.Int).Set(bid.Amount)
	if err := e.transfer(treasury, caller, refunded); err != nil {
		return err
	}
	bid.Amount = big.NewInt(0)
	bid.RefundedAt = now
	if err := e.state.BidPut(bid); err != nil {
		return err
	}
	e.emit(NewRefundedEvent(auction, caller, refunded))
	return nil
}

// CloseUnsold closes an auction that received no bids once its deadline has
// passed. No funds move.
func (e *Engine) CloseUnsold(id [32]byte, caller [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	auction, err := e.loadAuction(id)
	if err != nil {
		return err
	}
	if caller != auction.Seller {
		return ErrUnauthorized
	}
	now, err := e.now()
	if err != nil {
		return err
	}
	if now <= auction.Deadline {
		return ErrAuctionStillOpen
	}
	if auction.Stage != StageOpen {
		return ErrAuctionAlreadyClosed
	}
	if !auction.Highest.IsZero() || auction.BidCount > 0 {
		return ErrHasBids
	}
	auction.Stage = StageClosed
	if err := e.storeAuction(auction); err != nil {
		return err
	}
	e.emit(NewClosedUnsoldEvent(auction))
	return nil
}

// Audit recomputes the escrow conservation law for an auction: the treasury
// must hold exactly the sum of outstanding bids, excluding the winning bid once
// it has been paid out.
func (e *Engine) Audit(id [32]byte) (*AuditReport, error) {
	auction, err := e.loadAuction(id)
	if err != nil {
		return nil, err
	}
	bidders, err := e.state.AuctionBidders(id)
	if err != nil {
		return nil, err
	}
	outstanding := big.NewInt(0)
	for _, bidder := range bidders {
		bid, ok, err := e.state.BidGet(id, bidder)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: indexed bidder %x has no bid", ErrLedgerInconsistency, bidder)
		}
		if bid.Outstanding(auction) {
			outstanding.Add(outstanding, bid.Amount)
		}
	}
	balance, err := e.state.Balance(e.state.TreasuryAddress(id))
	if err != nil {
		return nil, err
	}
	report := &AuditReport{Treasury: balance, Outstanding: outstanding}
	if balance.Cmp(outstanding) != 0 {
		return report, fmt.Errorf("%w: treasury %s != outstanding %s", ErrLedgerInconsistency, balance, outstanding)
	}
	return report, nil
}

// GetAuction returns a copy of the stored auction.
func (e *Engine) GetAuction(id [32]byte) (*Auction, error) {
	auction, err := e.loadAuction(id)
	if err != nil {
		return nil, err
	}
	return auction.Clone(), nil
}

// GetBid returns the bid record of bidder on the auction.
func (e *Engine) GetBid(id [32]byte, bidder [20]byte) (*Bid, error) {
	if _, err := e.loadAuction(id); err != nil {
		return nil, err
	}
	bid, ok, err := e.state.BidGet(id, bidder)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBidNotFound
	}
	return bid.Clone(), nil
}

// Bidders lists every address that bid on the auction, in bid order.
func (e *Engine) Bidders(id [32]byte) ([][20]byte, error) {
	if _, err := e.loadAuction(id); err != nil {
		return nil, err
	}
	return e.state.AuctionBidders(id)
}
