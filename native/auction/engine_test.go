package auction

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"auctionchain/core/events"
	"auctionchain/core/types"
	"auctionchain/native/common"
)

var errMockInsufficient = errors.New("insufficient funds")

type bidKey struct {
	id     [32]byte
	bidder [20]byte
}

type mockState struct {
	auctions  map[[32]byte]*Auction
	index     [][32]byte
	bids      map[bidKey]*Bid
	bidders   map[[32]byte][][20]byte
	balances  map[[20]byte]*big.Int
	transfers int
}

func newMockState() *mockState {
	return &mockState{
		auctions: make(map[[32]byte]*Auction),
		bids:     make(map[bidKey]*Bid),
		bidders:  make(map[[32]byte][][20]byte),
		balances: make(map[[20]byte]*big.Int),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func (m *mockState) AuctionGet(id [32]byte) (*Auction, bool, error) {
	a, ok := m.auctions[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

func (m *mockState) AuctionPut(a *Auction) error {
	sanitized, err := SanitizeAuction(a)
	if err != nil {
		return err
	}
	m.auctions[sanitized.ID] = sanitized
	return nil
}

func (m *mockState) AuctionIndex(id [32]byte) error {
	m.index = append(m.index, id)
	return nil
}

func (m *mockState) BidGet(id [32]byte, bidder [20]byte) (*Bid, bool, error) {
	b, ok := m.bids[bidKey{id, bidder}]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

func (m *mockState) BidPut(b *Bid) error {
	sanitized, err := SanitizeBid(b)
	if err != nil {
		return err
	}
	m.bids[bidKey{sanitized.AuctionID, sanitized.Bidder}] = sanitized
	return nil
}

func (m *mockState) AuctionAddBidder(id [32]byte, bidder [20]byte) error {
	m.bidders[id] = append(m.bidders[id], bidder)
	return nil
}

func (m *mockState) AuctionBidders(id [32]byte) ([][20]byte, error) {
	return append([][20]byte(nil), m.bidders[id]...), nil
}

func (m *mockState) TreasuryAddress(id [32]byte) [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256([]byte("test/treasury"), id[:])[12:])
	return addr
}

func (m *mockState) Balance(addr [20]byte) (*big.Int, error) {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

func (m *mockState) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount")
	}
	fromBal, _ := m.Balance(from)
	if fromBal.Cmp(amount) < 0 {
		return errMockInsufficient
	}
	toBal, _ := m.Balance(to)
	m.balances[from] = fromBal.Sub(fromBal, amount)
	m.balances[to] = toBal.Add(toBal, amount)
	m.transfers++
	return nil
}

func (m *mockState) setBalance(addr [20]byte, amount int64) {
	m.balances[addr] = big.NewInt(amount)
}

func (m *mockState) balance(addr [20]byte) string {
	bal, _ := m.Balance(addr)
	return bal.String()
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		if wrapper, ok := evt.(auctionEvent); ok && wrapper.evt != nil {
			out = append(out, wrapper.evt.Clone())
		}
	}
	return out
}

type staticPauses map[string]bool

func (p staticPauses) IsPaused(module string) bool { return p[module] }

const testNow int64 = 1_700_000_000

type testClock struct {
	now int64
}

func (c *testClock) set(ts int64) { c.now = ts }

func newTestEngine(state *mockState) (*Engine, *testClock) {
	clock := &testClock{now: testNow}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetNowFunc(func() int64 { return clock.now })
	if err := engine.SetMinimumBid(big.NewInt(1)); err != nil {
		panic(err)
	}
	return engine, clock
}

func mustOpen(t *testing.T, engine *Engine, seller [20]byte, deadline int64, nonce uint64) *Auction {
	t.Helper()
	a, err := engine.Open(seller, deadline, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return a
}

// checkConservation asserts that the treasury holds exactly the escrow still
// owed to bidders.
func checkConservation(t *testing.T, engine *Engine, id [32]byte) {
	t.Helper()
	report, err := engine.Audit(id)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Treasury.Cmp(report.Outstanding) != 0 {
		t.Fatalf("treasury %s != outstanding %s", report.Treasury, report.Outstanding)
	}
}

func TestOpenValidations(t *testing.T) {
	seller := newTestAddress(0x01)
	cases := []struct {
		name     string
		seller   [20]byte
		deadline int64
		pauses   common.PauseView
		want     error
	}{
		{"deadline in past", seller, testNow - 1, nil, ErrInvalidScheduling},
		{"deadline now", seller, testNow, nil, ErrInvalidScheduling},
		{"zero seller", [20]byte{}, testNow + 100, nil, ErrUnauthorized},
		{"paused", seller, testNow + 100, staticPauses{ModuleName: true}, common.ErrModulePaused},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := newMockState()
			engine, _ := newTestEngine(state)
			engine.SetPauses(tc.pauses)
			if _, err := engine.Open(tc.seller, tc.deadline, 1); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(state.auctions) != 0 {
				t.Fatalf("expected no auction stored")
			}
		})
	}
}

func TestOpenRejectsReusedNonce(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	seller := newTestAddress(0x02)
	first := mustOpen(t, engine, seller, testNow+100, 7)
	if first.ID != DeriveAuctionID(seller, 7) {
		t.Fatalf("unexpected auction id %x", first.ID)
	}
	if first.Version != 1 || first.Stage != StageOpen || !first.Highest.IsZero() {
		t.Fatalf("unexpected fresh auction: %+v", first)
	}
	if _, err := engine.Open(seller, testNow+200, 7); !errors.Is(err, ErrAuctionExists) {
		t.Fatalf("expected ErrAuctionExists, got %v", err)
	}
	second := mustOpen(t, engine, seller, testNow+200, 8)
	if second.ID == first.ID {
		t.Fatalf("expected distinct ids for distinct nonces")
	}
	if len(state.index) != 2 {
		t.Fatalf("expected two indexed auctions, got %d", len(state.index))
	}
}

func TestOpenRejectsFundedTreasury(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	seller := newTestAddress(0x03)
	id := DeriveAuctionID(seller, 1)
	state.balances[state.TreasuryAddress(id)] = big.NewInt(5)
	_, err := engine.Open(seller, testNow+100, 1)
	if !errors.Is(err, ErrTreasuryFunded) || IsFatal(err) || ClassOf(err) != ClassState {
		t.Fatalf("expected recoverable treasury_funded, got %v", err)
	}
	if _, ok := state.auctions[id]; ok {
		t.Fatalf("auction must not be stored")
	}
	if _, err := engine.Open(seller, testNow+100, 2); err != nil {
		t.Fatalf("expected another nonce to open: %v", err)
	}
}

func TestClockFailureAbortsOperation(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	engine.SetClock(func() (int64, error) { return 0, errors.New("ntp down") })
	_, err := engine.Open(newTestAddress(0x04), testNow+100, 1)
	if !errors.Is(err, ErrClockUnavailable) {
		t.Fatalf("expected ErrClockUnavailable, got %v", err)
	}
	if ClassOf(err) != ClassScheduling {
		t.Fatalf("expected scheduling class, got %s", ClassOf(err))
	}
}

func TestSettleAndRefundScenario(t *testing.T) {
	state := newMockState()
	engine, clock := newTestEngine(state)
	seller := newTestAddress(0x10)
	bidderA := newTestAddress(0x11)
	bidderB := newTestAddress(0x12)
	state.setBalance(bidderA, 10)
	state.setBalance(bidderB, 10)

	a := mustOpen(t, engine, seller, testNow+100, 1)
	treasury := state.TreasuryAddress(a.ID)

	clock.set(testNow + 1)
	if _, err := engine.PlaceBid(a.ID, bidderA, big.NewInt(1)); err != nil {
		t.Fatalf("bid A: %v", err)
	}
	stored, _ := engine.GetAuction(a.ID)
	if stored.Highest.Bidder != bidderA || stored.Highest.Amount.String() != "1" {
		t.Fatalf("expected A leading with 1, got %+v", stored.Highest)
	}
	checkConservation(t, engine, a.ID)

	clock.set(testNow + 2)
	if _, err := engine.PlaceBid(a.ID, bidderB, big.NewInt(2)); err != nil {
		t.Fatalf("bid B: %v", err)
	}
	stored, _ = engine.GetAuction(a.ID)
	if stored.Highest.Bidder != bidderB || stored.Highest.Amount.String() != "2" {
		t.Fatalf("expected B leading with 2, got %+v", stored.Highest)
	}
	if got := state.balance(treasury); got != "3" {
		t.Fatalf("expected treasury 3, got %s", got)
	}
	checkConservation(t, engine, a.ID)

	clock.set(testNow + 101)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	if err := engine.Settle(a.ID, seller); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got := state.balance(seller); got != "2" {
		t.Fatalf("expected seller 2, got %s", got)
	}
	if got := state.balance(treasury); got != "1" {
		t.Fatalf("expected treasury 1, got %s", got)
	}
	stored, _ = engine.GetAuction(a.ID)
	if stored.Stage != StageClosed {
		t.Fatalf("expected closed stage, got %s", stored.Stage)
	}
	checkConservation(t, engine, a.ID)

	if err := engine.Refund(a.ID, bidderA); err != nil {
		t.Fatalf("refund A: %v", err)
	}
	if got := state.balance(bidderA); got != "10" {
		t.Fatalf("expected A restored to 10, got %s", got)
	}
	if err := engine.Refund(a.ID, bidderB); !errors.Is(err, ErrWinnerCannotRefund) {
		t.Fatalf("expected ErrWinnerCannotRefund, got %v", err)
	}
	if got := state.balance(bidderB); got != "8" {
		t.Fatalf("expected B at 8, got %s", got)
	}
	if got := state.balance(treasury); got != "0" {
		t.Fatalf("expected empty treasury, got %s", got)
	}
	checkConservation(t, engine, a.ID)

	evts := emitter.typesEvents()
	if len(evts) != 2 || evts[0].Type != EventTypeAuctionSettled || evts[1].Type != EventTypeAuctionRefunded {
		t.Fatalf("unexpected events: %+v", evts)
	}
	if evts[1].Attributes["amount"] != "1" {
		t.Fatalf("unexpected refund amount attribute: %v", evts[1].Attributes)
	}
}

func TestSettleWithoutBidsFails(t *testing.T) {
	state := newMockState()
	engine, clock := newTestEngine(state)
	seller := newTestAddress(0x20)
	a := mustOpen(t, engine, seller, testNow+100, 1)

	clock.set(testNow + 101)
	if err := engine.Settle(a.ID, seller); !errors.Is(err, ErrNoBids) {
		t.Fatalf("expected ErrNoBids, got %v", err)
	}
	stored, _ := engine.GetAuction(a.ID)
	if stored.Stage != StageOpen {
		t.Fatalf("expected auction to remain open, got %s", stored.Stage)
	}
	if state.transfers != 0 {
		t.Fatalf("expected no transfers, got %d", state.transfers)
	}
}

func TestBidBelowFloorFails(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	if err := engine.SetMinimumBid(DefaultMinimumBid); err != nil {
		t.Fatalf("set floor: %v", err)
	}
	seller := newTestAddress(0x30)
	bidder := newTestAddress(0x31)
	state.setBalance(bidder, 1_000_000_000)
	a := mustOpen(t, engine, seller, testNow+100, 1)

	for _, amount := range []int64{0, -5, 9_999_999} {
		if _, err := engine.PlaceBid(a.ID, bidder, big.NewInt(amount)); !errors.Is(err, ErrBidTooLow) {
			t.Fatalf("amount %d: expected ErrBidTooLow, got %v", amount, err)
		}
	}
	if _, err := engine.PlaceBid(a.ID, bidder, nil); !errors.Is(err, ErrBidTooLow) {
		t.Fatalf("nil amount: expected ErrBidTooLow, got %v", err)
	}
	if state.transfers != 0 || len(state.bids) != 0 {
		t.Fatalf("expected no transfer and no bid record")
	}
	if _, err := engine.PlaceBid(a.ID, bidder, big.NewInt(10_000_000)); err != nil {
		t.Fatalf("bid at floor: %v", err)
	}
}

func TestBidAfterDeadlineFails(t *testing.T) {
	state := newMockState()
	engine, clock := newTestEngine(state)
	seller := newTestAddress(0x40)
	bidder := newTestAddress(0x41)
	state.setBalance(bidder, 100)
	a := mustOpen(t, engine, seller, testNow+100, 1)

	for _, ts := range []int64{testNow + 100, testNow + 500} {
		clock.set(ts)
		if _, err := engine.PlaceBid(a.ID, bidder, big.NewInt(5)); !errors.Is(err, ErrAuctionClosed) {
			t.Fatalf("ts %d: expected ErrAuctionClosed, got %v", ts, err)
		}
	}
	stored, _ := engine.GetAuction(a.ID)
	if stored.Version != a.Version || stored.BidCount != 0 {
		t.Fatalf("expected auction untouched, got %+v", stored)
	}
	if got := state.balance(bidder); got != "100" {
		t.Fatalf("expected bidder balance untouched, got %s", got)
	}
}

func TestBidRejectsDuplicateBidder(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	seller := newTestAddress(0x50)
	bidder := newTestAddress(0x51)
	state.setBalance(bidder, 100)
	a := mustOpen(t, engine, seller, testNow+100, 1)

	if _, err := engine.PlaceBid(a.ID, bidder, big.NewInt(10)); err != nil {
		t.Fatalf("first bid: %v", err)
	}
	if _, err := engine.PlaceBid(a.ID, bidder, big.NewInt(20)); !errors.Is(err, ErrDuplicateBid) {
		t.Fatalf("expected ErrDuplicateBid, got %v", err)
	}
	bid, err := engine.GetBid(a.ID, bidder)
	if err != nil {
		t.Fatalf("get bid: %v", err)
	}
	if bid.Amount.String() != "10" {
		t.Fatalf("expected original bid to be kept, got %s", bid.Amount)
	}
	if got := state.balance(bidder); got != "90" {
		t.Fatalf("expected one transfer only, balance %s", got)
	}
}

func TestBidTransferFailureWrapsLedgerError(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	seller := newTestAddress(0x60)
	bidder := newTestAddress(0x61)
	state.setBalance(bidder, 5)
	a := mustOpen(t, engine, seller, testNow+100, 1)

	_, err := engine.PlaceBid(a.ID, bidder, big.NewInt(6))
	if !errors.Is(err, ErrTransferFailed) || !errors.Is(err, errMockInsufficient) {
		t.Fatalf("expected wrapped insufficient funds, got %v", err)
	}
	if ClassOf(err) != ClassFunds {
		t.Fatalf("expected funds class, got %s", ClassOf(err))
	}
	if len(state.bids) != 0 {
		t.Fatalf("expected no bid record")
	}
	if _, err := engine.GetBid(a.ID, bidder); !errors.Is(err, ErrBidNotFound) {
		t.Fatalf("expected ErrBidNotFound, got %v", err)
	}
}

func TestEqualBidKeepsEarlierLeader(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	seller := newTestAddress(0x70)
	first := newTestAddress(0x71)
	second := newTestAddress(0x72)
	state.setBalance(first, 50)
	state.setBalance(second, 50)
	a := mustOpen(t, engine, seller, testNow+100, 1)

	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	if _, err := engine.PlaceBid(a.ID, first, big.NewInt(20)); err != nil {
		t.Fatalf("bid first: %v", err)
	}
	if _, err := engine.PlaceBid(a.ID, second, big.NewInt(20)); err != nil {
		t.Fatalf("bid second: %v", err)
	}
	stored, _ := engine.GetAuction(a.ID)
	if stored.Highest.Bidder != first {
		t.Fatalf("expected earlier bidder to keep the lead")
	}
	if stored.BidCount != 2 || stored.Version != 3 {
		t.Fatalf("unexpected counters: bids=%d version=%d", stored.BidCount, stored.Version)
	}
	evts := emitter.typesEvents()
	if len(evts) != 2 || evts[0].Attributes["leader"] != "true" || evts[1].Attributes["leader"] != "false" {
		t.Fatalf("unexpected leader attributes: %+v", evts)
	}
	checkConservation(t, engine, a.ID)
}

func TestSettleOnlyOnce(t *testing.T) {
	state := newMockState()
	engine, clock := newTestEngine(state)
	seller := newTestAddress(0x80)
	bidder := newTestAddress(0x81)
	state.setBalance(bidder, 100)
	a := mustOpen(t, engine, seller, testNow+100, 1)
	if _, err := engine.PlaceBid(a.ID, bidder, big.NewInt(40)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if err := engine.Settle(a.ID, seller); !errors.Is(err, ErrAuctionStillOpen) {
		t.Fatalf("expected ErrAuctionStillOpen before deadline, got %v", err)
	}
	clock.set(testNow + 100)
	if err := engine.Settle(a.ID, seller); !errors.Is(err, ErrAuctionStillOpen) {
		t.Fatalf("expected ErrAuctionStillOpen at deadline, got %v", err)
	}
	clock.set(testNow + 101)
	if err := engine.Settle(a.ID, bidder); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.Settle(a.ID, seller); err != nil {
		t.Fatalf("settle: %v", err)
	}
	transfers := state.transfers
	if err := engine.Settle(a.ID, seller); !errors.Is(err, ErrAuctionAlreadyClosed) {
		t.Fatalf("expected ErrAuctionAlreadyClosed, got %v", err)
	}
	if state.transfers != transfers {
		t.Fatalf("second settle moved funds")
	}
	if got := state.balance(seller); got != "40" {
		t.Fatalf("expected seller paid once, got %s", got)
	}
}

func TestSettleDetectsDrainedTreasury(t *testing.T) {
	state := newMockState()
	engine, clock := newTestEngine(state)
	seller := newTestAddress(0x90)
	bidder := newTestAddress(0x91)
	state.setBalance(bidder, 100)
	a := mustOpen(t, engine, seller, testNow+100, 1)
	if _, err := engine.PlaceBid(a.ID, bidder, big.NewInt(40)); err != nil {
		t.Fatalf("bid: %v", err)
	}
	state.setBalance(state.TreasuryAddress(a.ID), 10)

	clock.set(testNow + 101)
	err := engine.Settle(a.ID, seller)
	if !errors.Is(err, ErrLedgerInconsistency) || !IsFatal(err) {
		t.Fatalf("expected fatal ledger inconsistency, got %v", err)
	}
	if _, err := engine.Audit(a.ID); !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("expected audit to flag the treasury, got %v", err)
	}
}

func TestRefundRules(t *testing.T) {
	state := newMockState()
	engine, clock := newTestEngine(state)
	seller := newTestAddress(0xA0)
	winner := newTestAddress(0xA1)
	loser := newTestAddress(0xA2)
	stranger := newTestAddress(0xA3)
	state.setBalance(winner, 100)
	state.setBalance(loser, 100)
	a := mustOpen(t, engine, seller, testNow+100, 1)
	if _, err := engine.PlaceBid(a.ID, loser, big.NewInt(30)); err != nil {
		t.Fatalf("bid loser: %v", err)
	}
	if _, err := engine.PlaceBid(a.ID, winner, big.NewInt(60)); err != nil {
		t.Fatalf("bid winner: %v", err)
	}

	// Before the deadline and after it, nobody refunds until settlement.
	for _, ts := range []int64{testNow + 50, testNow + 101} {
		clock.set(ts)
		for _, caller := range [][20]byte{loser, winner} {
			if err := engine.Refund(a.ID, caller); !errors.Is(err, ErrAuctionStillOpen) {
				t.Fatalf("ts %d: expected ErrAuctionStillOpen, got %v", ts, err)
			}
		}
	}
	if err := engine.Settle(a.ID, seller); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := engine.Refund(a.ID, stranger); !errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("expected ErrNothingToRefund for stranger, got %v", err)
	}
	if err := engine.Refund(a.ID, winner); !errors.Is(err, ErrWinnerCannotRefund) {
		t.Fatalf("expected ErrWinnerCannotRefund, got %v", err)
	}
	if err := engine.Refund(a.ID, loser); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := engine.Refund(a.ID, loser); !errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("expected ErrNothingToRefund on second refund, got %v", err)
	}
	if got := state.balance(loser); got != "100" {
		t.Fatalf("expected loser refunded once, got %s", got)
	}
	bid, _ := engine.GetBid(a.ID, loser)
	if bid.Escrowed() || bid.RefundedAt != testNow+101 {
		t.Fatalf("unexpected refunded bid: %+v", bid)
	}
	checkConservation(t, engine, a.ID)
}

func TestCloseUnsold(t *testing.T) {
	state := newMockState()
	engine, clock := newTestEngine(state)
	seller := newTestAddress(0xB0)
	bidder := newTestAddress(0xB1)
	state.setBalance(bidder, 100)
	empty := mustOpen(t, engine, seller, testNow+100, 1)
	sold := mustOpen(t, engine, seller, testNow+100, 2)
	if _, err := engine.PlaceBid(sold.ID, bidder, big.NewInt(5)); err != nil {
		t.Fatalf("bid: %v", err)
	}

	if err := engine.CloseUnsold(empty.ID, seller); !errors.Is(err, ErrAuctionStillOpen) {
		t.Fatalf("expected ErrAuctionStillOpen, got %v", err)
	}
	clock.set(testNow + 101)
	if err := engine.CloseUnsold(empty.ID, bidder); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := engine.CloseUnsold(sold.ID, seller); !errors.Is(err, ErrHasBids) {
		t.Fatalf("expected ErrHasBids, got %v", err)
	}
	if err := engine.CloseUnsold(empty.ID, seller); err != nil {
		t.Fatalf("close unsold: %v", err)
	}
	if err := engine.CloseUnsold(empty.ID, seller); !errors.Is(err, ErrAuctionAlreadyClosed) {
		t.Fatalf("expected ErrAuctionAlreadyClosed, got %v", err)
	}
	if err := engine.Settle(empty.ID, seller); !errors.Is(err, ErrAuctionAlreadyClosed) {
		t.Fatalf("expected settle on unsold auction to fail, got %v", err)
	}
	if _, err := engine.PlaceBid(empty.ID, bidder, big.NewInt(5)); !errors.Is(err, ErrAuctionClosed) {
		t.Fatalf("expected ErrAuctionClosed, got %v", err)
	}
	checkConservation(t, engine, empty.ID)
}

func TestPausedEngineRejectsMutations(t *testing.T) {
	state := newMockState()
	engine, clock := newTestEngine(state)
	seller := newTestAddress(0xC0)
	bidder := newTestAddress(0xC1)
	state.setBalance(bidder, 100)
	a := mustOpen(t, engine, seller, testNow+100, 1)

	engine.SetPauses(staticPauses{ModuleName: true})
	if _, err := engine.PlaceBid(a.ID, bidder, big.NewInt(5)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected paused bid, got %v", err)
	}
	clock.set(testNow + 101)
	if err := engine.CloseUnsold(a.ID, seller); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected paused close, got %v", err)
	}
	if _, err := engine.GetAuction(a.ID); err != nil {
		t.Fatalf("reads must not be paused: %v", err)
	}
}

func TestUnknownAuction(t *testing.T) {
	state := newMockState()
	engine, _ := newTestEngine(state)
	var id [32]byte
	id[0] = 0x01
	caller := newTestAddress(0xD0)
	if _, err := engine.PlaceBid(id, caller, big.NewInt(5)); !errors.Is(err, ErrAuctionNotFound) {
		t.Fatalf("expected ErrAuctionNotFound, got %v", err)
	}
	if err := engine.Settle(id, caller); !errors.Is(err, ErrAuctionNotFound) {
		t.Fatalf("expected ErrAuctionNotFound, got %v", err)
	}
	if _, err := engine.Audit(id); !errors.Is(err, ErrAuctionNotFound) {
		t.Fatalf("expected ErrAuctionNotFound, got %v", err)
	}
}

// TestRandomSequencesPreserveInvariants drives random operation sequences and
// checks conservation, monotonic leadership and the payout rules after every
// step.
func TestRandomSequencesPreserveInvariants(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			state := newMockState()
			engine, clock := newTestEngine(state)
			seller := newTestAddress(0xE0)
			bidders := make([][20]byte, 6)
			for i := range bidders {
				bidders[i] = newTestAddress(byte(0xE1 + i))
				state.setBalance(bidders[i], 1_000)
			}
			a := mustOpen(t, engine, seller, testNow+50, uint64(seed))
			highest := big.NewInt(0)
			settled := 0
			refunded := make(map[[20]byte]int)

			for step := 0; step < 120; step++ {
				clock.set(testNow + int64(step))
				caller := bidders[rng.Intn(len(bidders))]
				switch rng.Intn(4) {
				case 0:
					_, _ = engine.PlaceBid(a.ID, caller, big.NewInt(int64(rng.Intn(300))))
				case 1:
					if err := engine.Settle(a.ID, seller); err == nil {
						settled++
					}
				case 2:
					if err := engine.Refund(a.ID, caller); err == nil {
						refunded[caller]++
					}
				default:
					_ = engine.CloseUnsold(a.ID, seller)
				}

				checkConservation(t, engine, a.ID)
				stored, _ := engine.GetAuction(a.ID)
				if stored.Highest.Amount.Cmp(highest) < 0 {
					t.Fatalf("step %d: highest bid decreased from %s to %s", step, highest, stored.Highest.Amount)
				}
				highest = new(big.Int).Set(stored.Highest.Amount)
				if refunded[stored.Highest.Bidder] > 0 && !stored.Highest.IsZero() {
					t.Fatalf("step %d: winner was refunded", step)
				}
			}
			if settled > 1 {
				t.Fatalf("settled %d times", settled)
			}
			for addr, n := range refunded {
				if n > 1 {
					t.Fatalf("bidder %x refunded %d times", addr, n)
				}
			}
			total := big.NewInt(0)
			for _, addr := range append(bidders, seller, state.TreasuryAddress(a.ID)) {
				bal, _ := state.Balance(addr)
				total.Add(total, bal)
			}
			if total.Cmp(big.NewInt(6_000)) != 0 {
				t.Fatalf("funds created or destroyed: total %s", total)
			}
		})
	}
}
