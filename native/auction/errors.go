package auction

import "errors"

// Class groups auction errors by what went wrong, independent of the exact
// condition.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassScheduling
	ClassBid
	ClassAuthorization
	ClassFunds
	ClassState
)

func (c Class) String() string {
	switch c {
	case ClassScheduling:
		return "scheduling"
	case ClassBid:
		return "bid"
	case ClassAuthorization:
		return "authorization"
	case ClassFunds:
		return "funds"
	case ClassState:
		return "state"
	default:
		return "unknown"
	}
}

// Error is a classified auction failure. Sentinels are compared by identity,
// so errors.Is works through any amount of %w wrapping.
type Error struct {
	class Class
	code  string
	msg   string
	fatal bool
}

func (e *Error) Error() string { return e.msg }

// Class returns the error class.
func (e *Error) Class() Class { return e.class }

// Code returns a stable machine-readable identifier.
func (e *Error) Code() string { return e.code }

// Fatal reports whether the error signals a broken ledger invariant rather
// than a bad request.
func (e *Error) Fatal() bool { return e.fatal }

func newError(class Class, code, msg string) *Error {
	return &Error{class: class, code: code, msg: msg}
}

var (
	ErrInvalidScheduling = newError(ClassScheduling, "invalid_scheduling", "auction: deadline must be in the future")
	ErrClockUnavailable  = newError(ClassScheduling, "clock_unavailable", "auction: time source unavailable")

	ErrAuctionClosed = newError(ClassBid, "auction_closed", "auction: bidding is closed")
	ErrBidTooLow     = newError(ClassBid, "bid_too_low", "auction: bid below minimum")
	ErrDuplicateBid  = newError(ClassBid, "duplicate_bid", "auction: bidder already placed a bid")
	ErrNoBids        = newError(ClassBid, "no_bids", "auction: no bids placed")
	ErrHasBids       = newError(ClassBid, "has_bids", "auction: bids placed, settle instead")

	ErrUnauthorized       = newError(ClassAuthorization, "unauthorized", "auction: unauthorized caller")
	ErrWinnerCannotRefund = newError(ClassAuthorization, "winner_cannot_refund", "auction: winning bid cannot be refunded")

	ErrTransferFailed      = newError(ClassFunds, "transfer_failed", "auction: escrow transfer failed")
	ErrNothingToRefund     = newError(ClassFunds, "nothing_to_refund", "auction: nothing to refund")
	ErrLedgerInconsistency = &Error{class: ClassFunds, code: "ledger_inconsistency", msg: "auction: treasury balance does not cover escrowed bids", fatal: true}

	ErrAuctionStillOpen     = newError(ClassState, "auction_still_open", "auction: auction not yet settled")
	ErrAuctionAlreadyClosed = newError(ClassState, "auction_already_closed", "auction: auction already closed")
	ErrAuctionExists        = newError(ClassState, "auction_exists", "auction: auction already exists")
	ErrTreasuryFunded       = newError(ClassState, "treasury_funded", "auction: treasury address already holds funds, choose another nonce")
	ErrAuctionNotFound      = newError(ClassState, "auction_not_found", "auction: auction not found")
	ErrBidNotFound          = newError(ClassState, "bid_not_found", "auction: bid not found")
)

// ClassOf returns the class of the first auction error found in err's chain.
func ClassOf(err error) Class {
	var target *Error
	if errors.As(err, &target) {
		return target.class
	}
	return ClassUnknown
}

// CodeOf returns the code of the first auction error found in err's chain.
func CodeOf(err error) string {
	var target *Error
	if errors.As(err, &target) {
		return target.code
	}
	return ""
}

// IsFatal reports whether err signals a ledger invariant violation.
func IsFatal(err error) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.fatal
	}
	return false
}
