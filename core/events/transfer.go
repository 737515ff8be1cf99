package events

import (
	"math/big"

	"auctionchain/core/types"
	"auctionchain/crypto"
)

const (
	// TypeLedgerCredit is emitted when an administrator or genesis mints funds
	// into an account.
	TypeLedgerCredit = "ledger.credited"
)

type LedgerCredit struct {
	To      [20]byte
	Amount  *big.Int
	Balance *big.Int
}

func (LedgerCredit) EventType() string { return TypeLedgerCredit }

func (e LedgerCredit) Event() *types.Event {
	attrs := map[string]string{}
	attrs["to"] = crypto.AddressFromArray(e.To).String()
	attrs["amount"] = formatAmount(e.Amount)
	attrs["balance"] = formatAmount(e.Balance)
	return &types.Event{Type: TypeLedgerCredit, Attributes: attrs}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
