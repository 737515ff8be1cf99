package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"auctionchain/core/types"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the account balance.
	ErrInsufficientFunds = errors.New("state: insufficient funds")
	// ErrBalanceOverflow is returned when a credit would exceed 256 bits.
	ErrBalanceOverflow = errors.New("state: balance overflow")
	// ErrInvalidAmount is returned for nil or negative amounts.
	ErrInvalidAmount = errors.New("state: amount must be non-negative")
)

var accountPrefix = []byte("account/")

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

func accountKey(addr [20]byte) []byte {
	return prefixedKey(accountPrefix, addr[:])
}

// GetAccount returns the account stored under addr. Unknown addresses yield an
// empty account.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	stored := new(storedAccount)
	ok, err := m.getDecoded(accountKey(addr), stored)
	if err != nil {
		return nil, fmt.Errorf("account %x: %w", addr, err)
	}
	if !ok || stored.Balance == nil {
		return &types.Account{Nonce: stored.Nonce, Balance: big.NewInt(0)}, nil
	}
	return &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}, nil
}

// PutAccount persists the account under addr. Balances must fit in 256 bits.
func (m *Manager) PutAccount(addr [20]byte, account *types.Account) error {
	if account == nil {
		return fmt.Errorf("nil account")
	}
	balance := account.Balance
	if balance == nil {
		balance = big.NewInt(0)
	}
	if balance.Sign() < 0 {
		return ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(balance); overflow {
		return ErrBalanceOverflow
	}
	return m.putEncoded(accountKey(addr), &storedAccount{Nonce: account.Nonce, Balance: new(big.Int).Set(balance)})
}

// Balance returns the balance held by addr.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	account, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(account.Balance), nil
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil || v.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrBalanceOverflow
	}
	return out, nil
}

// Credit mints amount into addr. It is reserved for genesis allocation and
// administrative funding.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	account, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	current, err := toUint256(account.Balance)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(current, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	account.Balance = next.ToBig()
	return m.PutAccount(addr, account)
}

// Transfer moves amount from one account to another. Either both balances
// change or neither does.
func (m *Manager) Transfer(from, to [20]byte, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	fromAcc, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	fromBal, err := toUint256(fromAcc.Balance)
	if err != nil {
		return err
	}
	if fromBal.Lt(amt) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromBal.Dec(), amt.Dec())
	}
	if from == to || amt.IsZero() {
		return nil
	}
	toAcc, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	toBal, err := toUint256(toAcc.Balance)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, amt)
	if overflow {
		return ErrBalanceOverflow
	}
	fromAcc.Balance = new(uint256.Int).Sub(fromBal, amt).ToBig()
	toAcc.Balance = credited.ToBig()
	if err := m.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return m.PutAccount(to, toAcc)
}
