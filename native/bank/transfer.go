package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientBalance is returned when the debited account cannot cover
	// the transfer amount.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrNegativeAmount is returned for transfers below zero.
	ErrNegativeAmount = errors.New("bank: negative transfer amount")

	errNilState = errors.New("bank: state not configured")
)

// State is the balance storage the ledger operates on. The state manager and
// its transactional overlay both satisfy it.
type State interface {
	Balance(addr common.Address) (*big.Int, error)
	SetBalance(addr common.Address, amount *big.Int) error
}

// Ledger moves native fee tokens between accounts.
type Ledger struct {
	state State
}

// NewLedger binds a ledger to the supplied balance state.
func NewLedger(state State) *Ledger {
	return &Ledger{state: state}
}

// Balance returns the current balance of addr. Missing accounts hold zero.
func (l *Ledger) Balance(addr common.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	bal, err := l.state.Balance(addr)
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return big.NewInt(0), nil
	}
	return bal, nil
}

// Mint credits amount to addr without a matching debit. Used to seed
// balances from genesis allocations and in tests.
func (l *Ledger) Mint(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	bal, err := l.Balance(addr)
	if err != nil {
		return err
	}
	return l.state.SetBalance(addr, new(big.Int).Add(bal, amount))
}

// Transfer debits from and credits to by amount. A zero amount is a no-op.
func (l *Ledger) Transfer(from, to common.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if from == to {
		return nil
	}
	fromBal, err := l.Balance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal, amount)
	}
	toBal, err := l.Balance(to)
	if err != nil {
		return err
	}
	if err := l.state.SetBalance(from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	return l.state.SetBalance(to, new(big.Int).Add(toBal, amount))
}
