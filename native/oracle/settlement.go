package oracle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"chainscore/native/bank"
)

// Payout is a single oracle's share of a resolved request's payment.
type Payout struct {
	Oracle common.Address
	Amount *big.Int
}

// SplitPayment divides payment equally among oracles in confirmation order.
// The indivisible remainder goes to the first oracle so the shares always sum
// to payment.
func SplitPayment(payment *big.Int, oracles []common.Address) []Payout {
	if len(oracles) == 0 {
		return nil
	}
	total := big.NewInt(0)
	if payment != nil {
		total.Set(payment)
	}
	share, dust := new(big.Int).QuoRem(total, big.NewInt(int64(len(oracles))), new(big.Int))
	payouts := make([]Payout, len(oracles))
	for i, addr := range oracles {
		amount := new(big.Int).Set(share)
		if i == 0 {
			amount.Add(amount, dust)
		}
		payouts[i] = Payout{Oracle: addr, Amount: amount}
	}
	return payouts
}

// FeeSettlement moves request payments between requesters, the module vault
// and oracles. It does not guard against repeated settlement; the ledger's
// terminal states do.
type FeeSettlement struct {
	ledger *bank.Ledger
	vault  common.Address
}

// NewFeeSettlement binds settlement to the balance state and the vault account
// that holds escrowed payments.
func NewFeeSettlement(state bank.State, vault common.Address) *FeeSettlement {
	return &FeeSettlement{ledger: bank.NewLedger(state), vault: vault}
}

// Vault returns the escrow account address.
func (s *FeeSettlement) Vault() common.Address { return s.vault }

// Escrow locks amount from payer in the vault.
func (s *FeeSettlement) Escrow(payer common.Address, amount *big.Int) error {
	if err := s.ledger.Transfer(payer, s.vault, amount); err != nil {
		if errors.Is(err, bank.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return fmt.Errorf("oracle: escrow payment: %w", err)
	}
	return nil
}

// PayOracles releases the request payment to every counted confirmer.
func (s *FeeSettlement) PayOracles(req *Request) ([]Payout, error) {
	if req == nil {
		return nil, fmt.Errorf("oracle: nil request")
	}
	oracles := make([]common.Address, len(req.Confirmations))
	for i, c := range req.Confirmations {
		oracles[i] = c.From
	}
	payouts := SplitPayment(req.Payment, oracles)
	for _, p := range payouts {
		if err := s.ledger.Transfer(s.vault, p.Oracle, p.Amount); err != nil {
			return nil, fmt.Errorf("oracle: pay %s: %w", p.Oracle.Hex(), err)
		}
	}
	return payouts, nil
}

// Refund returns amount from the vault to the request sender.
func (s *FeeSettlement) Refund(req *Request, amount *big.Int) error {
	if req == nil {
		return fmt.Errorf("oracle: nil request")
	}
	if err := s.ledger.Transfer(s.vault, req.Sender, amount); err != nil {
		return fmt.Errorf("oracle: refund %s: %w", req.Sender.Hex(), err)
	}
	return nil
}
