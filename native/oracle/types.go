package oracle

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Status represents the lifecycle states of an oracle request.
type Status uint8

const (
	// StatusCreated marks an accepted request with no confirmations yet.
	StatusCreated Status = iota
	// StatusConfirming marks a request holding at least one confirmation.
	StatusConfirming
	StatusResolved
	StatusCancelled
	StatusExpired
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusConfirming, StatusResolved, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCancelled || s == StatusExpired
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusConfirming:
		return "confirming"
	case StatusResolved:
		return "resolved"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// CallbackTarget names the contract function invoked once a request resolves.
type CallbackTarget struct {
	Contract common.Address
	Function string
}

// Confirmation is a single oracle report against a request.
type Confirmation struct {
	ID   common.Hash
	From common.Address
	Data *uint256.Int
}

// Request is the unit of work tracked by the ledger.
type Request struct {
	ID               common.Hash
	Sender           common.Address
	Nonce            uint64
	SpecID           common.Hash
	DataVersion      uint64
	Payment          *big.Int
	Callback         CallbackTarget
	CreatedAt        int64
	CancelExpiration int64
	Status           Status
	Confirmations    []Confirmation
	// FinalData is nil until the request resolves.
	FinalData *uint256.Int
	// ResolvedAt is zero until the request reaches a terminal state.
	ResolvedAt int64
}

// Active reports whether the request still accepts confirmations.
func (r *Request) Active() bool {
	return r != nil && !r.Status.Terminal()
}

// Expired reports whether now has reached the cancel expiration.
func (r *Request) Expired(now int64) bool {
	return r != nil && now >= r.CancelExpiration
}

// ConfirmedBy reports whether from has already confirmed the request.
func (r *Request) ConfirmedBy(from common.Address) bool {
	if r == nil {
		return false
	}
	for _, c := range r.Confirmations {
		if c.From == from {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the request so callers can safely mutate the
// copy without affecting the stored instance.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Payment != nil {
		clone.Payment = new(big.Int).Set(r.Payment)
	} else {
		clone.Payment = big.NewInt(0)
	}
	if r.FinalData != nil {
		clone.FinalData = r.FinalData.Clone()
	}
	if r.Confirmations != nil {
		clone.Confirmations = make([]Confirmation, len(r.Confirmations))
		for i, c := range r.Confirmations {
			clone.Confirmations[i] = c
			if c.Data != nil {
				clone.Confirmations[i].Data = c.Data.Clone()
			}
		}
	}
	return &clone
}

// Validate checks the structural invariants of a stored request.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("oracle: nil request")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("oracle: invalid status %d", r.Status)
	}
	if r.Payment == nil || r.Payment.Sign() < 0 {
		return fmt.Errorf("oracle: payment must be non-negative")
	}
	if r.CancelExpiration <= r.CreatedAt {
		return fmt.Errorf("oracle: cancel expiration must follow creation")
	}
	if r.Status == StatusResolved && r.FinalData == nil {
		return fmt.Errorf("oracle: resolved request missing final data")
	}
	if r.Status != StatusResolved && r.FinalData != nil {
		return fmt.Errorf("oracle: final data set on unresolved request")
	}
	return nil
}

// CallbackMessage is the one-shot notification enqueued when a request
// resolves.
type CallbackMessage struct {
	RequestID common.Hash
	Sender    common.Address
	Callback  CallbackTarget
	FinalData *uint256.Int
	// ResolvedAt is the ledger timestamp of the resolution.
	ResolvedAt int64
}
