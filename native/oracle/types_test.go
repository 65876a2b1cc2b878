package oracle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func TestRequestCloneIsDeep(t *testing.T) {
	req := &Request{
		Payment:       big.NewInt(5),
		Confirmations: []Confirmation{{From: common.HexToAddress("0x0a"), Data: uint256.NewInt(1)}},
		FinalData:     uint256.NewInt(1),
	}
	clone := req.Clone()
	clone.Payment.SetInt64(9)
	clone.Confirmations[0].Data.SetUint64(9)
	clone.FinalData.SetUint64(9)
	if req.Payment.Int64() != 5 || req.Confirmations[0].Data.Uint64() != 1 || req.FinalData.Uint64() != 1 {
		t.Fatalf("clone shares memory with original")
	}
	if (*Request)(nil).Clone() != nil {
		t.Fatalf("nil clone must be nil")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusConfirming} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
	for _, s := range []Status{StatusResolved, StatusCancelled, StatusExpired} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	if Status(42).Valid() {
		t.Fatalf("unexpected valid status")
	}
}

func TestRequestValidate(t *testing.T) {
	req := &Request{Payment: big.NewInt(1), CreatedAt: 1, CancelExpiration: 2, Status: StatusResolved}
	if err := req.Validate(); err == nil {
		t.Fatalf("resolved request without final data must fail")
	}
	req.FinalData = uint256.NewInt(0)
	if err := req.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	req.Status = StatusCreated
	if err := req.Validate(); err == nil {
		t.Fatalf("final data before resolution must fail")
	}
}
