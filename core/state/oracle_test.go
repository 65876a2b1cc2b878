package state

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"chainscore/native/oracle"
)

func sampleRequest() *oracle.Request {
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	id := oracle.RequestID(sender, 3)
	oracleA := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	return &oracle.Request{
		ID:               id,
		Sender:           sender,
		Nonce:            3,
		SpecID:           common.HexToHash("0x01"),
		DataVersion:      2,
		Payment:          big.NewInt(100),
		Callback:         oracle.CallbackTarget{Contract: common.HexToAddress("0xcc"), Function: "on_price"},
		CreatedAt:        1_000,
		CancelExpiration: 2_000,
		Status:           oracle.StatusConfirming,
		Confirmations: []oracle.Confirmation{
			{ID: oracle.ConfirmationID(id, oracleA), From: oracleA, Data: uint256.NewInt(50)},
		},
	}
}

func TestOracleRequestRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	req := sampleRequest()
	if err := mgr.OracleRequestPut(req); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := mgr.OracleRequestGet(req.ID)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Sender != req.Sender || got.Nonce != 3 || got.DataVersion != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Callback != req.Callback {
		t.Fatalf("callback mismatch: %+v", got.Callback)
	}
	if got.FinalData != nil {
		t.Fatalf("final data must stay unset before resolution")
	}
	if len(got.Confirmations) != 1 || got.Confirmations[0].Data.Uint64() != 50 {
		t.Fatalf("unexpected confirmations %+v", got.Confirmations)
	}
	if got.Payment == req.Payment {
		t.Fatalf("payment pointer must not be shared")
	}
}

func TestOracleResolvedZeroFinalDataSurvives(t *testing.T) {
	mgr, _ := newTestManager(t)
	req := sampleRequest()
	req.Status = oracle.StatusResolved
	req.FinalData = new(uint256.Int)
	req.ResolvedAt = 1_500
	if err := mgr.OracleRequestPut(req); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, _, err := mgr.OracleRequestGet(req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FinalData == nil || !got.FinalData.IsZero() {
		t.Fatalf("expected zero final data, got %v", got.FinalData)
	}
}

func TestOracleRequestPutRejectsInvalid(t *testing.T) {
	mgr, _ := newTestManager(t)
	req := sampleRequest()
	req.CancelExpiration = req.CreatedAt
	if err := mgr.OracleRequestPut(req); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestOracleNonceMonotonic(t *testing.T) {
	mgr, _ := newTestManager(t)
	addr := common.HexToAddress("0x0a")
	if n, _ := mgr.OracleNonce(addr); n != 0 {
		t.Fatalf("expected initial nonce 0, got %d", n)
	}
	if err := mgr.OracleSetNonce(addr, 2); err != nil {
		t.Fatalf("set nonce: %v", err)
	}
	if err := mgr.OracleSetNonce(addr, 1); err == nil {
		t.Fatalf("expected error when nonce decreases")
	}
	if n, _ := mgr.OracleNonce(addr); n != 2 {
		t.Fatalf("expected nonce 2, got %d", n)
	}
}

func TestOracleOpenIndexReleasesAndDeletes(t *testing.T) {
	mgr, db := newTestManager(t)
	sender := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	first, second := oracle.RequestID(sender, 0), oracle.RequestID(sender, 1)

	tx := mgr.Begin()
	for _, id := range []common.Hash{first, second, first} {
		if err := tx.OracleTrackOpen(sender, id); err != nil {
			t.Fatalf("track: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	open, err := mgr.OracleOpenRequests(sender)
	if err != nil || len(open) != 2 || open[0] != first || open[1] != second {
		t.Fatalf("unexpected open requests %v err=%v", open, err)
	}
	if err := mgr.OracleReleaseOpen(sender, common.Hash{0x01}); err != nil {
		t.Fatalf("release unknown id: %v", err)
	}
	if err := mgr.OracleReleaseOpen(sender, first); err != nil {
		t.Fatalf("release: %v", err)
	}
	if open, _ = mgr.OracleOpenRequests(sender); len(open) != 1 || open[0] != second {
		t.Fatalf("expected only the second request open, got %v", open)
	}

	before := db.Len()
	tx = mgr.Begin()
	if err := tx.OracleReleaseOpen(sender, second); err != nil {
		t.Fatalf("release in tx: %v", err)
	}
	if open, _ = tx.OracleOpenRequests(sender); len(open) != 0 {
		t.Fatalf("released id visible inside tx")
	}
	if open, _ = mgr.OracleOpenRequests(sender); len(open) != 1 {
		t.Fatalf("release leaked before commit")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if db.Len() != before-1 {
		t.Fatalf("expected the empty index entry deleted, %d keys before %d after", before, db.Len())
	}
}
