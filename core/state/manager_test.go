package state

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBalanceDefaultsToZero(t *testing.T) {
	mgr, _ := newTestManager(t)
	bal, err := mgr.Balance(common.HexToAddress("0x01"))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", bal)
	}
}

func TestSetBalanceRejectsNegative(t *testing.T) {
	mgr, _ := newTestManager(t)
	if err := mgr.SetBalance(common.HexToAddress("0x01"), big.NewInt(-1)); err == nil {
		t.Fatalf("expected error for negative balance")
	}
}

func TestKVAppendDeduplicates(t *testing.T) {
	mgr, _ := newTestManager(t)
	key := []byte("index")
	for _, v := range [][]byte{{1}, {2}, {1}} {
		if err := mgr.KVAppend(key, v); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	var list [][]byte
	if err := mgr.KVGetList(key, &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
}

func TestKVGetListMissingKey(t *testing.T) {
	mgr, _ := newTestManager(t)
	var list [][]byte
	if err := mgr.KVGetList([]byte("missing"), &list); err != nil {
		t.Fatalf("get list: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty non-nil list, got %v", list)
	}
	if _, err := mgr.KVGet(nil, nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
