package oracle

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadScheduleTOML(t *testing.T) {
	path := writeFile(t, "schedule.toml", `
[[specs]]
id = "eth-usd"
fee = "100"
quorum = 2
oracles = ["0x00000000000000000000000000000000000000b1", "0x00000000000000000000000000000000000000b2"]

[[specs]]
id = "0x0000000000000000000000000000000000000000000000000000000000000abc"
fee = "5"
aggregation = "mean"
`)
	schedule, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec := ethcrypto.Keccak256Hash([]byte("eth-usd"))
	fee, ok := schedule.FeeFor(spec)
	if !ok || fee.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected fee %v ok=%v", fee, ok)
	}
	if q, _ := schedule.QuorumFor(spec); q != 2 {
		t.Fatalf("unexpected quorum %d", q)
	}
	hexSpec := common.HexToHash("0xabc")
	if q, _ := schedule.QuorumFor(hexSpec); q != 1 {
		t.Fatalf("quorum must default to one, got %d", q)
	}
	if agg, _ := schedule.AggregatorFor(hexSpec); agg == nil {
		t.Fatalf("expected aggregator")
	} else if _, ok := agg.(MeanAggregator); !ok {
		t.Fatalf("expected mean aggregator, got %T", agg)
	}

	senders := NewSenderRegistryFromSchedule(schedule)
	if !senders.IsAuthorized(spec, common.HexToAddress("0xb1")) {
		t.Fatalf("expected oracle authorized from schedule")
	}
	if senders.IsAuthorized(hexSpec, common.HexToAddress("0xb1")) {
		t.Fatalf("authorization must be per spec")
	}
}

func TestLoadScheduleJSON(t *testing.T) {
	path := writeFile(t, "schedule.json", `{"specs":[{"id":"btc-usd","fee":"7","quorum":3}]}`)
	schedule, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(schedule.Specs()) != 1 {
		t.Fatalf("expected one spec")
	}
}

func TestLoadScheduleRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown.json":   `{"specs":[{"id":"a","fee":"1","bogus":true}]}`,
		"empty.json":     `{"specs":[]}`,
		"negative.json":  `{"specs":[{"id":"a","fee":"-1"}]}`,
		"duplicate.json": `{"specs":[{"id":"a"},{"id":"a"}]}`,
		"oracle.json":    `{"specs":[{"id":"a","oracles":["nope"]}]}`,
		"agg.toml":       "[[specs]]\nid = \"a\"\naggregation = \"weighted\"\n",
		"schedule.yaml":  "specs: []",
	}
	for name, contents := range cases {
		if _, err := LoadSchedule(writeFile(t, name, contents)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := LoadSchedule(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestScheduleSetters(t *testing.T) {
	schedule := NewSchedule()
	spec := common.HexToHash("0x01")
	if err := schedule.SetQuorum(spec, 2); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected invalid spec, got %v", err)
	}
	if err := schedule.SetFee(spec, big.NewInt(-1)); !errors.Is(err, ErrIllegalFee) {
		t.Fatalf("expected illegal fee, got %v", err)
	}
	fee := big.NewInt(10)
	if err := schedule.SetFee(spec, fee); err != nil {
		t.Fatalf("set fee: %v", err)
	}
	fee.SetInt64(99)
	if got, _ := schedule.FeeFor(spec); got.Int64() != 10 {
		t.Fatalf("schedule must copy fees, got %s", got)
	}
	if err := schedule.SetQuorum(spec, 3); err != nil {
		t.Fatalf("set quorum: %v", err)
	}
	if q, _ := schedule.QuorumFor(spec); q != 3 {
		t.Fatalf("unexpected quorum %d", q)
	}
	schedule.Remove(spec)
	if _, ok := schedule.FeeFor(spec); ok {
		t.Fatalf("expected spec removed")
	}
}

func TestParseSpecID(t *testing.T) {
	if _, err := ParseSpecID("  "); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected invalid spec for empty id")
	}
	if _, err := ParseSpecID("0x1234"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("expected invalid spec for short hex")
	}
	id, err := ParseSpecID("eth-usd")
	if err != nil || id != ethcrypto.Keccak256Hash([]byte("eth-usd")) {
		t.Fatalf("unexpected named spec id %s err=%v", id.Hex(), err)
	}
	// fullwidth letters fold to their ASCII form
	wide, err := ParseSpecID("\uff45\uff54\uff48-usd")
	if err != nil || wide != id {
		t.Fatalf("expected normalized name to match, got %s err=%v", wide.Hex(), err)
	}
	composed, _ := ParseSpecID("caf\u00e9-index")
	decomposed, _ := ParseSpecID("cafe\u0301-index")
	if composed != decomposed {
		t.Fatalf("expected composed and decomposed names to share an id")
	}
}

func TestSenderRegistry(t *testing.T) {
	reg := NewSenderRegistry()
	spec := common.HexToHash("0x01")
	addr := common.HexToAddress("0x0a")
	if reg.IsAuthorized(spec, addr) {
		t.Fatalf("empty registry authorizes nobody")
	}
	reg.Authorize(spec, addr)
	if !reg.IsAuthorized(spec, addr) {
		t.Fatalf("expected authorized")
	}
	reg.Revoke(spec, addr)
	reg.Revoke(common.HexToHash("0x02"), addr)
	if reg.IsAuthorized(spec, addr) {
		t.Fatalf("expected revoked")
	}
	var nilReg *SenderRegistry
	if nilReg.IsAuthorized(spec, addr) {
		t.Fatalf("nil registry authorizes nobody")
	}
}
