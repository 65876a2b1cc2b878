package oracle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func confirmations(values ...uint64) []Confirmation {
	out := make([]Confirmation, len(values))
	for i, v := range values {
		out[i] = Confirmation{From: common.BigToAddress(common.Big1), Data: uint256.NewInt(v)}
	}
	return out
}

func TestMedianAggregator(t *testing.T) {
	cases := []struct {
		name   string
		values []uint64
		want   uint64
	}{
		{name: "single", values: []uint64{9}, want: 9},
		{name: "odd", values: []uint64{30, 10, 20}, want: 20},
		{name: "even takes lower middle", values: []uint64{50, 70}, want: 50},
		{name: "even unsorted", values: []uint64{8, 1, 4, 6}, want: 4},
		{name: "outlier ignored", values: []uint64{100, 101, 1_000_000}, want: 101},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MedianAggregator{}.Aggregate(confirmations(tc.values...))
			if err != nil {
				t.Fatalf("aggregate: %v", err)
			}
			if got.Uint64() != tc.want {
				t.Fatalf("expected %d, got %s", tc.want, got.Dec())
			}
		})
	}
}

func TestMedianDoesNotMutateInput(t *testing.T) {
	input := confirmations(3, 1, 2)
	if _, err := (MedianAggregator{}).Aggregate(input); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if input[0].Data.Uint64() != 3 || input[1].Data.Uint64() != 1 {
		t.Fatalf("input reordered")
	}
}

func TestAggregatorsRejectEmpty(t *testing.T) {
	if _, err := (MedianAggregator{}).Aggregate(nil); err == nil {
		t.Fatalf("expected median error")
	}
	if _, err := (MeanAggregator{}).Aggregate(nil); err == nil {
		t.Fatalf("expected mean error")
	}
}

func TestMeanAggregatorOverflow(t *testing.T) {
	top := new(uint256.Int).SetAllOne()
	input := []Confirmation{{Data: top}, {Data: uint256.NewInt(1)}}
	if _, err := (MeanAggregator{}).Aggregate(input); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestQuorumReached(t *testing.T) {
	agg := MedianAggregator{}
	if agg.QuorumReached(nil, 0) {
		t.Fatalf("no confirmations never reach quorum")
	}
	if !agg.QuorumReached(confirmations(1), 0) {
		t.Fatalf("zero quorum defaults to one")
	}
	if agg.QuorumReached(confirmations(1), 2) {
		t.Fatalf("quorum of two needs two confirmations")
	}
	if !agg.QuorumReached(confirmations(1, 2), 2) {
		t.Fatalf("expected quorum")
	}
}

func TestAggregatorByName(t *testing.T) {
	if _, ok := mustAggregator(t, "").(MedianAggregator); !ok {
		t.Fatalf("default must be median")
	}
	if _, ok := mustAggregator(t, " Mean ").(MeanAggregator); !ok {
		t.Fatalf("expected mean")
	}
	if _, err := AggregatorByName("weighted"); err == nil {
		t.Fatalf("expected unknown aggregation error")
	}
}

func mustAggregator(t *testing.T, name string) Aggregator {
	t.Helper()
	agg, err := AggregatorByName(name)
	if err != nil {
		t.Fatalf("aggregator %q: %v", name, err)
	}
	return agg
}
