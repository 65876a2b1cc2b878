package oracle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

// Aggregator decides when a request has enough confirmations and reduces them
// to a single value. Implementations must be pure functions of the ordered
// confirmation sequence.
type Aggregator interface {
	QuorumReached(confirmations []Confirmation, quorum uint32) bool
	Aggregate(confirmations []Confirmation) (*uint256.Int, error)
}

// Aggregation policy names accepted by AggregatorByName.
const (
	AggregationMedian = "median"
	AggregationMean   = "mean"
)

// AggregatorByName returns the aggregation policy registered under name. An
// empty name selects the median.
func AggregatorByName(name string) (Aggregator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", AggregationMedian:
		return MedianAggregator{}, nil
	case AggregationMean:
		return MeanAggregator{}, nil
	default:
		return nil, fmt.Errorf("oracle: unknown aggregation %q", name)
	}
}

func quorumReached(confirmations []Confirmation, quorum uint32) bool {
	if quorum == 0 {
		quorum = 1
	}
	return uint64(len(confirmations)) >= uint64(quorum)
}

func sortedValues(confirmations []Confirmation) []*uint256.Int {
	values := make([]*uint256.Int, 0, len(confirmations))
	for _, c := range confirmations {
		if c.Data == nil {
			values = append(values, new(uint256.Int))
			continue
		}
		values = append(values, c.Data.Clone())
	}
	sort.SliceStable(values, func(i, j int) bool {
		return values[i].Lt(values[j])
	})
	return values
}

// MedianAggregator resolves to the median value. For an even count the lower
// of the two middle values is used.
type MedianAggregator struct{}

// QuorumReached implements Aggregator.
func (MedianAggregator) QuorumReached(confirmations []Confirmation, quorum uint32) bool {
	return quorumReached(confirmations, quorum)
}

// Aggregate implements Aggregator.
func (MedianAggregator) Aggregate(confirmations []Confirmation) (*uint256.Int, error) {
	if len(confirmations) == 0 {
		return nil, fmt.Errorf("oracle: no confirmations to aggregate")
	}
	values := sortedValues(confirmations)
	return values[(len(values)-1)/2], nil
}

// MeanAggregator resolves to the floor of the arithmetic mean.
type MeanAggregator struct{}

// QuorumReached implements Aggregator.
func (MeanAggregator) QuorumReached(confirmations []Confirmation, quorum uint32) bool {
	return quorumReached(confirmations, quorum)
}

// Aggregate implements Aggregator. Sums that overflow 256 bits are rejected.
func (MeanAggregator) Aggregate(confirmations []Confirmation) (*uint256.Int, error) {
	if len(confirmations) == 0 {
		return nil, fmt.Errorf("oracle: no confirmations to aggregate")
	}
	sum := new(uint256.Int)
	for _, c := range confirmations {
		if c.Data == nil {
			continue
		}
		if _, overflow := sum.AddOverflow(sum, c.Data); overflow {
			return nil, fmt.Errorf("oracle: mean overflows 256 bits")
		}
	}
	return sum.Div(sum, uint256.NewInt(uint64(len(confirmations)))), nil
}
