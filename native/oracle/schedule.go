package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"
)

// ParseSpecID accepts either a 0x-prefixed 32-byte hex identifier or a feed
// name. Names are NFKC-normalized and hashed with keccak256.
func ParseSpecID(value string) (common.Hash, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return common.Hash{}, fmt.Errorf("%w: empty spec id", ErrInvalidSpec)
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		raw := common.FromHex(trimmed)
		if len(raw) != common.HashLength {
			return common.Hash{}, fmt.Errorf("%w: spec id must be %d bytes", ErrInvalidSpec, common.HashLength)
		}
		return common.BytesToHash(raw), nil
	}
	return ethcrypto.Keccak256Hash([]byte(norm.NFKC.String(trimmed))), nil
}

// SpecPolicy is the fee and quorum configuration of a single spec.
type SpecPolicy struct {
	Fee         *big.Int
	Quorum      uint32
	Aggregation string
	Oracles     []common.Address
}

func (p SpecPolicy) clone() SpecPolicy {
	out := p
	if p.Fee != nil {
		out.Fee = new(big.Int).Set(p.Fee)
	} else {
		out.Fee = big.NewInt(0)
	}
	out.Oracles = append([]common.Address(nil), p.Oracles...)
	return out
}

// Schedule maps each spec to its fee, quorum and aggregation policy. Specs
// without an entry are unknown to the ledger.
type Schedule struct {
	mu       sync.RWMutex
	policies map[common.Hash]SpecPolicy
}

// NewSchedule returns an empty schedule.
func NewSchedule() *Schedule {
	return &Schedule{policies: make(map[common.Hash]SpecPolicy)}
}

// SetPolicy replaces the full policy for spec.
func (s *Schedule) SetPolicy(spec common.Hash, policy SpecPolicy) error {
	if policy.Fee != nil && policy.Fee.Sign() < 0 {
		return fmt.Errorf("%w: negative fee", ErrIllegalFee)
	}
	if policy.Quorum == 0 {
		policy.Quorum = 1
	}
	if _, err := AggregatorByName(policy.Aggregation); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[spec] = policy.clone()
	return nil
}

// SetFee sets the minimum payment for spec, registering the spec with a quorum
// of one if it is unknown.
func (s *Schedule) SetFee(spec common.Hash, fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return fmt.Errorf("%w: fee must be non-negative", ErrIllegalFee)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[spec]
	if !ok {
		policy = SpecPolicy{Quorum: 1}
	}
	policy.Fee = new(big.Int).Set(fee)
	s.policies[spec] = policy
	return nil
}

// SetQuorum sets the confirmation threshold of a known spec.
func (s *Schedule) SetQuorum(spec common.Hash, quorum uint32) error {
	if quorum == 0 {
		return fmt.Errorf("oracle: quorum must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[spec]
	if !ok {
		return ErrInvalidSpec
	}
	policy.Quorum = quorum
	s.policies[spec] = policy
	return nil
}

// Remove forgets spec. Requests already created against it keep their escrow
// but can no longer be confirmed.
func (s *Schedule) Remove(spec common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, spec)
}

// Policy returns a copy of the policy for spec.
func (s *Schedule) Policy(spec common.Hash) (SpecPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.policies[spec]
	if !ok {
		return SpecPolicy{}, false
	}
	return policy.clone(), true
}

// FeeFor returns the minimum payment for spec.
func (s *Schedule) FeeFor(spec common.Hash) (*big.Int, bool) {
	policy, ok := s.Policy(spec)
	if !ok {
		return nil, false
	}
	return policy.Fee, true
}

// QuorumFor returns the confirmation threshold for spec.
func (s *Schedule) QuorumFor(spec common.Hash) (uint32, bool) {
	policy, ok := s.Policy(spec)
	if !ok {
		return 0, false
	}
	return policy.Quorum, true
}

// AggregatorFor returns the aggregation policy for spec.
func (s *Schedule) AggregatorFor(spec common.Hash) (Aggregator, bool) {
	policy, ok := s.Policy(spec)
	if !ok {
		return nil, false
	}
	agg, err := AggregatorByName(policy.Aggregation)
	if err != nil {
		return nil, false
	}
	return agg, true
}

// Specs lists the configured spec identifiers in byte order.
func (s *Schedule) Specs() []common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Hash, 0, len(s.policies))
	for id := range s.policies {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

type fileSchedule struct {
	Specs []fileSpec `json:"specs" toml:"specs"`
}

type fileSpec struct {
	ID          string   `json:"id" toml:"id"`
	Fee         string   `json:"fee" toml:"fee"`
	Quorum      uint32   `json:"quorum" toml:"quorum"`
	Aggregation string   `json:"aggregation" toml:"aggregation"`
	Oracles     []string `json:"oracles" toml:"oracles"`
}

// LoadSchedule reads a JSON or TOML schedule file, selected by extension.
func LoadSchedule(path string) (*Schedule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("oracle: schedule path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oracle: read schedule: %w", err)
	}
	var parsed fileSchedule
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&parsed); err != nil {
			return nil, fmt.Errorf("oracle: decode schedule json: %w", err)
		}
	case ".toml", ".tml":
		meta, err := toml.DecodeReader(bytes.NewReader(data), &parsed)
		if err != nil {
			return nil, fmt.Errorf("oracle: decode schedule toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("oracle: unknown schedule fields %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("oracle: unsupported schedule format %q", ext)
	}
	if len(parsed.Specs) == 0 {
		return nil, errors.New("oracle: schedule requires at least one spec")
	}
	schedule := NewSchedule()
	for i, entry := range parsed.Specs {
		id, err := ParseSpecID(entry.ID)
		if err != nil {
			return nil, fmt.Errorf("oracle: spec %d: %w", i, err)
		}
		if _, exists := schedule.Policy(id); exists {
			return nil, fmt.Errorf("oracle: duplicate spec %q", entry.ID)
		}
		fee := big.NewInt(0)
		if trimmed := strings.TrimSpace(entry.Fee); trimmed != "" {
			var ok bool
			fee, ok = new(big.Int).SetString(trimmed, 10)
			if !ok || fee.Sign() < 0 {
				return nil, fmt.Errorf("oracle: spec %d fee invalid", i)
			}
		}
		oracles := make([]common.Address, 0, len(entry.Oracles))
		for _, raw := range entry.Oracles {
			if !common.IsHexAddress(strings.TrimSpace(raw)) {
				return nil, fmt.Errorf("oracle: spec %d oracle %q invalid", i, raw)
			}
			oracles = append(oracles, common.HexToAddress(strings.TrimSpace(raw)))
		}
		policy := SpecPolicy{Fee: fee, Quorum: entry.Quorum, Aggregation: entry.Aggregation, Oracles: oracles}
		if err := schedule.SetPolicy(id, policy); err != nil {
			return nil, fmt.Errorf("oracle: spec %d: %w", i, err)
		}
	}
	return schedule, nil
}
