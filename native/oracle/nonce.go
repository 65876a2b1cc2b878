package oracle

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
)

type nonceState interface {
	OracleNonce(addr common.Address) (uint64, error)
	OracleSetNonce(addr common.Address, nonce uint64) error
}

// NonceRegistry issues per-requester counters. Counters start at zero and are
// never rewound or removed.
type NonceRegistry struct {
	state nonceState
}

// NewNonceRegistry binds a registry to the supplied state. Callers own
// atomicity: the registry must operate on the same transaction that stores the
// request created with the issued nonce.
func NewNonceRegistry(state nonceState) *NonceRegistry {
	return &NonceRegistry{state: state}
}

// Peek returns the nonce the next call to Next will issue for identity.
func (r *NonceRegistry) Peek(identity common.Address) (uint64, error) {
	if r == nil || r.state == nil {
		return 0, errNilState
	}
	return r.state.OracleNonce(identity)
}

// Next returns the current counter for identity and advances it.
func (r *NonceRegistry) Next(identity common.Address) (uint64, error) {
	current, err := r.Peek(identity)
	if err != nil {
		return 0, err
	}
	if current == math.MaxUint64 {
		return 0, fmt.Errorf("oracle: nonce overflow for %s", identity.Hex())
	}
	if err := r.state.OracleSetNonce(identity, current+1); err != nil {
		return 0, err
	}
	return current, nil
}
