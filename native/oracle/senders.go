package oracle

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// SenderRegistry holds the oracle identities allowed to confirm requests for
// each spec.
type SenderRegistry struct {
	mu      sync.RWMutex
	members map[common.Hash]map[common.Address]struct{}
}

// NewSenderRegistry returns an empty registry.
func NewSenderRegistry() *SenderRegistry {
	return &SenderRegistry{members: make(map[common.Hash]map[common.Address]struct{})}
}

// NewSenderRegistryFromSchedule seeds a registry with the oracles listed in
// every schedule policy.
func NewSenderRegistryFromSchedule(schedule *Schedule) *SenderRegistry {
	reg := NewSenderRegistry()
	if schedule == nil {
		return reg
	}
	for _, spec := range schedule.Specs() {
		policy, _ := schedule.Policy(spec)
		for _, addr := range policy.Oracles {
			reg.Authorize(spec, addr)
		}
	}
	return reg
}

// Authorize adds identity to the allowed senders of spec.
func (r *SenderRegistry) Authorize(spec common.Hash, identity common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[spec]
	if !ok {
		set = make(map[common.Address]struct{})
		r.members[spec] = set
	}
	set[identity] = struct{}{}
}

// Revoke removes identity from the allowed senders of spec.
func (r *SenderRegistry) Revoke(spec common.Hash, identity common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[spec]
	if !ok {
		return
	}
	delete(set, identity)
	if len(set) == 0 {
		delete(r.members, spec)
	}
}

// IsAuthorized reports whether identity may confirm requests for spec.
func (r *SenderRegistry) IsAuthorized(spec common.Hash, identity common.Address) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[spec][identity]
	return ok
}
