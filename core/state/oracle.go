package state

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"chainscore/native/oracle"
)

var (
	oracleRequestPrefix = []byte("oracle/request/")
	oracleNoncePrefix   = []byte("oracle/nonce/")
	oracleOpenPrefix    = []byte("oracle/open/")
)

func oracleRequestKey(id common.Hash) []byte {
	buf := make([]byte, len(oracleRequestPrefix)+len(id))
	copy(buf, oracleRequestPrefix)
	copy(buf[len(oracleRequestPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func oracleNonceKey(addr common.Address) []byte {
	buf := make([]byte, len(oracleNoncePrefix)+len(addr))
	copy(buf, oracleNoncePrefix)
	copy(buf[len(oracleNoncePrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func oracleOpenKey(addr common.Address) []byte {
	buf := make([]byte, len(oracleOpenPrefix)+len(addr))
	copy(buf, oracleOpenPrefix)
	copy(buf[len(oracleOpenPrefix):], addr[:])
	return buf
}

type storedConfirmation struct {
	ID   common.Hash
	From common.Address
	Data *big.Int
}

type storedOracleRequest struct {
	ID               common.Hash
	Sender           common.Address
	Nonce            uint64
	SpecID           common.Hash
	DataVersion      uint64
	Payment          *big.Int
	CallbackContract common.Address
	CallbackFunction string
	CreatedAt        uint64
	CancelExpiration uint64
	Status           uint8
	Confirmations    []storedConfirmation
	HasFinal         bool
	FinalData        *big.Int
	ResolvedAt       uint64
}

func nonNegative(field string, v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("oracle: %s must be non-negative", field)
	}
	return uint64(v), nil
}

func newStoredOracleRequest(r *oracle.Request) (*storedOracleRequest, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	created, err := nonNegative("createdAt", r.CreatedAt)
	if err != nil {
		return nil, err
	}
	expiration, err := nonNegative("cancelExpiration", r.CancelExpiration)
	if err != nil {
		return nil, err
	}
	resolved, err := nonNegative("resolvedAt", r.ResolvedAt)
	if err != nil {
		return nil, err
	}
	stored := &storedOracleRequest{
		ID:               r.ID,
		Sender:           r.Sender,
		Nonce:            r.Nonce,
		SpecID:           r.SpecID,
		DataVersion:      r.DataVersion,
		Payment:          new(big.Int).Set(r.Payment),
		CallbackContract: r.Callback.Contract,
		CallbackFunction: r.Callback.Function,
		CreatedAt:        created,
		CancelExpiration: expiration,
		Status:           uint8(r.Status),
		Confirmations:    make([]storedConfirmation, len(r.Confirmations)),
		FinalData:        big.NewInt(0),
		ResolvedAt:       resolved,
	}
	for i, c := range r.Confirmations {
		data := big.NewInt(0)
		if c.Data != nil {
			data = c.Data.ToBig()
		}
		stored.Confirmations[i] = storedConfirmation{ID: c.ID, From: c.From, Data: data}
	}
	if r.FinalData != nil {
		stored.HasFinal = true
		stored.FinalData = r.FinalData.ToBig()
	}
	return stored, nil
}

func toUint256(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("oracle: stored value exceeds 256 bits")
	}
	return out, nil
}

func (s *storedOracleRequest) toRequest() (*oracle.Request, error) {
	if s == nil {
		return nil, fmt.Errorf("oracle: nil storage record")
	}
	out := &oracle.Request{
		ID:               s.ID,
		Sender:           s.Sender,
		Nonce:            s.Nonce,
		SpecID:           s.SpecID,
		DataVersion:      s.DataVersion,
		Payment:          big.NewInt(0),
		Callback:         oracle.CallbackTarget{Contract: s.CallbackContract, Function: s.CallbackFunction},
		CreatedAt:        int64(s.CreatedAt),
		CancelExpiration: int64(s.CancelExpiration),
		Status:           oracle.Status(s.Status),
		ResolvedAt:       int64(s.ResolvedAt),
	}
	if s.Payment != nil {
		out.Payment.Set(s.Payment)
	}
	if len(s.Confirmations) > 0 {
		out.Confirmations = make([]oracle.Confirmation, len(s.Confirmations))
		for i, c := range s.Confirmations {
			data, err := toUint256(c.Data)
			if err != nil {
				return nil, err
			}
			out.Confirmations[i] = oracle.Confirmation{ID: c.ID, From: c.From, Data: data}
		}
	}
	if s.HasFinal {
		final, err := toUint256(s.FinalData)
		if err != nil {
			return nil, err
		}
		out.FinalData = final
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// OracleRequestPut stores the request under its identifier.
func (m *Manager) OracleRequestPut(r *oracle.Request) error {
	stored, err := newStoredOracleRequest(r)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return err
	}
	return m.store.put(oracleRequestKey(r.ID), encoded)
}

// OracleRequestGet loads the request stored under id.
func (m *Manager) OracleRequestGet(id common.Hash) (*oracle.Request, bool, error) {
	data, err := m.store.get(oracleRequestKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(storedOracleRequest)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, err
	}
	req, err := stored.toRequest()
	if err != nil {
		return nil, false, err
	}
	return req, true, nil
}

// OracleNonce returns the next nonce to issue for addr.
func (m *Manager) OracleNonce(addr common.Address) (uint64, error) {
	data, err := m.store.get(oracleNonceKey(addr))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var nonce uint64
	if err := rlp.DecodeBytes(data, &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// OracleSetNonce stores the next nonce to issue for addr. Counters never move
// backwards.
func (m *Manager) OracleSetNonce(addr common.Address, nonce uint64) error {
	current, err := m.OracleNonce(addr)
	if err != nil {
		return err
	}
	if nonce < current {
		return fmt.Errorf("oracle: nonce for %s cannot decrease from %d to %d", addr.Hex(), current, nonce)
	}
	encoded, err := rlp.EncodeToBytes(nonce)
	if err != nil {
		return err
	}
	return m.store.put(oracleNonceKey(addr), encoded)
}

// OracleTrackOpen adds id to the open requests of sender.
func (m *Manager) OracleTrackOpen(sender common.Address, id common.Hash) error {
	return m.KVAppend(oracleOpenKey(sender), id.Bytes())
}

// OracleReleaseOpen removes id from the open requests of sender. The index
// entry is deleted once no open request remains.
func (m *Manager) OracleReleaseOpen(sender common.Address, id common.Hash) error {
	key := oracleOpenKey(sender)
	var list [][]byte
	if err := m.KVGetList(key, &list); err != nil {
		return err
	}
	kept := make([][]byte, 0, len(list))
	for _, entry := range list {
		if !bytes.Equal(entry, id.Bytes()) {
			kept = append(kept, entry)
		}
	}
	switch {
	case len(kept) == len(list):
		return nil
	case len(kept) == 0:
		return m.KVDelete(key)
	default:
		return m.KVPut(key, kept)
	}
}

// OracleOpenRequests lists the unresolved requests of sender in creation
// order.
func (m *Manager) OracleOpenRequests(sender common.Address) ([]common.Hash, error) {
	var list [][]byte
	if err := m.KVGetList(oracleOpenKey(sender), &list); err != nil {
		return nil, err
	}
	out := make([]common.Hash, len(list))
	for i, entry := range list {
		if len(entry) != common.HashLength {
			return nil, fmt.Errorf("oracle: malformed open request entry for %s", sender.Hex())
		}
		out[i] = common.BytesToHash(entry)
	}
	return out, nil
}

// OracleBegin opens a transaction the oracle engine can mutate.
func (m *Manager) OracleBegin() oracle.StateTx {
	return m.Begin()
}
