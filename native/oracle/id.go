package oracle

import (
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// IDVersion is the serialization version mixed into every derived identifier.
// Changing the encoding requires a new version so existing identifiers stay
// verifiable.
const IDVersion uint8 = 1

type requestIDPayload struct {
	Version uint8
	Account common.Address
	Nonce   uint64
}

type confirmationIDPayload struct {
	Version uint8
	Request common.Hash
	From    common.Address
}

// RequestID derives the identifier for the request sender issued with nonce:
// keccak256(rlp([version, sender, nonce])).
func RequestID(sender common.Address, nonce uint64) common.Hash {
	encoded, err := rlp.EncodeToBytes(requestIDPayload{Version: IDVersion, Account: sender, Nonce: nonce})
	if err != nil {
		// Fixed-size fields cannot fail to encode.
		panic(err)
	}
	return ethcrypto.Keccak256Hash(encoded)
}

// ConfirmationID derives the identifier for the confirmation submitted by from
// against request: keccak256(rlp([version, request, from])).
func ConfirmationID(request common.Hash, from common.Address) common.Hash {
	encoded, err := rlp.EncodeToBytes(confirmationIDPayload{Version: IDVersion, Request: request, From: from})
	if err != nil {
		panic(err)
	}
	return ethcrypto.Keccak256Hash(encoded)
}
