// Package zswap implements the shielded-offer engine (spec.md §4.G): coin
// sampling, input/output/transient construction with proof pre-images,
// pedersen-randomness binding, offer normalisation/merge/verify, and
// delegation of actual proving to an external ProvingProvider.
//
// Grounded in the teacher's core/coin.go (mint/burn accounting under a
// mutex, "<component>: <action>: %w" error wrapping, logrus field logging)
// and core/private_transactions.go (shielded value commitment shape),
// generalised from a single fungible coin ledger to per-type shielded
// coins with pedersen-bound offers.
package zswap

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
)

// ShieldedTokenType identifies a shielded coin denomination.
type ShieldedTokenType [32]byte

// UnshieldedTokenType identifies an unshielded coin denomination.
type UnshieldedTokenType [32]byte

// Dust is the reserved token type used for fee/dust accounting.
var Dust = ShieldedTokenType{0xFF}

// CoinInfo is a shielded coin: a nonce, its type, and its value.
type CoinInfo struct {
	Nonce [32]byte
	Type  ShieldedTokenType
	Value *big.Int // u128
}

// QualifiedInfo pairs a CoinInfo with its Merkle tree index once inserted.
type QualifiedInfo struct {
	CoinInfo
	MTIndex uint64
}

func domainHash(parts [][]byte, domain string) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	h.Write([]byte(domain))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func binaryRepr(info CoinInfo) []byte {
	var buf []byte
	buf = append(buf, info.Nonce[:]...)
	buf = append(buf, info.Type[:]...)
	val := info.Value
	if val == nil {
		val = new(big.Int)
	}
	vb := val.Bytes()
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(vb)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, vb...)
	return buf
}

// Commitment computes a shielded coin's commitment: persistent_hash over
// its binary representation, recipient tag and hash, domain-separated with
// "mdn:cc" (spec.md §3).
func Commitment(info CoinInfo, recipientTag, recipientHash []byte) [32]byte {
	return domainHash([][]byte{binaryRepr(info), recipientTag, recipientHash}, "mdn:cc")
}

// Nullifier computes a shielded coin's nullifier, domain-separated with
// "mdn:cn".
func Nullifier(info CoinInfo, secretKey []byte) [32]byte {
	return domainHash([][]byte{binaryRepr(info), secretKey}, "mdn:cn")
}

var ErrNegativeValue = errors.New("zswap: coin value must be non-negative")

// NewCoinInfo constructs a CoinInfo, rejecting a negative value.
func NewCoinInfo(nonce [32]byte, typ ShieldedTokenType, value *big.Int) (CoinInfo, error) {
	if value == nil || value.Sign() < 0 {
		return CoinInfo{}, ErrNegativeValue
	}
	return CoinInfo{Nonce: nonce, Type: typ, Value: value}, nil
}
