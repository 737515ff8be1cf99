package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature cannot be recovered.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// SigningDigest returns the keccak256 digest a caller signs to authorise an
// RPC method invocation: method, timestamp and payload joined by newlines.
func SigningDigest(method string, timestamp int64, payload []byte) []byte {
	buf := make([]byte, 0, len(method)+len(payload)+24)
	buf = append(buf, method...)
	buf = append(buf, '\n')
	buf = strconv.AppendInt(buf, timestamp, 10)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	return crypto.Keccak256(buf)
}

// Sign produces a 65-byte [R || S || V] secp256k1 signature over digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress returns the account that produced sig over digest. Recovery
// ids of 27/28 are accepted alongside 0/1. Signatures with S in the upper half
// of the curve order are rejected so each digest has one valid encoding per
// signer.
func RecoverAddress(digest, sig []byte) ([20]byte, error) {
	var out [20]byte
	if len(digest) != 32 {
		return out, fmt.Errorf("%w: digest must be 32 bytes", ErrInvalidSignature)
	}
	if len(sig) != 65 {
		return out, fmt.Errorf("%w: expected 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	sv := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, sv, true) {
		return out, fmt.Errorf("%w: malleable or out-of-range values", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	copy(out[:], crypto.PubkeyToAddress(*pub).Bytes())
	return out, nil
}
