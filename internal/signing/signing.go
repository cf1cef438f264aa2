// Package signing implements ECDSA secp256k1 signing and verification
// over canonically-encoded commit bytes, with mandatory low-S
// normalization on every signature produced (never optional, never
// monkey-patched in after the fact).
package signing

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/multiformats/go-multibase"
)

// ErrSignatureInvalid is returned by ParsePrivateMultibase for malformed
// key material. Verify never returns it; it reports a signature that
// does not validate as false.
var ErrSignatureInvalid = errors.New("signing: signature invalid")

// curveOrder is the order n of the secp256k1 group.
var curveOrder = secp256k1.S256().N

// halfOrder is n/2, the low-S threshold: a valid signature's s must
// satisfy s <= halfOrder.
var halfOrder = new(big.Int).Rsh(curveOrder, 1)

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// KeyLookup resolves a DID to the private key it should sign commits
// with. This is the one identity-subsystem touchpoint this package
// needs; the DID/key-management subsystem itself lives outside this
// module.
type KeyLookup interface {
	SigningKeyFor(did string) (*PrivateKey, error)
}

// GenerateKey creates a new random secp256k1 keypair.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("signing: generate key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// Public returns the public key corresponding to priv.
func (priv *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: priv.key.PubKey()}
}

// Sign signs the given canonical bytes and returns the 64-byte raw
// r||s signature, with low-S mitigation applied unconditionally: if the
// library's canonical s exceeds n/2 we are already guaranteed low-S by
// the underlying implementation, but we re-derive and re-check
// explicitly here so the invariant does not depend on a library default
// that could silently change.
func (priv *PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(priv.key, digest[:])

	r := sig.R()
	s := sig.S()
	if s.Cmp(halfOrder) > 0 {
		s = new(big.Int).Sub(curveOrder, s)
	}

	out := make([]byte, 64)
	r.FillBytes(out[0:32])
	s.FillBytes(out[32:64])
	return out, nil
}

// Verify checks a 64-byte raw r||s signature over msg. A signature of
// the wrong length or one that fails cryptographic verification both
// simply return false, never an error.
func (pub *PublicKey) Verify(msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])

	var rMod, sMod secp256k1.ModNScalar
	rMod.SetByteSlice(r.Bytes())
	sMod.SetByteSlice(s.Bytes())

	signature := ecdsa.NewSignature(&rMod, &sMod)
	digest := sha256.Sum256(msg)
	return signature.Verify(digest[:], pub.key)
}

// Bytes returns the 33-byte compressed public key encoding.
func (pub *PublicKey) Bytes() []byte {
	return pub.key.SerializeCompressed()
}

// Multibase encodes the private key as a multibase (base58btc,
// 'z'-prefixed) string, the shape atproto signing-key material takes on
// the wire.
func (priv *PrivateKey) Multibase() (string, error) {
	return multibase.Encode(multibase.Base58BTC, priv.key.Serialize())
}

// ParsePrivateMultibase decodes a multibase-encoded private key.
func ParsePrivateMultibase(s string) (*PrivateKey, error) {
	_, data, err := multibase.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes, got %d", ErrSignatureInvalid, len(data))
	}
	key := secp256k1.PrivKeyFromBytes(data)
	return &PrivateKey{key: key}, nil
}
