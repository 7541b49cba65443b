// Package signing provides Ed25519 signing, qualified key prefixes and
// threshold verification of indexed signatures.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"acdcd/internal/said"
)

// ErrVerificationFailed reports signatures that do not satisfy a threshold.
var ErrVerificationFailed = errors.New("verification failed")

// Key prefix codes.
const (
	// CodeTransferable marks an Ed25519 key whose controller can rotate it.
	CodeTransferable = "D"

	// CodeNonTransferable marks an Ed25519 key that is its own identifier.
	CodeNonTransferable = "B"
)

// PrefixLength is the length of a qualified Ed25519 public key.
const PrefixLength = 44

// Signer signs byte payloads.
type Signer interface {
	// Sign returns a raw signature over data.
	Sign(data []byte) []byte

	// PublicKey returns the signer's public key.
	PublicKey() ed25519.PublicKey
}

// Ed25519Signer signs with an in-memory Ed25519 key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewSigner wraps an Ed25519 private key.
func NewSigner(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return NewSigner(priv), nil
}

// SignerFromSeed rebuilds a signer from a 32-byte seed.
func SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size: got %d, want %d", len(seed), ed25519.SeedSize)
	}

	return NewSigner(ed25519.NewKeyFromSeed(seed)), nil
}

// Sign returns an Ed25519 signature over data.
func (s *Ed25519Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.key, data)
}

// PublicKey returns the Ed25519 public key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// Seed returns the private key seed for persistence.
func (s *Ed25519Signer) Seed() []byte {
	return s.key.Seed()
}

// Prefix encodes a public key as a qualified prefix with the given code.
func Prefix(code string, pub ed25519.PublicKey) string {
	return said.EncodePrimitive(code, pub)
}

// ParsePrefix decodes a qualified Ed25519 public key of either code.
func ParsePrefix(prefix string) (ed25519.PublicKey, error) {
	if len(prefix) != PrefixLength {
		return nil, fmt.Errorf("%w: key prefix length %d", said.ErrFormat, len(prefix))
	}

	if code := prefix[:1]; code != CodeTransferable && code != CodeNonTransferable {
		return nil, fmt.Errorf("%w: unsupported key code %q", said.ErrFormat, code)
	}

	raw, err := said.DecodePrimitive(prefix, 1, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}

	return ed25519.PublicKey(raw), nil
}

// ParsePrefixes decodes a list of qualified keys.
func ParsePrefixes(prefixes []string) ([]ed25519.PublicKey, error) {
	keys := make([]ed25519.PublicKey, len(prefixes))

	for i, p := range prefixes {
		key, err := ParsePrefix(p)
		if err != nil {
			return nil, fmt.Errorf("key %d:\n%w", i, err)
		}
		keys[i] = key
	}

	return keys, nil
}

// Verify checks that at least threshold distinct keys have a valid signature
// over data. Each signature is tried against the key at its index first and
// then against every key not yet matched.
func Verify(keys []ed25519.PublicKey, threshold int, data []byte, sigs []Indexed) error {
	if threshold < 1 {
		return fmt.Errorf("%w: threshold %d", ErrVerificationFailed, threshold)
	}

	if threshold > len(keys) {
		return fmt.Errorf("%w: threshold %d exceeds %d keys", ErrVerificationFailed, threshold, len(keys))
	}

	matched := make([]bool, len(keys))
	count := 0

	for _, sig := range sigs {
		idx := matchKey(keys, matched, data, sig)
		if idx < 0 {
			continue
		}

		matched[idx] = true
		count++

		if count >= threshold {
			return nil
		}
	}

	return fmt.Errorf("%w: %d of %d required signatures valid", ErrVerificationFailed, count, threshold)
}

// matchKey returns the index of the key that sig verifies under, or -1.
func matchKey(keys []ed25519.PublicKey, matched []bool, data []byte, sig Indexed) int {
	if sig.Index < len(keys) && !matched[sig.Index] && ed25519.Verify(keys[sig.Index], data, sig.Sig) {
		return sig.Index
	}

	for i, key := range keys {
		if matched[i] || i == sig.Index {
			continue
		}

		if ed25519.Verify(key, data, sig.Sig) {
			return i
		}
	}

	return -1
}
