package said

import (
	"encoding/base64"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Code is the derivation code that prefixes a qualified digest.
type Code byte

const (
	// Blake3_256 is the default digest algorithm.
	Blake3_256 Code = 'E'

	// SHA3_256 is the alternative digest algorithm.
	SHA3_256 Code = 'H'
)

// DigestLength is the length of a qualified 256-bit digest string.
const DigestLength = 44

// Sum hashes data with the algorithm named by c.
func (c Code) Sum(data []byte) ([32]byte, error) {
	switch c {
	case Blake3_256:
		return blake3.Sum256(data), nil
	case SHA3_256:
		return sha3.Sum256(data), nil
	default:
		return [32]byte{}, fmt.Errorf("%w: unsupported digest code %q", ErrFormat, byte(c))
	}
}

// Digest hashes data and returns the qualified digest string.
func Digest(data []byte, code Code) (string, error) {
	sum, err := code.Sum(data)
	if err != nil {
		return "", err
	}

	return EncodePrimitive(string(code), sum[:]), nil
}

// CodeOf returns the derivation code of a qualified digest.
func CodeOf(digest string) (Code, error) {
	if len(digest) != DigestLength {
		return 0, fmt.Errorf("%w: digest length %d, want %d", ErrFormat, len(digest), DigestLength)
	}

	code := Code(digest[0])
	if code != Blake3_256 && code != SHA3_256 {
		return 0, fmt.Errorf("%w: unsupported digest code %q", ErrFormat, digest[0])
	}

	return code, nil
}

// EncodePrimitive renders raw bytes in the qualified base64 text domain.
// The raw value is left-padded to a multiple of three bytes and the code
// replaces the leading characters produced by the pad.
func EncodePrimitive(code string, raw []byte) string {
	pad := (3 - len(raw)%3) % 3
	if pad == 0 {
		pad = 3
	}

	buf := make([]byte, pad+len(raw))
	copy(buf[pad:], raw)

	text := base64.RawURLEncoding.EncodeToString(buf)

	return code + text[len(code):]
}

// DecodePrimitive inverts EncodePrimitive for a code of codeLen characters
// and a raw value of rawLen bytes.
func DecodePrimitive(text string, codeLen, rawLen int) ([]byte, error) {
	pad := (3 - rawLen%3) % 3
	if pad == 0 {
		pad = 3
	}

	want := (pad + rawLen) / 3 * 4
	if len(text) != want {
		return nil, fmt.Errorf("%w: primitive length %d, want %d", ErrFormat, len(text), want)
	}

	// Pad bytes encode as leading 'A' characters.
	filler := make([]byte, codeLen)
	for i := range filler {
		filler[i] = 'A'
	}

	buf, err := base64.RawURLEncoding.DecodeString(string(filler) + text[codeLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	return buf[pad:], nil
}
