// Package said implements the self-addressing identifier scheme: a
// deterministic JSON serialization whose digest is embedded back into the
// document it was computed over.
//
// The digest field is replaced by a placeholder of the same length as the
// final digest before hashing, so filling it in does not change the size of
// the serialization. When the document carries a version label (field "v")
// its size component is computed in the same pass.
//
// Numbers are hashed as the literal they were written with. 1, 1.0 and 1e0
// are distinct serializations and therefore yield distinct digests; a digest
// computed by another party over its own spelling stays verifiable.
package said

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrFormat reports a malformed canonical payload.
	ErrFormat = errors.New("format error")

	// ErrMismatch reports a stored digest that does not match the content.
	ErrMismatch = errors.New("digest mismatch")
)

const (
	// VersionField is the label of the version string.
	VersionField = "v"

	// versionLength is len("ACDC10JSON00011c_").
	versionLength = 17

	placeholderChar = "#"
)

// Placeholder is the dummy value a digest field holds while hashing.
var Placeholder = strings.Repeat(placeholderChar, DigestLength)

// Version renders a version label such as ACDC10JSON00011c_.
func Version(proto string, size int) string {
	return fmt.Sprintf("%s10JSON%06x_", proto, size)
}

// ParseVersion splits a version label into its protocol and size.
func ParseVersion(v string) (string, int, error) {
	if len(v) != versionLength || !strings.HasSuffix(v, "_") || v[4:10] != "10JSON" {
		return "", 0, fmt.Errorf("%w: invalid version string %q", ErrFormat, v)
	}

	size, err := strconv.ParseUint(v[10:16], 16, 32)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid version size %q", ErrFormat, v[10:16])
	}

	return v[:4], int(size), nil
}

// Compute returns the digest of doc with label held at the placeholder.
// doc is not modified.
func Compute(doc *Map, label string, code Code) (string, error) {
	work := doc.Clone()

	if _, err := prepare(work, label); err != nil {
		return "", err
	}

	return Digest(work.Bytes(), code)
}

// Saidify fills the version size and the digest field of doc in place and
// returns the digest.
func Saidify(doc *Map, label string, code Code) (string, error) {
	digest, err := Compute(doc, label, code)
	if err != nil {
		return "", err
	}

	if _, err := prepare(doc, label); err != nil {
		return "", err
	}

	doc.Set(label, String(digest))

	return digest, nil
}

// Verify recomputes the digest of doc with the algorithm named by the stored
// digest. It fails with ErrMismatch if the content does not match.
func Verify(doc *Map, label string) error {
	stored, ok := doc.Get(label)
	if !ok || stored.Kind() != KindString {
		return fmt.Errorf("%w: missing digest field %q", ErrFormat, label)
	}

	code, err := CodeOf(stored.Str())
	if err != nil {
		return err
	}

	if v, ok := doc.Get(VersionField); ok {
		_, size, err := ParseVersion(v.Str())
		if err != nil {
			return err
		}

		if size != len(doc.Bytes()) {
			return fmt.Errorf("%w: version size %d, serialized %d", ErrMismatch, size, len(doc.Bytes()))
		}
	}

	digest, err := Compute(doc, label, code)
	if err != nil {
		return err
	}

	if digest != stored.Str() {
		return fmt.Errorf("%w: stored %s, computed %s", ErrMismatch, stored.Str(), digest)
	}

	return nil
}

// prepare sets the placeholder and, when present, the version size.
func prepare(doc *Map, label string) (int, error) {
	if !doc.Has(label) {
		return 0, fmt.Errorf("%w: missing digest field %q", ErrFormat, label)
	}

	doc.Set(label, String(Placeholder))

	v, ok := doc.Get(VersionField)
	if !ok {
		return len(doc.Bytes()), nil
	}

	if v.Kind() != KindString {
		return 0, fmt.Errorf("%w: version must be a string", ErrFormat)
	}

	proto, _, err := ParseVersion(v.Str())
	if err != nil {
		return 0, err
	}

	// The label has a fixed width, so the size is stable once measured.
	size := len(doc.Bytes())
	doc.Set(VersionField, String(Version(proto, size)))

	return size, nil
}

// Sniff reads the version label at the head of a serialized stream and
// returns the protocol and the length of the JSON body that precedes any
// attachments.
func Sniff(stream []byte) (string, int, error) {
	const head = `{"v":"`

	if len(stream) < len(head)+versionLength || string(stream[:len(head)]) != head {
		return "", 0, fmt.Errorf("%w: stream does not start with a version label", ErrFormat)
	}

	proto, size, err := ParseVersion(string(stream[len(head) : len(head)+versionLength]))
	if err != nil {
		return "", 0, err
	}

	if size > len(stream) {
		return "", 0, fmt.Errorf("%w: body size %d exceeds stream length %d", ErrFormat, size, len(stream))
	}

	return proto, size, nil
}
