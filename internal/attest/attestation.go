// Package attest builds, signs, stores and verifies attestations: self-
// addressing credentials whose digest field d is computed over their own
// canonical serialization.
package attest

import (
	"errors"
	"fmt"
	"slices"

	"acdcd/internal/said"
	"acdcd/internal/signing"
)

// Proto is the version label protocol of attestations.
const Proto = "ACDC"

var (
	// ErrTamperedPayload reports an attestation whose body no longer matches
	// its digest.
	ErrTamperedPayload = errors.New("tampered payload")

	// ErrSchemaViolation reports attributes rejected by a registered schema.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrWrongIssuer reports a create request for an identifier this daemon
	// does not control.
	ErrWrongIssuer = errors.New("issuer is not the local identifier")
)

// fieldOrder is the serialization order of attestation fields.
var fieldOrder = []string{"v", "d", "i", "s", "a", "p", "r"}

// Attestation is an immutable, content-addressed credential.
type Attestation struct {
	Version    string       // Version is the version label carrying the body size
	Digest     string       // Digest is the self-addressing identifier of the body
	Issuer     string       // Issuer is the issuing identifier
	Schema     string       // Schema is the schema SAID
	Attributes *said.Map    // Attributes is the attribute block, nil when absent
	Provenance []said.Value // Provenance references prior attestations
	Rules      []said.Value // Rules are rule objects
}

// body renders the canonical field map. Attribute maps are sorted
// recursively; provenance and rules keep their order.
func (a *Attestation) body() *said.Map {
	m := said.NewMap()
	m.Set("v", said.String(a.Version))
	m.Set("d", said.String(a.Digest))
	m.Set("i", said.String(a.Issuer))
	m.Set("s", said.String(a.Schema))

	if a.Attributes != nil {
		m.Set("a", said.MapValue(a.Attributes).Canonical())
	}

	m.Set("p", said.List(a.Provenance...).Canonical())
	m.Set("r", said.List(a.Rules...).Canonical())

	return m
}

// Raw returns the canonical serialization.
func (a *Attestation) Raw() []byte {
	return a.body().Bytes()
}

// MarshalJSON implements json.Marshaler with the canonical serialization.
func (a *Attestation) MarshalJSON() ([]byte, error) {
	return a.Raw(), nil
}

// Saidify sets the version label and digest.
func (a *Attestation) Saidify(code said.Code) error {
	a.Version = said.Version(Proto, 0)

	m := a.body()

	digest, err := said.Saidify(m, "d", code)
	if err != nil {
		return err
	}

	v, _ := m.Get("v")
	a.Version = v.Str()
	a.Digest = digest

	return nil
}

// Draft parses a create request: an attestation without digest. The version
// label and digest, if present, are ignored and recomputed.
func Draft(data []byte) (*Attestation, error) {
	m, err := said.ParseMap(data)
	if err != nil {
		return nil, err
	}

	if !m.Has("v") {
		m.Set("v", said.String(""))
	}

	if !m.Has("d") {
		m.Set("d", said.String(""))
	}

	a, err := fromMap(m)
	if err != nil {
		return nil, err
	}

	a.Version, a.Digest = "", ""

	return a, nil
}

// Parse decodes a serialized attestation and checks its digest. A body
// that does not re-render byte for byte is rejected, as signatures cover
// the exact bytes.
func Parse(raw []byte) (*Attestation, error) {
	m, err := said.ParseMap(raw)
	if err != nil {
		return nil, err
	}

	a, err := fromMap(m)
	if err != nil {
		return nil, err
	}

	proto, _, err := said.ParseVersion(a.Version)
	if err != nil {
		return nil, err
	}

	if proto != Proto {
		return nil, fmt.Errorf("%w: unexpected protocol %q", said.ErrFormat, proto)
	}

	if string(a.Raw()) != string(raw) {
		return nil, fmt.Errorf("%w: attestation is not in canonical form", said.ErrFormat)
	}

	if err := said.Verify(m, "d"); err != nil {
		return nil, err
	}

	return a, nil
}

// UnmarshalJSON implements json.Unmarshaler. It does not check the digest.
func (a *Attestation) UnmarshalJSON(data []byte) error {
	m, err := said.ParseMap(data)
	if err != nil {
		return err
	}

	parsed, err := fromMap(m)
	if err != nil {
		return err
	}

	*a = *parsed

	return nil
}

func fromMap(m *said.Map) (*Attestation, error) {
	for _, k := range m.Keys() {
		if !slices.Contains(fieldOrder, k) {
			return nil, fmt.Errorf("%w: unknown attestation field %q", said.ErrFormat, k)
		}
	}

	a := &Attestation{}

	var err error
	str := func(key string, required bool) string {
		v, ok := m.Get(key)
		if !ok {
			if required && err == nil {
				err = fmt.Errorf("%w: missing field %q", said.ErrFormat, key)
			}
			return ""
		}

		if v.Kind() != said.KindString && err == nil {
			err = fmt.Errorf("%w: field %q must be a string", said.ErrFormat, key)
		}

		return v.Str()
	}

	a.Version = str("v", true)
	a.Digest = str("d", true)
	a.Issuer = str("i", true)
	a.Schema = str("s", true)

	if err != nil {
		return nil, err
	}

	if a.Issuer == "" {
		return nil, fmt.Errorf("%w: empty issuer", said.ErrFormat)
	}

	if v, ok := m.Get("a"); ok {
		if v.Kind() != said.KindMap {
			return nil, fmt.Errorf("%w: field \"a\" must be an object", said.ErrFormat)
		}
		a.Attributes = v.Map()
	}

	if a.Provenance, err = listField(m, "p"); err != nil {
		return nil, err
	}

	if a.Rules, err = listField(m, "r"); err != nil {
		return nil, err
	}

	return a, nil
}

func listField(m *said.Map, key string) ([]said.Value, error) {
	v, ok := m.Get(key)
	if !ok {
		return nil, nil
	}

	if v.Kind() != said.KindList {
		return nil, fmt.Errorf("%w: field %q must be a list", said.ErrFormat, key)
	}

	return v.Items(), nil
}

// Signed is an attestation with its attached signatures.
type Signed struct {
	Attestation *Attestation
	Raw         []byte
	Attachment  signing.Attachment
}

// Stream renders the body followed by the attachment.
func (s *Signed) Stream() []byte {
	out := make([]byte, 0, len(s.Raw)+256)
	out = append(out, s.Raw...)
	out = append(out, s.Attachment.Encode()...)

	return out
}

// ParseSigned splits a stream into body and attachment. Any failure to
// parse or digest-check a body framed as an attestation is reported as
// ErrTamperedPayload; a stream that is not framed as one at all is a
// format error.
func ParseSigned(stream []byte) (*Signed, error) {
	proto, size, err := said.Sniff(stream)
	if err != nil {
		return nil, err
	}

	if proto != Proto {
		return nil, fmt.Errorf("%w: unexpected protocol %q", said.ErrFormat, proto)
	}

	raw := stream[:size]

	a, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTamperedPayload, err)
	}

	att, err := signing.ParseAttachment(string(stream[size:]))
	if err != nil {
		return nil, err
	}

	if len(att.Sigs) == 0 {
		return nil, fmt.Errorf("%w: attestation carries no signatures", said.ErrFormat)
	}

	return &Signed{
		Attestation: a,
		Raw:         append([]byte(nil), raw...),
		Attachment:  att,
	}, nil
}
