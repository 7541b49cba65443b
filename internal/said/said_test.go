package said

import (
	"errors"
	"strings"
	"testing"
)

const exampleAttestation = `{"v":"ACDC10JSON00011c_","d":"","i":"alice","s":"E46jrVPTzlSkUPqGGeIZ8a8FWS7a6s4reAXRZOkogZ2A","a":{},"p":[],"r":[]}`

func mustParseMap(t *testing.T, data string) *Map {
	t.Helper()

	m, err := ParseMap([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	return m
}

func TestSaidifyFillsDigestAndSize(t *testing.T) {
	doc := mustParseMap(t, exampleAttestation)

	digest, err := Saidify(doc, "d", Blake3_256)
	if err != nil {
		t.Fatalf("saidify: %v", err)
	}

	if len(digest) != DigestLength || digest[0] != 'E' {
		t.Errorf("unexpected digest %q", digest)
	}

	v, _ := doc.Get("v")
	_, size, err := ParseVersion(v.Str())
	if err != nil {
		t.Fatalf("parse version: %v", err)
	}

	if size != len(doc.Bytes()) {
		t.Errorf("version size %d, serialized %d", size, len(doc.Bytes()))
	}

	if err := Verify(doc, "d"); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestDigestStableUnderReserialization(t *testing.T) {
	doc := mustParseMap(t, exampleAttestation)

	first, err := Saidify(doc, "d", Blake3_256)
	if err != nil {
		t.Fatalf("saidify: %v", err)
	}

	reparsed := mustParseMap(t, string(doc.Bytes()))

	second, err := Compute(reparsed, "d", Blake3_256)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	if first != second {
		t.Errorf("digest changed after re-serialization: %s != %s", first, second)
	}
}

func TestCanonicalIgnoresSourceOrder(t *testing.T) {
	a, err := ParseValue([]byte(`{"b":1,"a":{"y":true,"x":null}}`))
	if err != nil {
		t.Fatal(err)
	}

	b, err := ParseValue([]byte(`{"a":{"x":null,"y":true},"b":1}`))
	if err != nil {
		t.Fatal(err)
	}

	if !Equal(a.Canonical(), b.Canonical()) {
		t.Errorf("canonical forms differ: %s vs %s", a.Canonical().Bytes(), b.Canonical().Bytes())
	}

	if got := string(a.Canonical().Bytes()); got != `{"a":{"x":null,"y":true},"b":1}` {
		t.Errorf("unexpected canonical form %s", got)
	}
}

func TestNumberSpellingIsPartOfDigest(t *testing.T) {
	digests := make(map[string]string)

	for _, lit := range []string{"1", "1.0", "1e0"} {
		doc := mustParseMap(t, `{"d":"","n":`+lit+`}`)

		d, err := Saidify(doc, "d", Blake3_256)
		if err != nil {
			t.Fatalf("saidify %s: %v", lit, err)
		}

		if got := string(doc.Bytes()); got != `{"d":"`+d+`","n":`+lit+`}` {
			t.Errorf("literal %s re-serialized as %s", lit, got)
		}

		if err := Verify(doc, "d"); err != nil {
			t.Errorf("verify %s: %v", lit, err)
		}

		digests[d] = lit
	}

	if len(digests) != 3 {
		t.Errorf("expected a distinct digest per spelling, got %v", digests)
	}
}

func TestAnyFieldChangeChangesDigest(t *testing.T) {
	base := mustParseMap(t, exampleAttestation)

	baseDigest, err := Compute(base, "d", Blake3_256)
	if err != nil {
		t.Fatal(err)
	}

	mutations := map[string]func(m *Map){
		"issuer": func(m *Map) { m.Set("i", String("bob")) },
		"schema": func(m *Map) { m.Set("s", String("E46jrVPTzlSkUPqGGeIZ8a8FWS7a6s4reAXRZOkogZ2B")) },
		"attrs": func(m *Map) {
			attrs := NewMap()
			attrs.Set("name", String("alice"))
			m.Set("a", MapValue(attrs))
		},
		"attrs-null":  func(m *Map) { m.Set("a", Null()) },
		"provenance":  func(m *Map) { m.Set("p", Strings([]string{"Eabc"})) },
		"rules":       func(m *Map) { m.Set("r", List(Bool(true))) },
		"extra field": func(m *Map) { m.Set("x", Int(1)) },
	}

	for name, mutate := range mutations {
		doc := base.Clone()
		mutate(doc)

		digest, err := Compute(doc, "d", Blake3_256)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}

		if digest == baseDigest {
			t.Errorf("%s: digest unchanged", name)
		}
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	doc := mustParseMap(t, exampleAttestation)

	if _, err := Saidify(doc, "d", Blake3_256); err != nil {
		t.Fatal(err)
	}

	doc.Set("i", String("mallory"))

	err := Verify(doc, "d")
	if !errors.Is(err, ErrMismatch) {
		t.Errorf("expected ErrMismatch, got %v", err)
	}
}

func TestSHA3DigestCode(t *testing.T) {
	doc := mustParseMap(t, exampleAttestation)

	digest, err := Saidify(doc, "d", SHA3_256)
	if err != nil {
		t.Fatal(err)
	}

	if digest[0] != 'H' {
		t.Errorf("expected H code, got %q", digest)
	}

	if err := Verify(doc, "d"); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	inputs := []string{
		`{"a":1,"a":2}`,
		`{"a":1} {}`,
		`{"a":}`,
		`[1,2`,
		``,
	}

	for _, in := range inputs {
		if _, err := ParseValue([]byte(in)); !errors.Is(err, ErrFormat) {
			t.Errorf("ParseValue(%q): expected ErrFormat, got %v", in, err)
		}
	}
}

func TestSaidifyRequiresDigestField(t *testing.T) {
	doc := mustParseMap(t, `{"v":"ACDC10JSON000000_","i":"alice"}`)

	if _, err := Saidify(doc, "d", Blake3_256); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}

func TestPrimitiveRoundTrip(t *testing.T) {
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = byte(i * 7)
	}

	text := EncodePrimitive("0B", raw)
	if len(text) != 88 || !strings.HasPrefix(text, "0B") {
		t.Fatalf("unexpected encoding %q", text)
	}

	back, err := DecodePrimitive(text, 2, 64)
	if err != nil {
		t.Fatal(err)
	}

	if string(back) != string(raw) {
		t.Error("round trip mismatch")
	}
}

func TestVersionLabel(t *testing.T) {
	if got := Version("ACDC", 0x11c); got != "ACDC10JSON00011c_" {
		t.Errorf("Version = %q", got)
	}

	proto, size, err := ParseVersion("KERI10JSON000120_")
	if err != nil || proto != "KERI" || size != 0x120 {
		t.Errorf("ParseVersion = %q %d %v", proto, size, err)
	}

	if _, _, err := ParseVersion("KERI10CBOR000120_"); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat for non-JSON kind, got %v", err)
	}
}

func TestSniffSplitsBody(t *testing.T) {
	doc := mustParseMap(t, exampleAttestation)

	if _, err := Saidify(doc, "d", Blake3_256); err != nil {
		t.Fatal(err)
	}

	stream := append(doc.Bytes(), []byte("-AAB")...)

	proto, size, err := Sniff(stream)
	if err != nil {
		t.Fatal(err)
	}

	if proto != "ACDC" || size != len(doc.Bytes()) {
		t.Errorf("Sniff = %q %d, want ACDC %d", proto, size, len(doc.Bytes()))
	}

	if _, _, err := Sniff([]byte(`{"i":"alice"}`)); !errors.Is(err, ErrFormat) {
		t.Errorf("expected ErrFormat, got %v", err)
	}
}
