package attest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"acdcd/internal/kel"
	"acdcd/internal/resolver"
	"acdcd/internal/said"
	"acdcd/internal/signing"
	"acdcd/internal/storage"
)

const aliceDraft = `{"v":"ACDC10JSON00011c_","i":"alice","s":"E46jrVPTzlSkUPqGGeIZ8a8FWS7a6s4reAXRZOkogZ2A","a":{},"p":[],"r":[]}`

func newTestDB(t *testing.T) *storage.Storage {
	t.Helper()

	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

// issuer is a daemon with an incepted identifier.
type issuer struct {
	ctrl   *kel.Controller
	engine *Engine
}

func newIssuer(t *testing.T, alias string) *issuer {
	t.Helper()

	db := newTestDB(t)
	log := kel.NewLog(db)
	ctrl := kel.NewController(db, log)

	signer, err := signing.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ctrl.Incept(signer, kel.InceptConfig{Alias: alias}); err != nil {
		t.Fatalf("incept: %v", err)
	}

	store, err := OpenStore(db)
	if err != nil {
		t.Fatal(err)
	}

	return &issuer{
		ctrl:   ctrl,
		engine: NewEngine(Config{Issuer: ctrl, KeyStates: NewLookup(log, nil), Store: store}),
	}
}

// publish sends the issuer's log to the resolver.
func (i *issuer) publish(t *testing.T, client *resolver.Client) {
	t.Helper()

	events, err := i.ctrl.Log().Events(i.ctrl.Prefix())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Publish(context.Background(), events); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (i *issuer) create(t *testing.T, draft string) *Signed {
	t.Helper()

	a, err := Draft([]byte(draft))
	if err != nil {
		t.Fatalf("draft: %v", err)
	}

	signed, err := i.engine.Create(a)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	return signed
}

func startResolver(t *testing.T) *resolver.Client {
	t.Helper()

	srv := httptest.NewServer(resolver.NewServer("", newTestDB(t)).Handler())
	t.Cleanup(srv.Close)

	client, err := resolver.NewClient(resolver.ClientConfig{
		URLs:     []string{srv.URL},
		Retries:  1,
		Interval: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	return client
}

// newVerifier creates an engine without a local identifier.
func newVerifier(t *testing.T, client *resolver.Client) *Engine {
	t.Helper()

	store, err := OpenStore(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}

	return NewEngine(Config{KeyStates: NewLookup(nil, client), Store: store})
}

func saidified(t *testing.T, draft string) *Attestation {
	t.Helper()

	a, err := Draft([]byte(draft))
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Saidify(said.Blake3_256); err != nil {
		t.Fatal(err)
	}

	return a
}

func TestDigestIgnoresSourceFieldOrder(t *testing.T) {
	a := saidified(t, `{"i":"alice","s":"Eschema","a":{"x":1,"y":{"b":true,"a":null}},"p":[],"r":[]}`)
	b := saidified(t, `{"r":[],"a":{"y":{"a":null,"b":true},"x":1},"s":"Eschema","p":[],"i":"alice"}`)

	if a.Digest != b.Digest {
		t.Errorf("digests differ: %s vs %s", a.Digest, b.Digest)
	}

	if string(a.Raw()) != string(b.Raw()) {
		t.Errorf("serializations differ:\n%s\n%s", a.Raw(), b.Raw())
	}
}

func TestDigestChangesWithContent(t *testing.T) {
	base := saidified(t, `{"i":"alice","s":"Eschema","a":{"x":1},"p":[],"r":[]}`)

	variants := map[string]string{
		"issuer":     `{"i":"bob","s":"Eschema","a":{"x":1},"p":[],"r":[]}`,
		"schema":     `{"i":"alice","s":"Eother","a":{"x":1},"p":[],"r":[]}`,
		"attribute":  `{"i":"alice","s":"Eschema","a":{"x":2},"p":[],"r":[]}`,
		"empty a":    `{"i":"alice","s":"Eschema","a":{},"p":[],"r":[]}`,
		"absent a":   `{"i":"alice","s":"Eschema","p":[],"r":[]}`,
		"provenance": `{"i":"alice","s":"Eschema","a":{"x":1},"p":["Eprior"],"r":[]}`,
		"rules":      `{"i":"alice","s":"Eschema","a":{"x":1},"p":[],"r":[{"l":"no resale"}]}`,
	}

	seen := map[string]string{base.Digest: "base"}

	for name, draft := range variants {
		d := saidified(t, draft).Digest

		if other, ok := seen[d]; ok {
			t.Errorf("%s has the same digest as %s", name, other)
		}

		seen[d] = name
	}
}

func TestParseRoundTrip(t *testing.T) {
	a := saidified(t, aliceDraft)

	parsed, err := Parse(a.Raw())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if parsed.Digest != a.Digest || string(parsed.Raw()) != string(a.Raw()) {
		t.Errorf("round trip changed the attestation:\n%s\n%s", a.Raw(), parsed.Raw())
	}

	if _, size, _ := said.ParseVersion(parsed.Version); size != len(a.Raw()) {
		t.Errorf("version size %d, body %d", size, len(a.Raw()))
	}
}

func TestDraftRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"i":`,
		"missing i":     `{"s":"E","a":{}}`,
		"number issuer": `{"i":1,"s":"E"}`,
		"a not object":  `{"i":"alice","s":"E","a":[]}`,
		"unknown field": `{"i":"alice","s":"E","x":1}`,
		"duplicate key": `{"i":"alice","i":"bob","s":"E"}`,
	}

	for name, draft := range cases {
		if _, err := Draft([]byte(draft)); !errors.Is(err, said.ErrFormat) {
			t.Errorf("%s: expected ErrFormat, got %v", name, err)
		}
	}
}

func TestCreateAndReceiveEndToEnd(t *testing.T) {
	client := startResolver(t)

	alice := newIssuer(t, "alice")
	alice.publish(t, client)

	created := alice.create(t, aliceDraft)

	if created.Attestation.Digest == "" || len(created.Attachment.Sigs) != 1 {
		t.Fatalf("created attestation lacks digest or signature: %+v", created.Attachment)
	}

	verifier := newVerifier(t, client)

	received, err := verifier.Receive(context.Background(), created.Stream())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}

	got, _ := json.Marshal(received.Attestation)
	if string(got) != string(created.Raw) {
		t.Errorf("received body differs:\n%s\n%s", got, created.Raw)
	}

	list := verifier.List()
	if len(list) != 1 || list[0].Attestation.Digest != created.Attestation.Digest {
		t.Errorf("list = %d entries, want the received attestation", len(list))
	}
}

func TestReceiveOwnAttestationFromLocalLog(t *testing.T) {
	alice := newIssuer(t, "alice")
	created := alice.create(t, aliceDraft)

	// The local log answers for the local identifier without a resolver.
	other := newIssuer(t, "bob")
	other.engine.keyStates = alice.engine.keyStates

	if _, err := other.engine.Receive(context.Background(), created.Stream()); err != nil {
		t.Errorf("receive: %v", err)
	}
}

func TestReceiveDetectsTampering(t *testing.T) {
	client := startResolver(t)

	alice := newIssuer(t, "alice")
	alice.publish(t, client)

	created := alice.create(t, `{"i":"alice","s":"Eschema","a":{"name":"Alice","score":10},"p":[],"r":[]}`)
	stream := created.Stream()

	verifier := newVerifier(t, client)
	ctx := context.Background()

	// Bytes up to the end of the version label are framing.
	const framing = len(`{"v":"ACDC10JSON00011c_`)

	for i := range len(created.Raw) {
		mutated := append([]byte(nil), stream...)
		if mutated[i] == 'x' {
			mutated[i] = 'y'
		} else {
			mutated[i] = 'x'
		}

		_, err := verifier.Receive(ctx, mutated)
		if err == nil {
			t.Fatalf("mutation at byte %d accepted", i)
		}

		if i >= framing && !errors.Is(err, ErrTamperedPayload) {
			t.Errorf("mutation at byte %d: expected ErrTamperedPayload, got %v", i, err)
		}
	}

	if verifier.store.Len() != 0 {
		t.Errorf("tampered attestations were stored")
	}
}

func TestReceiveRejectsForgedSignature(t *testing.T) {
	client := startResolver(t)

	alice := newIssuer(t, "alice")
	alice.publish(t, client)

	created := alice.create(t, aliceDraft)

	mallory, err := signing.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}

	forged := &Signed{
		Raw: created.Raw,
		Attachment: signing.Attachment{
			Seal: created.Attachment.Seal,
			Sigs: []signing.Indexed{signing.SignIndexed(mallory, 0, created.Raw)},
		},
	}

	_, err = newVerifier(t, client).Receive(context.Background(), forged.Stream())
	if !errors.Is(err, signing.ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestReceiveIsIdempotent(t *testing.T) {
	client := startResolver(t)

	alice := newIssuer(t, "alice")
	alice.publish(t, client)

	created := alice.create(t, aliceDraft)
	verifier := newVerifier(t, client)

	ctx := context.Background()

	first, err := verifier.Receive(ctx, created.Stream())
	if err != nil {
		t.Fatal(err)
	}

	second, err := verifier.Receive(ctx, created.Stream())
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}

	if string(first.Raw) != string(second.Raw) || verifier.store.Len() != 1 {
		t.Errorf("re-receive changed the store: %d entries", verifier.store.Len())
	}
}

func TestConcurrentReceiveInsertsOnce(t *testing.T) {
	client := startResolver(t)

	alice := newIssuer(t, "alice")
	alice.publish(t, client)

	created := alice.create(t, aliceDraft)
	verifier := newVerifier(t, client)

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := verifier.Receive(context.Background(), created.Stream()); err != nil {
				t.Errorf("receive: %v", err)
			}
		}()
	}

	wg.Wait()

	if verifier.store.Len() != 1 {
		t.Errorf("store holds %d entries, want 1", verifier.store.Len())
	}
}

func TestVerificationPinnedToSigningKeyState(t *testing.T) {
	client := startResolver(t)

	alice := newIssuer(t, "alice")
	before := alice.create(t, `{"i":"alice","s":"Eschema","a":{"n":1},"p":[],"r":[]}`)

	if _, err := alice.ctrl.Rotate(nil, nil, nil); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	after := alice.create(t, `{"i":"alice","s":"Eschema","a":{"n":2},"p":[],"r":[]}`)
	alice.publish(t, client)

	ctx := context.Background()
	verifier := newVerifier(t, client)

	for name, signed := range map[string]*Signed{"before rotation": before, "after rotation": after} {
		if _, err := verifier.Receive(ctx, signed.Stream()); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}

	// Without the seal the pre-rotation signature is checked against the
	// current keys and fails.
	unsealed := &Signed{Raw: before.Raw, Attachment: signing.Attachment{Sigs: before.Attachment.Sigs}}

	_, err := newVerifier(t, client).Receive(ctx, unsealed.Stream())
	if !errors.Is(err, signing.ErrVerificationFailed) {
		t.Errorf("unsealed pre-rotation attestation: expected ErrVerificationFailed, got %v", err)
	}

	// A seal naming the wrong event is rejected.
	misdirected := &Signed{Raw: before.Raw, Attachment: signing.Attachment{
		Seal: &signing.Seal{Sn: 0, Digest: after.Attachment.Seal.Digest},
		Sigs: before.Attachment.Sigs,
	}}

	_, err = newVerifier(t, client).Receive(ctx, misdirected.Stream())
	if !errors.Is(err, signing.ErrVerificationFailed) {
		t.Errorf("misdirected seal: expected ErrVerificationFailed, got %v", err)
	}
}

func TestReceiveUnknownIssuer(t *testing.T) {
	client := startResolver(t)

	alice := newIssuer(t, "alice")
	created := alice.create(t, aliceDraft)

	_, err := newVerifier(t, client).Receive(context.Background(), created.Stream())
	if !errors.Is(err, resolver.ErrUnknownIdentifier) {
		t.Errorf("expected ErrUnknownIdentifier, got %v", err)
	}
}

func TestCreatePreconditions(t *testing.T) {
	alice := newIssuer(t, "alice")

	draft, _ := Draft([]byte(`{"i":"bob","s":"E","p":[],"r":[]}`))
	if _, err := alice.engine.Create(draft); !errors.Is(err, ErrWrongIssuer) {
		t.Errorf("expected ErrWrongIssuer, got %v", err)
	}

	db := newTestDB(t)
	store, _ := OpenStore(db)
	unincepted := NewEngine(Config{Issuer: kel.NewController(db, kel.NewLog(db)), Store: store})

	draft, _ = Draft([]byte(aliceDraft))
	if _, err := unincepted.Create(draft); !errors.Is(err, kel.ErrNotEstablished) {
		t.Errorf("expected ErrNotEstablished, got %v", err)
	}
}

func TestSchemaValidation(t *testing.T) {
	doc, id, err := SaidifySchema([]byte(`{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`), said.Blake3_256)
	if err != nil {
		t.Fatal(err)
	}

	schemas := NewSchemas()

	registered, err := schemas.Register(doc)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if registered != id {
		t.Errorf("registered as %s, want %s", registered, id)
	}

	alice := newIssuer(t, "alice")
	alice.engine.schemas = schemas

	bad, _ := Draft([]byte(`{"i":"alice","s":"` + id + `","a":{"name":7},"p":[],"r":[]}`))
	if _, err := alice.engine.Create(bad); !errors.Is(err, ErrSchemaViolation) {
		t.Errorf("expected ErrSchemaViolation, got %v", err)
	}

	good, _ := Draft([]byte(`{"i":"alice","s":"` + id + `","a":{"name":"Alice"},"p":[],"r":[]}`))
	if _, err := alice.engine.Create(good); err != nil {
		t.Errorf("create: %v", err)
	}

	// Tampering with a registered schema breaks its SAID.
	tampered := []byte(string(doc[:len(doc)-1]) + `,"additionalProperties":false}`)
	if _, err := schemas.Register(tampered); !errors.Is(err, said.ErrMismatch) {
		t.Errorf("expected ErrMismatch for tampered schema, got %v", err)
	}
}

func TestStoreReloadsInInsertionOrder(t *testing.T) {
	db := newTestDB(t)
	log := kel.NewLog(db)
	ctrl := kel.NewController(db, log)

	signer, _ := signing.GenerateSigner()
	if _, err := ctrl.Incept(signer, kel.InceptConfig{Alias: "alice"}); err != nil {
		t.Fatal(err)
	}

	store, err := OpenStore(db)
	if err != nil {
		t.Fatal(err)
	}

	alice := &issuer{ctrl: ctrl, engine: NewEngine(Config{Issuer: ctrl, Store: store})}

	var want []string
	for _, n := range []string{"3", "1", "2"} {
		want = append(want, alice.create(t, `{"i":"alice","s":"E","a":{"n":`+n+`},"p":[],"r":[]}`).Attestation.Digest)
	}

	reopened, err := OpenStore(db)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	var got []string
	for _, s := range reopened.List() {
		got = append(got, s.Attestation.Digest)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("reloaded order (-want +got):\n%s", diff)
	}
}
