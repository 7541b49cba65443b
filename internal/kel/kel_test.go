package kel

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"acdcd/internal/said"
	"acdcd/internal/signing"
	"acdcd/internal/storage"
)

func newTestDB(t *testing.T) *storage.Storage {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

func newTestSigner(t *testing.T) *signing.Ed25519Signer {
	t.Helper()

	s, err := signing.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}

	return s
}

func newWitnessPrefix(t *testing.T) (string, *signing.Ed25519Signer) {
	t.Helper()

	s := newTestSigner(t)

	return signing.Prefix(signing.CodeNonTransferable, s.PublicKey()), s
}

// signEvent seals ev and signs it with signers.
func signEvent(t *testing.T, ev *Event, selfAddressing bool, signers ...*signing.Ed25519Signer) *SignedEvent {
	t.Helper()

	raw, err := ev.seal(said.Blake3_256, selfAddressing)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	return &SignedEvent{Event: ev, Raw: raw, Sigs: signAll(signers, raw)}
}

func inception(t *testing.T, alias string, current, next *signing.Ed25519Signer, witnesses []string, bt int) *SignedEvent {
	t.Helper()

	if witnesses == nil {
		witnesses = []string{}
	}

	ev := &Event{
		Type:             Inception,
		Prefix:           alias,
		Threshold:        1,
		Keys:             Prefixes([]*signing.Ed25519Signer{current}),
		NextThreshold:    1,
		Next:             Commitments([]*signing.Ed25519Signer{next}),
		WitnessThreshold: bt,
		Witnesses:        witnesses,
	}

	return signEvent(t, ev, alias == "", current)
}

func rotation(t *testing.T, state *State, revealed, next *signing.Ed25519Signer) *SignedEvent {
	t.Helper()

	ev := &Event{
		Type:             Rotation,
		Prefix:           state.Prefix,
		Sn:               state.Sn + 1,
		Prior:            state.Digest,
		Threshold:        1,
		Keys:             Prefixes([]*signing.Ed25519Signer{revealed}),
		NextThreshold:    1,
		Next:             Commitments([]*signing.Ed25519Signer{next}),
		WitnessThreshold: state.WitnessThreshold,
		WitnessRemove:    []string{},
		WitnessAdd:       []string{},
	}

	return signEvent(t, ev, false, revealed)
}

func TestSelfAddressingInceptionRoundTrip(t *testing.T) {
	se := inception(t, "", newTestSigner(t), newTestSigner(t), nil, 0)

	if se.Event.Prefix != se.Event.Digest {
		t.Fatalf("prefix %s is not the digest %s", se.Event.Prefix, se.Event.Digest)
	}

	parsed, rest, err := ParseSignedEvent(se.Stream())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(rest) != 0 {
		t.Errorf("unexpected remainder %q", rest)
	}

	if diff := cmp.Diff(se.Event, parsed.Event); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}

	if len(parsed.Sigs) != 1 {
		t.Errorf("got %d signatures, want 1", len(parsed.Sigs))
	}
}

func TestParseEventRejectsTamper(t *testing.T) {
	se := inception(t, "alice", newTestSigner(t), newTestSigner(t), nil, 0)

	// Flip the key threshold digit.
	tampered := append([]byte(nil), se.Raw...)
	for i := 0; i+8 <= len(tampered); i++ {
		if string(tampered[i:i+8]) == `"kt":"1"` {
			tampered[i+6] = '2'
			break
		}
	}

	if _, err := ParseEvent(tampered); !errors.Is(err, said.ErrMismatch) {
		t.Errorf("expected ErrMismatch, got %v", err)
	}
}

func TestParseStreamMultipleEvents(t *testing.T) {
	log := NewLog(newTestDB(t))

	k0, k1, k2 := newTestSigner(t), newTestSigner(t), newTestSigner(t)

	icp := inception(t, "alice", k0, k1, nil, 0)
	state, err := log.Append(icp)
	if err != nil {
		t.Fatal(err)
	}

	rot := rotation(t, state, k1, k2)
	if _, err := log.Append(rot); err != nil {
		t.Fatal(err)
	}

	stream := append(icp.Stream(), rot.Stream()...)

	events, err := ParseStream(stream)
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 2 || events[1].Event.Sn != 1 {
		t.Fatalf("parsed %d events", len(events))
	}
}

func TestRotationAdvancesState(t *testing.T) {
	log := NewLog(newTestDB(t))

	k0, k1, k2 := newTestSigner(t), newTestSigner(t), newTestSigner(t)

	state, err := log.Append(inception(t, "alice", k0, k1, nil, 0))
	if err != nil {
		t.Fatal(err)
	}

	rotated, err := log.Append(rotation(t, state, k1, k2))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if rotated.Sn != 1 {
		t.Errorf("sn = %d, want 1", rotated.Sn)
	}

	want := Prefixes([]*signing.Ed25519Signer{k1})
	if diff := cmp.Diff(want, rotated.Keys); diff != "" {
		t.Errorf("keys (-want +got):\n%s", diff)
	}

	before, err := log.StateAt("alice", 0)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(state, before); diff != "" {
		t.Errorf("historical state (-want +got):\n%s", diff)
	}
}

func TestRotationRejectsUncommittedKey(t *testing.T) {
	log := NewLog(newTestDB(t))

	k0, k1 := newTestSigner(t), newTestSigner(t)
	intruder := newTestSigner(t)

	state, err := log.Append(inception(t, "alice", k0, k1, nil, 0))
	if err != nil {
		t.Fatal(err)
	}

	_, err = log.Append(rotation(t, state, intruder, newTestSigner(t)))
	if !errors.Is(err, ErrInvalidRotation) {
		t.Errorf("expected ErrInvalidRotation, got %v", err)
	}
}

func TestRotationRejectsSequenceGap(t *testing.T) {
	log := NewLog(newTestDB(t))

	k0, k1 := newTestSigner(t), newTestSigner(t)

	state, err := log.Append(inception(t, "alice", k0, k1, nil, 0))
	if err != nil {
		t.Fatal(err)
	}

	skipped := state.Copy()
	skipped.Sn = 1

	_, err = log.Append(rotation(t, skipped, k1, newTestSigner(t)))
	if !errors.Is(err, ErrInvalidRotation) {
		t.Errorf("expected ErrInvalidRotation, got %v", err)
	}
}

func TestRotationRejectsWrongPrior(t *testing.T) {
	log := NewLog(newTestDB(t))

	k0, k1 := newTestSigner(t), newTestSigner(t)

	state, err := log.Append(inception(t, "alice", k0, k1, nil, 0))
	if err != nil {
		t.Fatal(err)
	}

	forked := state.Copy()
	forked.Digest = NextDigest("something else")

	_, err = log.Append(rotation(t, forked, k1, newTestSigner(t)))
	if !errors.Is(err, ErrInvalidRotation) {
		t.Errorf("expected ErrInvalidRotation, got %v", err)
	}
}

func TestRotationBeforeInception(t *testing.T) {
	log := NewLog(newTestDB(t))

	ghost := &State{Prefix: "bob", Digest: NextDigest("x"), WitnessThreshold: 0}

	_, err := log.Append(rotation(t, ghost, newTestSigner(t), newTestSigner(t)))
	if !errors.Is(err, ErrNotEstablished) {
		t.Errorf("expected ErrNotEstablished, got %v", err)
	}
}

func TestInceptionRejectsBadSignature(t *testing.T) {
	log := NewLog(newTestDB(t))

	se := inception(t, "alice", newTestSigner(t), newTestSigner(t), nil, 0)
	se.Sigs = signAll([]*signing.Ed25519Signer{newTestSigner(t)}, se.Raw)

	if _, err := log.Append(se); !errors.Is(err, signing.ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestWitnessThresholdAboveCount(t *testing.T) {
	log := NewLog(newTestDB(t))

	w, _ := newWitnessPrefix(t)

	se := inception(t, "alice", newTestSigner(t), newTestSigner(t), []string{w}, 2)

	if _, err := log.Append(se); !errors.Is(err, ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestAppendDuplicateIsNoop(t *testing.T) {
	log := NewLog(newTestDB(t))

	se := inception(t, "alice", newTestSigner(t), newTestSigner(t), nil, 0)

	if _, err := log.Append(se); err != nil {
		t.Fatal(err)
	}

	if _, err := log.Append(se); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	events, err := log.Events("alice")
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 {
		t.Errorf("log has %d events, want 1", len(events))
	}
}

func TestConcurrentRotationsSerialize(t *testing.T) {
	log := NewLog(newTestDB(t))

	k0, k1 := newTestSigner(t), newTestSigner(t)

	state, err := log.Append(inception(t, "alice", k0, k1, nil, 0))
	if err != nil {
		t.Fatal(err)
	}

	// Competing rotations revealing the same key but committing to different next keys.
	candidates := make([]*SignedEvent, 8)
	for i := range candidates {
		candidates[i] = rotation(t, state, k1, newTestSigner(t))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	for _, se := range candidates {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := log.Append(se); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted %d rotations, want 1", accepted)
	}

	final, err := log.State("alice")
	if err != nil {
		t.Fatal(err)
	}

	if final.Sn != 1 {
		t.Errorf("final sn = %d, want 1", final.Sn)
	}
}

func TestAddReceiptsFiltersAndDedupes(t *testing.T) {
	log := NewLog(newTestDB(t))

	w1, s1 := newWitnessPrefix(t)
	w2, s2 := newWitnessPrefix(t)
	outsider, so := newWitnessPrefix(t)

	se := inception(t, "alice", newTestSigner(t), newTestSigner(t), []string{w1, w2}, 2)
	if _, err := log.Append(se); err != nil {
		t.Fatal(err)
	}

	good := signing.Couple{Witness: w1, Sig: s1.Sign(se.Raw)}
	forged := signing.Couple{Witness: w2, Sig: s1.Sign(se.Raw)}
	stranger := signing.Couple{Witness: outsider, Sig: so.Sign(se.Raw)}

	n, err := log.AddReceipts("alice", 0, []signing.Couple{good, good, forged, stranger})
	if n != 1 {
		t.Errorf("stored %d receipts, want 1", n)
	}

	if !errors.Is(err, signing.ErrVerificationFailed) {
		t.Errorf("expected ErrVerificationFailed for rejected receipts, got %v", err)
	}

	n, err = log.AddReceipts("alice", 0, []signing.Couple{good, {Witness: w2, Sig: s2.Sign(se.Raw)}})
	if err != nil || n != 1 {
		t.Errorf("second batch stored %d, err %v", n, err)
	}

	receipts, err := log.Receipts("alice", 0)
	if err != nil {
		t.Fatal(err)
	}

	if len(receipts) != 2 {
		t.Errorf("got %d receipts, want 2", len(receipts))
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	db := newTestDB(t)

	se := inception(t, "alice", newTestSigner(t), newTestSigner(t), nil, 0)
	if _, err := NewLog(db).Append(se); err != nil {
		t.Fatal(err)
	}

	state, err := NewLog(db).State("alice")
	if err != nil {
		t.Fatal(err)
	}

	if state.Digest != se.Event.Digest {
		t.Errorf("digest %s, want %s", state.Digest, se.Event.Digest)
	}

	if _, err := NewLog(db).State("bob"); !errors.Is(err, ErrUnknownPrefix) {
		t.Errorf("expected ErrUnknownPrefix, got %v", err)
	}
}

func TestLogKeepsExtendedAliasesApart(t *testing.T) {
	db := newTestDB(t)
	log := NewLog(db)

	alice := inception(t, "alice", newTestSigner(t), newTestSigner(t), nil, 0)
	if _, err := log.Append(alice); err != nil {
		t.Fatal(err)
	}

	if _, err := log.Append(inception(t, "alice:x", newTestSigner(t), newTestSigner(t), nil, 0)); err != nil {
		t.Fatal(err)
	}

	events, err := log.Events("alice")
	if err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 || events[0].Event.Digest != alice.Event.Digest {
		t.Errorf("alice log has %d events", len(events))
	}

	state, err := NewLog(db).State("alice")
	if err != nil {
		t.Fatal(err)
	}

	if state.Prefix != "alice" || state.Digest != alice.Event.Digest {
		t.Errorf("reopened state is %s at %s", state.Prefix, state.Digest)
	}
}
