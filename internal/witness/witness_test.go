package witness

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"acdcd/internal/kel"
	"acdcd/internal/signing"
	"acdcd/internal/storage"
)

func newTestLog(t *testing.T) *kel.Log {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return kel.NewLog(db)
}

func newTestController(t *testing.T) *kel.Controller {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return kel.NewController(db, kel.NewLog(db))
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	s, err := signing.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}

	return NewHandler(newTestLog(t), s)
}

// localTransport delivers messages to in-process handlers.
type localTransport struct {
	handlers map[string]*Handler

	mu       sync.Mutex
	silent   map[string]bool // silent witnesses never answer
	forged   map[string]bool // forged witnesses answer with a signature from the wrong key
	requests map[string]int  // requests counts receipt requests per witness
}

func newLocalTransport(handlers ...*Handler) *localTransport {
	lt := &localTransport{
		handlers: make(map[string]*Handler),
		silent:   make(map[string]bool),
		forged:   make(map[string]bool),
		requests: make(map[string]int),
	}

	for _, h := range handlers {
		lt.handlers[h.Prefix()] = h
	}

	return lt
}

func (lt *localTransport) setSilent(witness string, silent bool) {
	lt.mu.Lock()
	lt.silent[witness] = silent
	lt.mu.Unlock()
}

func (lt *localTransport) requestCount(witness string) int {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	return lt.requests[witness]
}

func (lt *localTransport) Request(ctx context.Context, witness string, data []byte) ([]byte, error) {
	lt.mu.Lock()
	silent, forged := lt.silent[witness], lt.forged[witness]
	if data[0] == msgTypeReceiptRequest {
		lt.requests[witness]++
	}
	lt.mu.Unlock()

	if silent {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if forged {
		other, _ := signing.GenerateSigner()
		return EncodeReceipt(other.Sign(data)), nil
	}

	return lt.handlers[witness].Process(data)
}

func (lt *localTransport) Send(_ context.Context, witness string, data []byte) error {
	lt.mu.Lock()
	silent := lt.silent[witness]
	lt.mu.Unlock()

	if silent {
		return errors.New("unreachable")
	}

	lt.handlers[witness].HandleMessage(nil, data)

	return nil
}

// witnessSet creates n handlers and returns them with their prefixes.
func witnessSet(t *testing.T, n int) ([]*Handler, []string) {
	t.Helper()

	handlers := make([]*Handler, n)
	prefixes := make([]string, n)

	for i := range handlers {
		handlers[i] = newTestHandler(t)
		prefixes[i] = handlers[i].Prefix()
	}

	return handlers, prefixes
}

func incept(t *testing.T, c *kel.Controller, witnesses []string, bt int) *kel.SignedEvent {
	t.Helper()

	s, err := signing.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}

	se, err := c.Incept(s, kel.InceptConfig{Alias: "alice", Witnesses: witnesses, WitnessThreshold: bt})
	if err != nil {
		t.Fatalf("incept: %v", err)
	}

	return se
}

func TestCollectThresholdMet(t *testing.T) {
	handlers, prefixes := witnessSet(t, 3)
	c := newTestController(t)
	se := incept(t, c, prefixes, 2)

	agg := NewAggregator(c.Log(), newLocalTransport(handlers...))

	out := agg.Collect(context.Background(), se, prefixes, 2, time.Second)
	agg.Wait()

	if out.Status != ThresholdMet {
		t.Fatalf("status = %v, want ThresholdMet", out.Status)
	}

	if len(out.Receipts) < 2 {
		t.Errorf("got %d receipts, want at least 2", len(out.Receipts))
	}

	confirmed, err := c.Log().Confirmed("alice", 0)
	if err != nil || !confirmed {
		t.Errorf("Confirmed = %v, %v", confirmed, err)
	}
}

func TestCollectThresholdBoundary(t *testing.T) {
	handlers, prefixes := witnessSet(t, 3)
	c := newTestController(t)
	se := incept(t, c, prefixes, 2)

	lt := newLocalTransport(handlers...)
	lt.setSilent(prefixes[1], true)
	lt.setSilent(prefixes[2], true)

	agg := NewAggregator(c.Log(), lt)

	// T-1 receipts: the collection waits out the deadline.
	start := time.Now()
	out := agg.Collect(context.Background(), se, prefixes, 2, 200*time.Millisecond)

	if out.Status != ThresholdNotMet {
		t.Fatalf("status = %v with one receipt, want ThresholdNotMet", out.Status)
	}

	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("returned after %v, before the deadline", elapsed)
	}

	if len(out.Receipts) != 1 || len(out.Missing) != 2 {
		t.Errorf("receipts %d missing %d, want 1 and 2", len(out.Receipts), len(out.Missing))
	}

	// A second witness comes back; the stored receipt is reused.
	lt.setSilent(prefixes[1], false)

	out = agg.Collect(context.Background(), se, prefixes, 2, 200*time.Millisecond)
	agg.Wait()

	if out.Status != ThresholdMet {
		t.Fatalf("status = %v at exactly T receipts, want ThresholdMet", out.Status)
	}

	if n := lt.requestCount(prefixes[0]); n != 1 {
		t.Errorf("witness 0 asked %d times, want 1", n)
	}
}

func TestCollectDiscardsForgedReceipt(t *testing.T) {
	handlers, prefixes := witnessSet(t, 3)
	c := newTestController(t)
	se := incept(t, c, prefixes, 3)

	lt := newLocalTransport(handlers...)
	lt.forged[prefixes[2]] = true

	agg := NewAggregator(c.Log(), lt)

	out := agg.Collect(context.Background(), se, prefixes, 3, 500*time.Millisecond)

	if out.Status != ThresholdNotMet {
		t.Fatalf("status = %v, want ThresholdNotMet", out.Status)
	}

	if len(out.Receipts) != 2 {
		t.Errorf("got %d receipts, want 2", len(out.Receipts))
	}

	stored, _ := c.Log().Receipts("alice", 0)
	for _, r := range stored {
		if r.Witness == prefixes[2] {
			t.Error("forged receipt was stored")
		}
	}
}

func TestCollectWithoutWitnesses(t *testing.T) {
	c := newTestController(t)
	se := incept(t, c, nil, 0)

	agg := NewAggregator(c.Log(), newLocalTransport())

	out := agg.Collect(context.Background(), se, nil, 0, time.Second)
	if out.Status != ThresholdMet {
		t.Errorf("status = %v, want ThresholdMet", out.Status)
	}
}

func TestRotationReplaysToNewWitness(t *testing.T) {
	handlers, prefixes := witnessSet(t, 2)
	c := newTestController(t)

	se := incept(t, c, prefixes[:1], 1)

	agg := NewAggregator(c.Log(), newLocalTransport(handlers...))

	if out := agg.Collect(context.Background(), se, prefixes[:1], 1, time.Second); out.Status != ThresholdMet {
		t.Fatalf("inception status = %v", out.Status)
	}

	two := 2
	rot, err := c.Rotate(prefixes[1:], nil, &two)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	out := agg.Collect(context.Background(), rot, prefixes, 2, time.Second)
	agg.Wait()

	if out.Status != ThresholdMet {
		t.Fatalf("rotation status = %v, missing %v", out.Status, out.Missing)
	}

	state, err := handlers[1].log.State("alice")
	if err != nil {
		t.Fatalf("new witness state: %v", err)
	}

	if state.Sn != 1 {
		t.Errorf("new witness at sn %d, want 1", state.Sn)
	}
}

func TestForwardedReceiptsReachWitnesses(t *testing.T) {
	handlers, prefixes := witnessSet(t, 3)
	c := newTestController(t)
	se := incept(t, c, prefixes, 3)

	agg := NewAggregator(c.Log(), newLocalTransport(handlers...))

	if out := agg.Collect(context.Background(), se, prefixes, 3, time.Second); out.Status != ThresholdMet {
		t.Fatalf("status = %v", out.Status)
	}

	agg.Wait()

	for i, h := range handlers {
		receipts, err := h.log.Receipts("alice", 0)
		if err != nil {
			t.Fatal(err)
		}

		if len(receipts) != 3 {
			t.Errorf("witness %d holds %d receipts, want 3", i, len(receipts))
		}
	}
}

func TestHandlerRejectsNonWitness(t *testing.T) {
	outsider := newTestHandler(t)
	_, prefixes := witnessSet(t, 1)

	c := newTestController(t)
	se := incept(t, c, prefixes, 1)

	resp, err := outsider.Process(EncodeReceiptRequest(se.Stream()))
	if err != nil {
		t.Fatal(err)
	}

	rej, err := DecodeRejection(resp)
	if err != nil {
		t.Fatalf("expected rejection, got type 0x%02x", resp[0])
	}

	if rej.Reason != reasonNotWitness {
		t.Errorf("reason = %d, want %d", rej.Reason, reasonNotWitness)
	}
}

func TestHandlerRejectsGarbage(t *testing.T) {
	h := newTestHandler(t)

	resp, err := h.Process(EncodeReceiptRequest([]byte(`{"v":"KERI10JSON000010_"}`)))
	if err != nil {
		t.Fatal(err)
	}

	rej, err := DecodeRejection(resp)
	if err != nil || rej.Reason != reasonInvalid {
		t.Errorf("expected invalid rejection, got %v %v", rej, err)
	}

	if _, err := h.Process([]byte{0x7f}); err == nil {
		t.Error("expected error for unknown message type")
	}
}

func TestReplayRoundTrip(t *testing.T) {
	stream := []byte(`{"v":"KERI10JSON000000_"}-AAB`)

	msg, err := EncodeReplay(stream)
	if err != nil {
		t.Fatal(err)
	}

	back, err := DecodeReplay(msg)
	if err != nil {
		t.Fatal(err)
	}

	if string(back) != string(stream) {
		t.Errorf("replay mismatch: %q", back)
	}
}

func TestParseEndpoint(t *testing.T) {
	h := newTestHandler(t)

	e, err := ParseEndpoint(h.Prefix() + "@127.0.0.1:5631")
	if err != nil {
		t.Fatal(err)
	}

	if e.Prefix != h.Prefix() || e.Addr != "127.0.0.1:5631" {
		t.Errorf("unexpected endpoint %+v", e)
	}

	for _, bad := range []string{"127.0.0.1:5631", h.Prefix() + "@", "D" + h.Prefix()[1:] + "@host:1"} {
		if _, err := ParseEndpoint(bad); err == nil {
			t.Errorf("ParseEndpoint(%q) succeeded", bad)
		}
	}
}
