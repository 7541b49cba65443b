package witness

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"acdcd/internal/network"
	"acdcd/internal/signing"
)

// startWitnessNode runs a handler on a QUIC node bound to a random local port.
func startWitnessNode(t *testing.T) (*Handler, Endpoint) {
	t.Helper()

	s, err := signing.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}

	node, err := network.NewNode(network.Config{
		PrivateKey: ed25519.NewKeyFromSeed(s.Seed()),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	h := NewHandler(newTestLog(t), s)
	h.Register(node)

	return h, Endpoint{Prefix: h.Prefix(), Addr: node.Addr()}
}

func TestQUICCollect(t *testing.T) {
	var (
		handlers  []*Handler
		endpoints []Endpoint
		prefixes  []string
	)

	for range 3 {
		h, e := startWitnessNode(t)
		handlers = append(handlers, h)
		endpoints = append(endpoints, e)
		prefixes = append(prefixes, e.Prefix)
	}

	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	client, err := network.NewNode(network.Config{PrivateKey: key})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	c := newTestController(t)
	se := incept(t, c, prefixes, 3)

	agg := NewAggregator(c.Log(), NewQUICTransport(client, endpoints))

	out := agg.Collect(context.Background(), se, prefixes, 3, 5*time.Second)
	if out.Status != ThresholdMet {
		t.Fatalf("status = %v, missing %v", out.Status, out.Missing)
	}

	agg.Wait()

	// Forwarded receipts arrive asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for _, h := range handlers {
		for {
			receipts, _ := h.log.Receipts("alice", 0)
			if len(receipts) == 3 {
				break
			}

			if time.Now().After(deadline) {
				t.Fatalf("witness %s holds %d receipts, want 3", h.Prefix(), len(receipts))
			}

			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestQUICCollectToleratesSilentWitness(t *testing.T) {
	// A bound UDP socket that never answers the handshake.
	silent, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	ghost, err := signing.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}

	ghostPrefix := signing.Prefix(signing.CodeNonTransferable, ghost.PublicKey())

	endpoints := []Endpoint{{Prefix: ghostPrefix, Addr: silent.LocalAddr().String()}}
	prefixes := []string{ghostPrefix}

	for range 2 {
		_, e := startWitnessNode(t)
		endpoints = append(endpoints, e)
		prefixes = append(prefixes, e.Prefix)
	}

	_, key, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	client, err := network.NewNode(network.Config{PrivateKey: key})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	c := newTestController(t)
	se := incept(t, c, prefixes, 2)

	agg := NewAggregator(c.Log(), NewQUICTransport(client, endpoints))
	defer agg.Wait()

	timeout := 3 * time.Second
	start := time.Now()

	out := agg.Collect(context.Background(), se, prefixes, 2, timeout)
	if out.Status != ThresholdMet {
		t.Fatalf("status = %v with %d receipts, missing %v", out.Status, len(out.Receipts), out.Missing)
	}

	if elapsed := time.Since(start); elapsed >= timeout {
		t.Errorf("collection waited %v for the silent witness", elapsed)
	}

	if len(out.Missing) != 1 || out.Missing[0] != ghostPrefix {
		t.Errorf("missing = %v, want the silent witness", out.Missing)
	}
}

func TestQUICTransportRejectsWrongIdentity(t *testing.T) {
	_, genuine := startWitnessNode(t)
	impostor, _ := startWitnessNode(t)

	_, key, _ := ed25519.GenerateKey(nil)

	client, err := network.NewNode(network.Config{PrivateKey: key})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// The impostor's prefix is mapped to the real witness's address.
	transport := NewQUICTransport(client, []Endpoint{{Prefix: impostor.Prefix(), Addr: genuine.Addr}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := transport.Request(ctx, impostor.Prefix(), []byte{msgTypeReceiptRequest}); err == nil {
		t.Error("request to a mismatched identity succeeded")
	}
}
