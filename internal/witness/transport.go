package witness

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"acdcd/internal/network"
	"acdcd/internal/signing"
)

// Endpoint is a witness prefix and the address it listens on.
type Endpoint struct {
	Prefix string // Prefix is the witness's non-transferable identifier
	Addr   string // Addr is the witness's QUIC address
}

// ParseEndpoint parses "prefix@host:port".
func ParseEndpoint(s string) (Endpoint, error) {
	prefix, addr, ok := strings.Cut(s, "@")
	if !ok || addr == "" {
		return Endpoint{}, fmt.Errorf("witness %q: want prefix@host:port", s)
	}

	if !strings.HasPrefix(prefix, signing.CodeNonTransferable) {
		return Endpoint{}, fmt.Errorf("witness %q: prefix must be non-transferable", s)
	}

	if _, err := signing.ParsePrefix(prefix); err != nil {
		return Endpoint{}, fmt.Errorf("witness %q:\n%w", s, err)
	}

	return Endpoint{Prefix: prefix, Addr: addr}, nil
}

func (e Endpoint) String() string {
	return e.Prefix + "@" + e.Addr
}

// QUICTransport reaches witnesses over the network package. A witness must
// authenticate with the key its prefix encodes.
type QUICTransport struct {
	node *network.Node

	mu    sync.RWMutex      // mu guards addrs
	addrs map[string]string // addrs maps witness prefix to address
}

// NewQUICTransport creates a transport dialing from node.
func NewQUICTransport(node *network.Node, endpoints []Endpoint) *QUICTransport {
	t := &QUICTransport{
		node:  node,
		addrs: make(map[string]string, len(endpoints)),
	}

	for _, e := range endpoints {
		t.addrs[e.Prefix] = e.Addr
	}

	return t
}

// AddEndpoint registers or replaces the address of a witness.
func (t *QUICTransport) AddEndpoint(e Endpoint) {
	t.mu.Lock()
	t.addrs[e.Prefix] = e.Addr
	t.mu.Unlock()
}

// Request sends data to witness and returns its answer.
func (t *QUICTransport) Request(ctx context.Context, witness string, data []byte) ([]byte, error) {
	peer, err := t.peer(ctx, witness)
	if err != nil {
		return nil, err
	}

	return peer.Request(ctx, data)
}

// Send delivers a one-way message to witness.
func (t *QUICTransport) Send(ctx context.Context, witness string, data []byte) error {
	peer, err := t.peer(ctx, witness)
	if err != nil {
		return err
	}

	return peer.Send(ctx, data)
}

func (t *QUICTransport) peer(ctx context.Context, witness string) (*network.Peer, error) {
	t.mu.RLock()
	addr, ok := t.addrs[witness]
	t.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no address for witness %s", witness)
	}

	key, err := signing.ParsePrefix(witness)
	if err != nil {
		return nil, err
	}

	return t.node.Dial(ctx, addr, key)
}
