// Package network carries witness traffic over QUIC. Each endpoint presents
// a self-signed certificate for its Ed25519 key, so a peer's identity is the
// public key it authenticated with, never the address it was dialed at.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"acdcd/internal/logger"
)

const (
	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "acdcd/1"

	// defaultDedupTTL is how long a one-way message is remembered.
	defaultDedupTTL = 30 * time.Second
)

// ErrPeerMismatch reports a remote endpoint whose key is not the expected one.
var ErrPeerMismatch = errors.New("peer key mismatch")

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr string             // ListenAddr is the address to listen on, empty for dial-only nodes
	DedupTTL   time.Duration      // DedupTTL bounds how long one-way messages are deduplicated
}

// Node accepts and initiates QUIC connections.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  ed25519.PublicKey  // publicKey is the node's ed25519 public key
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer       // peers maps public key hex to peer
	dials   map[string]*sync.Mutex // dials serializes dials to one key
	peersMu sync.Mutex             // peersMu protects peers and dials

	dedup *Dedup // dedup drops repeated one-way messages

	onMessage  func(*Peer, []byte)                 // onMessage handles one-way messages
	onRequest  func(*Peer, []byte) ([]byte, error) // onRequest handles request/response exchanges
	handlersMu sync.RWMutex                        // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is checked against the expected key after the handshake
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ttl := cfg.DedupTTL
	if ttl == 0 {
		ttl = defaultDedupTTL
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		peers:      make(map[string]*Peer),
		dials:      make(map[string]*sync.Mutex),
		dedup:      NewDedup(ttl),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections on the configured address.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	logger.Info("quic listening", "addr", listener.Addr().String())

	return nil
}

// Dial returns a connection to the endpoint at addr that must authenticate
// as expect. An open connection to the same key is reused. Dials to
// different keys run concurrently.
func (n *Node) Dial(ctx context.Context, addr string, expect ed25519.PublicKey) (*Peer, error) {
	keyHex := hex.EncodeToString(expect)

	dial := n.dialLock(keyHex)
	dial.Lock()
	defer dial.Unlock()

	if p := n.livePeer(keyHex); p != nil {
		return p, nil
	}

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "no identity")
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	if !pubKey.Equal(expect) {
		conn.CloseWithError(1, "unexpected identity")
		return nil, fmt.Errorf("%w: %s answered as %x", ErrPeerMismatch, addr, pubKey[:8])
	}

	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	// The remote may have connected to us while we were dialing.
	if p, ok := n.peers[keyHex]; ok && !p.closed.Load() {
		conn.CloseWithError(0, "duplicate connection")
		return p, nil
	}

	return n.addPeerLocked(conn, pubKey, addr), nil
}

// dialLock returns the mutex serializing dials to keyHex.
func (n *Node) dialLock(keyHex string) *sync.Mutex {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	m, ok := n.dials[keyHex]
	if !ok {
		m = &sync.Mutex{}
		n.dials[keyHex] = m
	}

	return m
}

// livePeer returns the open connection for keyHex, or nil.
func (n *Node) livePeer(keyHex string) *Peer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if p, ok := n.peers[keyHex]; ok && !p.closed.Load() {
		return p
	}

	return nil
}

// GetPeer returns the connected peer for the given public key, or nil.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	return n.peers[hex.EncodeToString(pubkey)]
}

// OnMessage sets the handler called for one-way messages. Repeated messages
// within the dedup window are dropped before the handler runs.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming request/response exchanges.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming registers an inbound connection under its certificate key.
func (n *Node) handleIncoming(conn *quic.Conn) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "no identity")
		return
	}

	n.peersMu.Lock()
	n.addPeerLocked(conn, pubKey, conn.RemoteAddr().String())
	n.peersMu.Unlock()
}

// addPeerLocked creates a Peer and starts its stream loops. peersMu must be held.
func (n *Node) addPeerLocked(conn *quic.Conn, pubKey ed25519.PublicKey, addr string) *Peer {
	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	keyHex := hex.EncodeToString(pubKey)
	if old, ok := n.peers[keyHex]; ok {
		old.Close()
	}
	n.peers[keyHex] = peer

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop(n.ctx)
	}()

	return peer
}

// removePeer forgets p if it is still the registered connection for its key.
func (n *Node) removePeer(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
