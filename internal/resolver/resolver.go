// Package resolver publishes witnessed key state and answers key state
// queries. The Server accepts only events whose witness receipts meet the
// threshold in force at that event; the Client retries with backoff across
// several resolvers.
package resolver

import (
	"errors"
	"time"

	"acdcd/internal/kel"
	"acdcd/internal/signing"
)

var (
	// ErrUnknownIdentifier reports an identifier the resolver has never seen.
	ErrUnknownIdentifier = errors.New("unknown identifier")

	// ErrResolverUnreachable reports a transport failure or server error.
	ErrResolverUnreachable = errors.New("resolver unreachable")

	// ErrRejected reports events the resolver refused to publish.
	ErrRejected = errors.New("rejected by resolver")

	// ErrUnconfirmed reports an event without enough witness receipts.
	ErrUnconfirmed = errors.New("event lacks witness receipts")
)

// KeyState is the resolver's view of an identifier.
type KeyState struct {
	kel.State

	Published time.Time `json:"dt"` // Published is when the resolver accepted the event at Sn
}

// WitnessRegistration announces where a witness can be reached. Signature
// is the witness's signature over Endpoint.
type WitnessRegistration struct {
	Endpoint  string `json:"endpoint"`  // Endpoint is "prefix@host:port"
	Signature []byte `json:"signature"` // Signature is the raw Ed25519 signature
}

// NewWitnessRegistration signs endpoint with the witness key.
func NewWitnessRegistration(signer signing.Signer, endpoint string) WitnessRegistration {
	return WitnessRegistration{Endpoint: endpoint, Signature: signer.Sign([]byte(endpoint))}
}
