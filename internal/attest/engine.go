package attest

import (
	"context"
	"fmt"

	"acdcd/internal/kel"
	"acdcd/internal/logger"
	"acdcd/internal/said"
	"acdcd/internal/signing"
)

// Issuer signs on behalf of the local identifier.
type Issuer interface {
	Prefix() string
	Sign(data []byte) (signing.Attachment, error)
}

// Config holds the collaborators of an Engine.
type Config struct {
	Issuer    Issuer    // Issuer signs created attestations
	KeyStates KeyStates // KeyStates resolves issuers of received attestations
	Store     *Store    // Store holds known attestations
	Schemas   *Schemas  // Schemas validates attribute blocks, may be nil
	Code      said.Code // Code is the digest algorithm, Blake3 by default
}

// Engine creates and verifies attestations.
type Engine struct {
	issuer    Issuer
	keyStates KeyStates
	store     *Store
	schemas   *Schemas
	code      said.Code
}

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	code := cfg.Code
	if code == 0 {
		code = said.Blake3_256
	}

	return &Engine{
		issuer:    cfg.Issuer,
		keyStates: cfg.KeyStates,
		store:     cfg.Store,
		schemas:   cfg.Schemas,
		code:      code,
	}
}

// Create computes the digest of draft, signs it with the local identifier
// and stores it. The draft's issuer must be the local identifier.
func (e *Engine) Create(draft *Attestation) (*Signed, error) {
	if e.issuer == nil || e.issuer.Prefix() == "" {
		return nil, kel.ErrNotEstablished
	}

	if prefix := e.issuer.Prefix(); draft.Issuer != prefix {
		return nil, fmt.Errorf("%w: got %q, local identifier is %q", ErrWrongIssuer, draft.Issuer, prefix)
	}

	if err := e.validate(draft); err != nil {
		return nil, err
	}

	a := *draft
	if err := a.Saidify(e.code); err != nil {
		return nil, err
	}

	raw := a.Raw()

	att, err := e.issuer.Sign(raw)
	if err != nil {
		return nil, fmt.Errorf("sign attestation:\n%w", err)
	}

	signed := &Signed{Attestation: &a, Raw: raw, Attachment: att}

	if _, err := e.store.Add(signed); err != nil {
		return nil, err
	}

	logger.Info("attestation created", "digest", a.Digest, "issuer", a.Issuer)

	return signed, nil
}

// Receive parses a signed attestation stream, checks its digest, verifies
// its signatures against the issuer's key state and stores it. Receiving an
// attestation already held returns the stored copy.
func (e *Engine) Receive(ctx context.Context, stream []byte) (*Signed, error) {
	signed, err := ParseSigned(stream)
	if err != nil {
		return nil, err
	}

	if stored, ok := e.store.Get(signed.Attestation.Digest); ok {
		return stored, nil
	}

	if err := e.validate(signed.Attestation); err != nil {
		return nil, err
	}

	if err := e.Verify(ctx, signed); err != nil {
		return nil, err
	}

	inserted, err := e.store.Add(signed)
	if err != nil {
		return nil, err
	}

	if !inserted {
		stored, _ := e.store.Get(signed.Attestation.Digest)
		return stored, nil
	}

	logger.Info("attestation received",
		"digest", signed.Attestation.Digest,
		"issuer", signed.Attestation.Issuer,
	)

	return signed, nil
}

// Verify checks the signatures of signed. A seal pins verification to the
// issuer's key state at the sealed event; without one the latest key state
// is used.
func (e *Engine) Verify(ctx context.Context, signed *Signed) error {
	issuer := signed.Attestation.Issuer

	var (
		state *kel.State
		err   error
	)

	if seal := signed.Attachment.Seal; seal != nil {
		state, err = e.keyStates.KeyStateAt(ctx, issuer, seal.Sn)
		if err != nil {
			return fmt.Errorf("resolve %s at sn %d:\n%w", issuer, seal.Sn, err)
		}

		if state.Digest != seal.Digest {
			return fmt.Errorf("%w: sealed event %s, resolved %s", signing.ErrVerificationFailed, seal.Digest, state.Digest)
		}
	} else {
		state, err = e.keyStates.KeyState(ctx, issuer)
		if err != nil {
			return fmt.Errorf("resolve %s:\n%w", issuer, err)
		}
	}

	if state.Prefix != issuer {
		return fmt.Errorf("%w: resolved %s for issuer %s", signing.ErrVerificationFailed, state.Prefix, issuer)
	}

	keys, err := state.PublicKeys()
	if err != nil {
		return err
	}

	return signing.Verify(keys, state.Threshold, signed.Raw, signed.Attachment.Sigs)
}

// List returns all stored attestations in insertion order.
func (e *Engine) List() []*Signed {
	return e.store.List()
}

// Get returns the stored attestation with digest.
func (e *Engine) Get(digest string) (*Signed, bool) {
	return e.store.Get(digest)
}

func (e *Engine) validate(a *Attestation) error {
	if e.schemas == nil {
		return nil
	}

	return e.schemas.Validate(a.Schema, a.Attributes)
}
