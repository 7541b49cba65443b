package kel

import (
	"errors"
	"fmt"
	"sync"

	"acdcd/internal/logger"
	"acdcd/internal/said"
	"acdcd/internal/signing"
	"acdcd/internal/storage"
)

// InceptConfig describes a new identifier.
type InceptConfig struct {
	Alias            string    // Alias is the identifier; empty derives it from the inception digest
	Witnesses        []string  // Witnesses are the non-transferable witness prefixes
	WitnessThreshold int       // WitnessThreshold is the receipt quorum
	Code             said.Code // Code selects the digest algorithm, Blake3 by default
}

// Controller owns the local identifier: its keys and its log.
// Rotation is exclusive; signing runs concurrently under a read lock.
type Controller struct {
	db     *storage.Storage
	log    *Log
	keeper *Keeper

	mu     sync.RWMutex // mu guards prefix and keys
	prefix string       // prefix is the local identifier, empty until incepted
	keys   *Keys        // keys are the current and next signers
}

// NewController creates a controller over db.
func NewController(db *storage.Storage, log *Log) *Controller {
	return &Controller{
		db:     db,
		log:    log,
		keeper: NewKeeper(db),
	}
}

// Load restores a previously incepted identifier. It reports false when
// there is none.
func (c *Controller) Load() (bool, error) {
	data, err := c.db.Get(selfKey)
	if err != nil {
		return false, err
	}

	if data == nil {
		return false, nil
	}

	prefix := string(data)

	state, err := c.log.State(prefix)
	if err != nil {
		return false, fmt.Errorf("load state of %s:\n%w", prefix, err)
	}

	keys, err := c.keeper.Load(prefix)
	if err != nil {
		return false, err
	}

	if keys == nil {
		return false, fmt.Errorf("no keys stored for %s", prefix)
	}

	if keys, err = c.keeper.Reconcile(prefix, keys, state); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.prefix = prefix
	c.keys = keys
	c.mu.Unlock()

	logger.Info("identifier loaded", "prefix", prefix, "sn", state.Sn)

	return true, nil
}

// Incept creates the local identifier with initial as its signing key and a
// freshly generated pre-rotated next key.
func (c *Controller) Incept(initial *signing.Ed25519Signer, cfg InceptConfig) (*SignedEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.prefix != "" {
		return nil, fmt.Errorf("%w: already incepted as %s", ErrInvalidEvent, c.prefix)
	}

	next, err := signing.GenerateSigner()
	if err != nil {
		return nil, err
	}

	code := cfg.Code
	if code == 0 {
		code = said.Blake3_256
	}

	keys := &Keys{
		Current: []*signing.Ed25519Signer{initial},
		Next:    []*signing.Ed25519Signer{next},
	}

	ev := &Event{
		Type:             Inception,
		Prefix:           cfg.Alias,
		Threshold:        1,
		Keys:             Prefixes(keys.Current),
		NextThreshold:    1,
		Next:             Commitments(keys.Next),
		WitnessThreshold: cfg.WitnessThreshold,
		Witnesses:        cfg.Witnesses,
	}

	if ev.Witnesses == nil {
		ev.Witnesses = []string{}
	}

	raw, err := ev.seal(code, cfg.Alias == "")
	if err != nil {
		return nil, fmt.Errorf("seal inception:\n%w", err)
	}

	se := &SignedEvent{Event: ev, Raw: raw, Sigs: signAll(keys.Current, raw)}

	// Keys reach disk before the event that commits to them.
	if err := c.keeper.Save(ev.Prefix, keys); err != nil {
		return nil, fmt.Errorf("save keys:\n%w", err)
	}

	if _, err := c.log.Append(se); err != nil {
		return nil, fmt.Errorf("append inception:\n%w", err)
	}

	if err := c.db.SetSync(selfKey, []byte(ev.Prefix)); err != nil {
		return nil, err
	}

	c.prefix = ev.Prefix
	c.keys = keys

	logger.Info("identifier incepted", "prefix", ev.Prefix, "witnesses", len(ev.Witnesses), "bt", ev.WitnessThreshold)

	return se, nil
}

// Rotate reveals the pre-rotated key, commits to a new next key and applies
// the witness changes. A nil threshold keeps the current witness threshold.
func (c *Controller) Rotate(add, remove []string, threshold *int) (*SignedEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.prefix == "" {
		return nil, ErrNotEstablished
	}

	state, err := c.log.State(c.prefix)
	if err != nil {
		return nil, err
	}

	if len(c.keys.Pending) == 0 {
		pending, err := signing.GenerateSigner()
		if err != nil {
			return nil, err
		}

		c.keys.Pending = []*signing.Ed25519Signer{pending}

		if err := c.keeper.Save(c.prefix, c.keys); err != nil {
			return nil, fmt.Errorf("save pending keys:\n%w", err)
		}
	}

	bt := state.WitnessThreshold
	if threshold != nil {
		bt = *threshold
	}

	if add == nil {
		add = []string{}
	}

	if remove == nil {
		remove = []string{}
	}

	ev := &Event{
		Type:             Rotation,
		Prefix:           c.prefix,
		Sn:               state.Sn + 1,
		Prior:            state.Digest,
		Threshold:        state.NextThreshold,
		Keys:             Prefixes(c.keys.Next),
		NextThreshold:    1,
		Next:             Commitments(c.keys.Pending),
		WitnessThreshold: bt,
		WitnessRemove:    remove,
		WitnessAdd:       add,
	}

	code, err := said.CodeOf(state.Digest)
	if err != nil {
		return nil, err
	}

	raw, err := ev.seal(code, false)
	if err != nil {
		return nil, fmt.Errorf("seal rotation:\n%w", err)
	}

	se := &SignedEvent{Event: ev, Raw: raw, Sigs: signAll(c.keys.Next, raw)}

	if _, err := c.log.Append(se); err != nil {
		return nil, fmt.Errorf("append rotation:\n%w", err)
	}

	rotated := &Keys{Current: c.keys.Next, Next: c.keys.Pending}

	if err := c.keeper.Save(c.prefix, rotated); err != nil {
		return nil, fmt.Errorf("save rotated keys:\n%w", err)
	}

	c.keys = rotated

	logger.Info("identifier rotated", "prefix", c.prefix, "sn", ev.Sn, "added", len(add), "removed", len(remove))

	return se, nil
}

// Sign signs data with the current keys and seals the signatures to the
// establishment event they belong to.
func (c *Controller) Sign(data []byte) (signing.Attachment, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.prefix == "" {
		return signing.Attachment{}, ErrNotEstablished
	}

	state, err := c.log.State(c.prefix)
	if err != nil {
		return signing.Attachment{}, err
	}

	return signing.Attachment{
		Seal: &signing.Seal{Sn: state.Sn, Digest: state.Digest},
		Sigs: signAll(c.keys.Current, data),
	}, nil
}

// Prefix returns the local identifier, or "" before inception.
func (c *Controller) Prefix() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.prefix
}

// State returns the local identifier's key state.
func (c *Controller) State() (*State, error) {
	prefix := c.Prefix()
	if prefix == "" {
		return nil, ErrNotEstablished
	}

	return c.log.State(prefix)
}

// Events returns the local identifier's log with its receipts.
func (c *Controller) Events() ([]*SignedEvent, error) {
	prefix := c.Prefix()
	if prefix == "" {
		return nil, ErrNotEstablished
	}

	return c.log.Events(prefix)
}

// Log returns the underlying key event log.
func (c *Controller) Log() *Log {
	return c.log
}

// Established reports whether prefix is the incepted local identifier.
func (c *Controller) Established(prefix string) error {
	local := c.Prefix()

	if local == "" {
		return ErrNotEstablished
	}

	if prefix != local {
		return fmt.Errorf("%w: %s is not controlled here", ErrNotEstablished, prefix)
	}

	return nil
}

func signAll(signers []*signing.Ed25519Signer, data []byte) []signing.Indexed {
	sigs := make([]signing.Indexed, len(signers))
	for i, s := range signers {
		sigs[i] = signing.SignIndexed(s, i, data)
	}

	return sigs
}

var selfKey = storage.Key(storage.SpaceMeta, []byte("self"))

// IsNotEstablished reports whether err means the identifier has no log.
func IsNotEstablished(err error) bool {
	return errors.Is(err, ErrNotEstablished) || errors.Is(err, ErrUnknownPrefix)
}
