package kel

import (
	"encoding/json"
	"fmt"
	"slices"

	"acdcd/internal/signing"
	"acdcd/internal/storage"
)

// keyRecord is the persisted key material of one identifier.
type keyRecord struct {
	Current [][]byte `json:"current"`           // Current are the seeds of the signing keys
	Next    [][]byte `json:"next"`              // Next are the seeds committed to by the latest event
	Pending [][]byte `json:"pending,omitempty"` // Pending are next seeds of a rotation not yet recorded
}

// Keeper persists controller key seeds so identifiers can rotate across
// restarts. Writes are synced before they are relied on.
type Keeper struct {
	db *storage.Storage
}

// NewKeeper creates a keeper over db.
func NewKeeper(db *storage.Storage) *Keeper {
	return &Keeper{db: db}
}

// Keys holds the signers of an identifier.
type Keys struct {
	Current []*signing.Ed25519Signer // Current sign events and attestations
	Next    []*signing.Ed25519Signer // Next are revealed at the next rotation
	Pending []*signing.Ed25519Signer // Pending replace Next once a rotation is recorded
}

// Load returns the keys of prefix, or nil if none are stored.
func (k *Keeper) Load(prefix string) (*Keys, error) {
	data, err := k.db.Get(keeperKey(prefix))
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, nil
	}

	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode key record:\n%w", err)
	}

	keys := &Keys{}

	if keys.Current, err = signers(rec.Current); err != nil {
		return nil, err
	}

	if keys.Next, err = signers(rec.Next); err != nil {
		return nil, err
	}

	if keys.Pending, err = signers(rec.Pending); err != nil {
		return nil, err
	}

	return keys, nil
}

// Save persists keys for prefix.
func (k *Keeper) Save(prefix string, keys *Keys) error {
	rec := keyRecord{
		Current: seeds(keys.Current),
		Next:    seeds(keys.Next),
		Pending: seeds(keys.Pending),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode key record:\n%w", err)
	}

	return k.db.SetSync(keeperKey(prefix), data)
}

// Reconcile promotes pending keys when the log shows that the rotation they
// were prepared for was recorded but the keeper was not updated.
func (k *Keeper) Reconcile(prefix string, keys *Keys, state *State) (*Keys, error) {
	if len(keys.Pending) == 0 || !slices.Equal(Prefixes(keys.Next), state.Keys) {
		return keys, nil
	}

	promoted := &Keys{Current: keys.Next, Next: keys.Pending}

	if err := k.Save(prefix, promoted); err != nil {
		return nil, err
	}

	return promoted, nil
}

// Prefixes returns the transferable prefixes of signers.
func Prefixes(signers []*signing.Ed25519Signer) []string {
	out := make([]string, len(signers))
	for i, s := range signers {
		out[i] = signing.Prefix(signing.CodeTransferable, s.PublicKey())
	}

	return out
}

// Commitments returns the next-key digests of signers.
func Commitments(signers []*signing.Ed25519Signer) []string {
	out := make([]string, len(signers))
	for i, p := range Prefixes(signers) {
		out[i] = NextDigest(p)
	}

	return out
}

func signers(seeds [][]byte) ([]*signing.Ed25519Signer, error) {
	out := make([]*signing.Ed25519Signer, 0, len(seeds))

	for _, seed := range seeds {
		s, err := signing.SignerFromSeed(seed)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, nil
}

func seeds(signers []*signing.Ed25519Signer) [][]byte {
	if len(signers) == 0 {
		return nil
	}

	out := make([][]byte, len(signers))
	for i, s := range signers {
		out[i] = s.Seed()
	}

	return out
}

func keeperKey(prefix string) []byte {
	return storage.Key(storage.SpaceKeys, storage.Field(prefix))
}
