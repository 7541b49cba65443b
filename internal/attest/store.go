package attest

import (
	"errors"
	"fmt"
	"sync"

	"acdcd/internal/storage"
)

// Store holds verified attestations keyed by digest. Reads run concurrently;
// inserts are serialized and never replace an existing digest.
type Store struct {
	db *storage.Storage

	mu       sync.RWMutex       // mu guards byDigest and order
	byDigest map[string]*Signed // byDigest indexes stored attestations
	order    []string           // order lists digests in insertion order
}

// OpenStore loads the attestations persisted in db.
func OpenStore(db *storage.Storage) (*Store, error) {
	s := &Store{
		db:       db,
		byDigest: make(map[string]*Signed),
	}

	err := db.IteratePrefix(storage.SpaceOrder, func(_, digest []byte) error {
		stream, err := db.Get(attestationKey(string(digest)))
		if err != nil {
			return err
		}

		if stream == nil {
			return fmt.Errorf("order entry for missing attestation %s", digest)
		}

		signed, err := ParseSigned(stream)
		if err != nil {
			return fmt.Errorf("decode attestation %s:\n%w", digest, err)
		}

		s.byDigest[signed.Attestation.Digest] = signed
		s.order = append(s.order, signed.Attestation.Digest)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load attestations:\n%w", err)
	}

	return s, nil
}

// Add stores signed unless its digest is already present. It reports
// whether the attestation was inserted.
func (s *Store) Add(signed *Signed) (bool, error) {
	digest := signed.Attestation.Digest

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byDigest[digest]; ok {
		return false, nil
	}

	pairs := []storage.KeyValue{
		{Key: attestationKey(digest), Value: signed.Stream()},
		{Key: orderKey(uint64(len(s.order))), Value: []byte(digest)},
	}

	err := s.db.InsertIfAbsent(attestationKey(digest), pairs)
	if errors.Is(err, storage.ErrExists) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("store attestation:\n%w", err)
	}

	s.byDigest[digest] = signed
	s.order = append(s.order, digest)

	return true, nil
}

// Get returns the attestation with digest.
func (s *Store) Get(digest string) (*Signed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	signed, ok := s.byDigest[digest]

	return signed, ok
}

// List returns all attestations in insertion order.
func (s *Store) List() []*Signed {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Signed, len(s.order))
	for i, d := range s.order {
		out[i] = s.byDigest[d]
	}

	return out
}

// Len returns the number of stored attestations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order)
}

func attestationKey(digest string) []byte {
	return storage.Key(storage.SpaceAttestations, []byte(digest))
}

func orderKey(seq uint64) []byte {
	return storage.Key(storage.SpaceOrder, storage.Uint64(seq))
}
