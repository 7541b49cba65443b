package kel

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"

	"acdcd/internal/signing"
)

var (
	// ErrInvalidRotation reports a rotation that breaks the log's chain or
	// reveals keys that were not committed to.
	ErrInvalidRotation = errors.New("invalid rotation")

	// ErrNotEstablished reports an event for an identifier that has no inception.
	ErrNotEstablished = errors.New("identifier not established")

	// ErrDuplicate reports an event already present in the log.
	ErrDuplicate = errors.New("duplicate event")

	// ErrInvalidEvent reports an event whose fields are internally inconsistent.
	ErrInvalidEvent = errors.New("invalid event")
)

// State is the key state of an identifier after its latest establishment event.
type State struct {
	Prefix           string   `json:"i"`  // Prefix is the identifier
	Sn               uint64   `json:"s"`  // Sn is the latest event's sequence number
	Digest           string   `json:"d"`  // Digest is the latest event's digest
	Keys             []string `json:"k"`  // Keys are the current signing keys
	Threshold        int      `json:"kt"` // Threshold is the current signing threshold
	Next             []string `json:"n"`  // Next are the digests of the pre-rotated keys
	NextThreshold    int      `json:"nt"` // NextThreshold is the committed next threshold
	Witnesses        []string `json:"b"`  // Witnesses is the current witness set
	WitnessThreshold int      `json:"bt"` // WitnessThreshold is the receipt quorum
}

// PublicKeys decodes the current signing keys.
func (s *State) PublicKeys() ([]ed25519.PublicKey, error) {
	return signing.ParsePrefixes(s.Keys)
}

// Apply validates se against the state and returns the resulting state.
// A nil state accepts only inception. Duplicates are detected by the Log
// before Apply is reached.
func Apply(state *State, se *SignedEvent) (*State, error) {
	ev := se.Event

	if err := checkShape(ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case Inception:
		return applyInception(state, se)
	case Rotation:
		return applyRotation(state, se)
	}

	return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, ev.Type)
}

func applyInception(state *State, se *SignedEvent) (*State, error) {
	ev := se.Event

	if state != nil {
		return nil, fmt.Errorf("%w: %s already incepted", ErrInvalidEvent, ev.Prefix)
	}

	if ev.Sn != 0 {
		return nil, fmt.Errorf("%w: inception at sn %d", ErrInvalidEvent, ev.Sn)
	}

	if err := checkWitnesses(ev.Witnesses, ev.WitnessThreshold); err != nil {
		return nil, err
	}

	if err := verifySigs(ev.Keys, ev.Threshold, se); err != nil {
		return nil, err
	}

	return &State{
		Prefix:           ev.Prefix,
		Sn:               0,
		Digest:           ev.Digest,
		Keys:             ev.Keys,
		Threshold:        ev.Threshold,
		Next:             ev.Next,
		NextThreshold:    ev.NextThreshold,
		Witnesses:        slices.Clone(ev.Witnesses),
		WitnessThreshold: ev.WitnessThreshold,
	}, nil
}

func applyRotation(state *State, se *SignedEvent) (*State, error) {
	ev := se.Event

	if state == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotEstablished, ev.Prefix)
	}

	if ev.Sn != state.Sn+1 {
		return nil, fmt.Errorf("%w: sn %d does not follow %d", ErrInvalidRotation, ev.Sn, state.Sn)
	}

	if ev.Prior != state.Digest {
		return nil, fmt.Errorf("%w: prior digest %s, want %s", ErrInvalidRotation, ev.Prior, state.Digest)
	}

	if len(state.Next) == 0 {
		return nil, fmt.Errorf("%w: identifier %s is not transferable", ErrInvalidRotation, ev.Prefix)
	}

	if len(ev.Keys) != len(state.Next) {
		return nil, fmt.Errorf("%w: %d keys revealed, %d committed", ErrInvalidRotation, len(ev.Keys), len(state.Next))
	}

	for i, key := range ev.Keys {
		if NextDigest(key) != state.Next[i] {
			return nil, fmt.Errorf("%w: key %d does not match its commitment", ErrInvalidRotation, i)
		}
	}

	if ev.Threshold != state.NextThreshold {
		return nil, fmt.Errorf("%w: threshold %d, committed %d", ErrInvalidRotation, ev.Threshold, state.NextThreshold)
	}

	witnesses, err := rotateWitnesses(state.Witnesses, ev.WitnessRemove, ev.WitnessAdd)
	if err != nil {
		return nil, err
	}

	if err := checkWitnesses(witnesses, ev.WitnessThreshold); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRotation, err)
	}

	if err := verifySigs(ev.Keys, ev.Threshold, se); err != nil {
		return nil, err
	}

	return &State{
		Prefix:           state.Prefix,
		Sn:               ev.Sn,
		Digest:           ev.Digest,
		Keys:             ev.Keys,
		Threshold:        ev.Threshold,
		Next:             ev.Next,
		NextThreshold:    ev.NextThreshold,
		Witnesses:        witnesses,
		WitnessThreshold: ev.WitnessThreshold,
	}, nil
}

// checkShape validates thresholds and key encodings independent of state.
func checkShape(ev *Event) error {
	if len(ev.Keys) == 0 {
		return fmt.Errorf("%w: no signing keys", ErrInvalidEvent)
	}

	if ev.Threshold < 1 || ev.Threshold > len(ev.Keys) {
		return fmt.Errorf("%w: threshold %d for %d keys", ErrInvalidEvent, ev.Threshold, len(ev.Keys))
	}

	if len(ev.Next) > 0 && (ev.NextThreshold < 1 || ev.NextThreshold > len(ev.Next)) {
		return fmt.Errorf("%w: next threshold %d for %d commitments", ErrInvalidEvent, ev.NextThreshold, len(ev.Next))
	}

	if _, err := signing.ParsePrefixes(ev.Keys); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	return nil
}

// checkWitnesses validates a witness set against its receipt threshold.
func checkWitnesses(witnesses []string, threshold int) error {
	seen := make(map[string]bool, len(witnesses))

	for _, w := range witnesses {
		if seen[w] {
			return fmt.Errorf("%w: duplicate witness %s", ErrInvalidEvent, w)
		}
		seen[w] = true

		if len(w) == 0 || w[:1] != signing.CodeNonTransferable {
			return fmt.Errorf("%w: witness %s is not a non-transferable prefix", ErrInvalidEvent, w)
		}

		if _, err := signing.ParsePrefix(w); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}

	if threshold > len(witnesses) {
		return fmt.Errorf("%w: witness threshold %d exceeds %d witnesses", ErrInvalidEvent, threshold, len(witnesses))
	}

	if len(witnesses) > 0 && threshold < 1 {
		return fmt.Errorf("%w: witness threshold must be at least 1", ErrInvalidEvent)
	}

	return nil
}

// rotateWitnesses applies removals then additions to the current set.
func rotateWitnesses(current, remove, add []string) ([]string, error) {
	out := slices.Clone(current)

	for _, w := range remove {
		idx := slices.Index(out, w)
		if idx < 0 {
			return nil, fmt.Errorf("%w: removed witness %s is not in the set", ErrInvalidRotation, w)
		}
		out = slices.Delete(out, idx, idx+1)
	}

	for _, w := range add {
		if slices.Contains(out, w) {
			return nil, fmt.Errorf("%w: added witness %s is already in the set", ErrInvalidRotation, w)
		}
		out = append(out, w)
	}

	return out, nil
}

func verifySigs(keys []string, threshold int, se *SignedEvent) error {
	pubs, err := signing.ParsePrefixes(keys)
	if err != nil {
		return err
	}

	return signing.Verify(pubs, threshold, se.Raw, se.Sigs)
}

// Copy returns a deep copy of s.
func (s *State) Copy() *State {
	c := *s
	c.Keys = slices.Clone(s.Keys)
	c.Next = slices.Clone(s.Next)
	c.Witnesses = slices.Clone(s.Witnesses)

	return &c
}
