package kel

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"acdcd/internal/logger"
	"acdcd/internal/signing"
	"acdcd/internal/storage"
)

// ErrUnknownPrefix reports an identifier with no events in the log.
var ErrUnknownPrefix = errors.New("unknown identifier")

// Log is the persistent store of key event logs and their witness receipts.
// Appends for one identifier are serialized; different identifiers proceed
// independently.
type Log struct {
	db *storage.Storage // db holds events, receipts and flags

	mu     sync.Mutex             // mu guards locks and states
	locks  map[string]*sync.Mutex // locks serializes appends per identifier
	states map[string]*State      // states caches the latest key state
}

// NewLog creates a log over db.
func NewLog(db *storage.Storage) *Log {
	return &Log{
		db:     db,
		locks:  make(map[string]*sync.Mutex),
		states: make(map[string]*State),
	}
}

// lock returns the append lock for prefix.
func (l *Log) lock(prefix string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[prefix]
	if !ok {
		m = &sync.Mutex{}
		l.locks[prefix] = m
	}

	return m
}

// Append validates se against the identifier's current state and stores it.
// Receipts carried by se are verified and stored alongside. Appending an
// event that is already in the log returns ErrDuplicate and merges any new
// receipts.
func (l *Log) Append(se *SignedEvent) (*State, error) {
	prefix := se.Event.Prefix

	m := l.lock(prefix)
	m.Lock()
	defer m.Unlock()

	existing, err := l.Event(prefix, se.Event.Sn)
	if err != nil && !errors.Is(err, ErrUnknownPrefix) {
		return nil, err
	}

	if existing != nil {
		if existing.Event.Digest != se.Event.Digest {
			return nil, fmt.Errorf("%w: conflicting event at sn %d for %s", ErrInvalidRotation, se.Event.Sn, prefix)
		}

		if len(se.Receipts) > 0 {
			if _, err := l.AddReceipts(prefix, se.Event.Sn, se.Receipts); err != nil {
				return nil, err
			}
		}

		state, err := l.State(prefix)
		if err != nil {
			return nil, err
		}

		return state, ErrDuplicate
	}

	current, err := l.State(prefix)
	if errors.Is(err, ErrUnknownPrefix) {
		current = nil
	} else if err != nil {
		return nil, err
	}

	next, err := Apply(current, se)
	if err != nil {
		return nil, err
	}

	stored := &SignedEvent{Event: se.Event, Raw: se.Raw, Sigs: se.Sigs}

	stateData, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal state:\n%w", err)
	}

	pairs := []storage.KeyValue{
		{Key: eventKey(prefix, se.Event.Sn), Value: stored.Stream()},
		{Key: stateKey(prefix, se.Event.Sn), Value: stateData},
	}

	if err := l.db.SetBatch(pairs); err != nil {
		return nil, fmt.Errorf("store event:\n%w", err)
	}

	l.mu.Lock()
	l.states[prefix] = next
	l.mu.Unlock()

	logger.Debug("event appended", "prefix", prefix, "sn", se.Event.Sn, "type", se.Event.Type)

	if len(se.Receipts) > 0 {
		if _, err := l.AddReceipts(prefix, se.Event.Sn, se.Receipts); err != nil {
			logger.Warn("dropping receipts", "prefix", prefix, "sn", se.Event.Sn, "error", err)
		}
	}

	return next.Copy(), nil
}

// State returns the latest key state of prefix.
func (l *Log) State(prefix string) (*State, error) {
	l.mu.Lock()
	cached, ok := l.states[prefix]
	l.mu.Unlock()

	if ok {
		return cached.Copy(), nil
	}

	_, data, err := l.db.Last(storage.Key(spaceStates, storage.Field(prefix), nil))
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrefix, prefix)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state:\n%w", err)
	}

	l.mu.Lock()
	l.states[prefix] = &state
	l.mu.Unlock()

	return state.Copy(), nil
}

// StateAt returns the key state of prefix as of the establishment event at sn.
func (l *Log) StateAt(prefix string, sn uint64) (*State, error) {
	data, err := l.db.Get(stateKey(prefix, sn))
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %s has no event at sn %d", ErrUnknownPrefix, prefix, sn)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode state:\n%w", err)
	}

	return &state, nil
}

// Event returns the signed event of prefix at sn with its stored receipts.
func (l *Log) Event(prefix string, sn uint64) (*SignedEvent, error) {
	data, err := l.db.Get(eventKey(prefix, sn))
	if err != nil {
		return nil, err
	}

	if data == nil {
		return nil, fmt.Errorf("%w: %s has no event at sn %d", ErrUnknownPrefix, prefix, sn)
	}

	se, _, err := ParseSignedEvent(data)
	if err != nil {
		return nil, fmt.Errorf("decode event:\n%w", err)
	}

	receipts, err := l.Receipts(prefix, sn)
	if err != nil {
		return nil, err
	}

	se.Receipts = receipts

	return se, nil
}

// Events returns the full log of prefix in sequence order.
func (l *Log) Events(prefix string) ([]*SignedEvent, error) {
	var out []*SignedEvent

	err := l.db.IteratePrefix(storage.Key(storage.SpaceEvents, storage.Field(prefix), nil), func(_, value []byte) error {
		se, _, err := ParseSignedEvent(value)
		if err != nil {
			return err
		}

		out = append(out, se)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read log:\n%w", err)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrefix, prefix)
	}

	for _, se := range out {
		receipts, err := l.Receipts(prefix, se.Event.Sn)
		if err != nil {
			return nil, err
		}

		se.Receipts = receipts
	}

	return out, nil
}

// AddReceipts verifies receipts for the event at sn and stores the new ones.
// Receipts from witnesses outside the event's witness set, or whose
// signature does not verify, are rejected. It returns the number stored.
func (l *Log) AddReceipts(prefix string, sn uint64, receipts []signing.Couple) (int, error) {
	data, err := l.db.Get(eventKey(prefix, sn))
	if err != nil {
		return 0, err
	}

	if data == nil {
		return 0, fmt.Errorf("%w: %s has no event at sn %d", ErrUnknownPrefix, prefix, sn)
	}

	se, _, err := ParseSignedEvent(data)
	if err != nil {
		return 0, fmt.Errorf("decode event:\n%w", err)
	}

	state, err := l.StateAt(prefix, sn)
	if err != nil {
		return 0, err
	}

	var (
		pairs []storage.KeyValue
		errs  []error
	)

	seen := make(map[string]bool)

	for _, c := range receipts {
		if seen[c.Witness] {
			continue
		}
		seen[c.Witness] = true

		if !slices.Contains(state.Witnesses, c.Witness) {
			errs = append(errs, fmt.Errorf("%w: %s is not a witness of %s at sn %d", signing.ErrVerificationFailed, c.Witness, prefix, sn))
			continue
		}

		if err := c.Verify(se.Raw); err != nil {
			errs = append(errs, err)
			continue
		}

		key := receiptKey(prefix, sn, c.Witness)

		ok, err := l.db.Has(key)
		if err != nil {
			return 0, err
		}

		if !ok {
			pairs = append(pairs, storage.KeyValue{Key: key, Value: c.Sig})
		}
	}

	if len(pairs) > 0 {
		if err := l.db.SetBatch(pairs); err != nil {
			return 0, fmt.Errorf("store receipts:\n%w", err)
		}
	}

	return len(pairs), errors.Join(errs...)
}

// Receipts returns the stored receipts for the event of prefix at sn.
func (l *Log) Receipts(prefix string, sn uint64) ([]signing.Couple, error) {
	var out []signing.Couple

	scan := storage.Key(storage.SpaceReceipts, storage.Field(prefix), storage.Uint64(sn), nil)

	err := l.db.IteratePrefix(scan, func(key, value []byte) error {
		out = append(out, signing.Couple{
			Witness: string(key[len(scan):]),
			Sig:     append([]byte(nil), value...),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read receipts:\n%w", err)
	}

	return out, nil
}

// MarkConfirmed records that the event at sn reached its witness threshold.
func (l *Log) MarkConfirmed(prefix string, sn uint64) error {
	return l.db.Set(confirmedKey(prefix, sn), []byte{1})
}

// Confirmed reports whether the event at sn reached its witness threshold.
func (l *Log) Confirmed(prefix string, sn uint64) (bool, error) {
	return l.db.Has(confirmedKey(prefix, sn))
}

// spaceStates holds the key state after each establishment event.
var spaceStates = []byte("s:")

func eventKey(prefix string, sn uint64) []byte {
	return storage.Key(storage.SpaceEvents, storage.Field(prefix), storage.Uint64(sn))
}

func stateKey(prefix string, sn uint64) []byte {
	return storage.Key(spaceStates, storage.Field(prefix), storage.Uint64(sn))
}

func receiptKey(prefix string, sn uint64, witness string) []byte {
	return storage.Key(storage.SpaceReceipts, storage.Field(prefix), storage.Uint64(sn), []byte(witness))
}

func confirmedKey(prefix string, sn uint64) []byte {
	return storage.Key(storage.SpaceMeta, []byte("confirmed"), storage.Field(prefix), storage.Uint64(sn))
}
