package attest

import (
	"context"
	"errors"
	"fmt"

	"acdcd/internal/kel"
	"acdcd/internal/resolver"
)

// KeyStates resolves the key state of an issuer.
type KeyStates interface {
	// KeyState returns the latest key state of prefix.
	KeyState(ctx context.Context, prefix string) (*kel.State, error)

	// KeyStateAt returns the key state established by the event of prefix at sn.
	KeyStateAt(ctx context.Context, prefix string, sn uint64) (*kel.State, error)
}

// Lookup answers from the local log when it holds the identifier and from
// the resolvers otherwise.
type Lookup struct {
	log    *kel.Log         // log is the local key event log, may be nil
	remote *resolver.Client // remote queries resolvers, may be nil
}

// NewLookup creates a lookup over the local log and resolver client.
func NewLookup(log *kel.Log, remote *resolver.Client) *Lookup {
	return &Lookup{log: log, remote: remote}
}

// KeyState returns the latest key state of prefix.
func (l *Lookup) KeyState(ctx context.Context, prefix string) (*kel.State, error) {
	if l.log != nil {
		state, err := l.log.State(prefix)
		if err == nil {
			return state, nil
		}

		if !errors.Is(err, kel.ErrUnknownPrefix) {
			return nil, err
		}
	}

	if l.remote == nil {
		return nil, fmt.Errorf("%w: %s", resolver.ErrUnknownIdentifier, prefix)
	}

	ks, err := l.remote.Resolve(ctx, prefix)
	if err != nil {
		return nil, err
	}

	return &ks.State, nil
}

// KeyStateAt returns the key state established by the event of prefix at sn.
func (l *Lookup) KeyStateAt(ctx context.Context, prefix string, sn uint64) (*kel.State, error) {
	if l.log != nil {
		state, err := l.log.StateAt(prefix, sn)
		if err == nil {
			return state, nil
		}

		if !errors.Is(err, kel.ErrUnknownPrefix) {
			return nil, err
		}
	}

	if l.remote == nil {
		return nil, fmt.Errorf("%w: %s at sn %d", resolver.ErrUnknownIdentifier, prefix, sn)
	}

	ks, err := l.remote.ResolveAt(ctx, prefix, sn)
	if err != nil {
		return nil, err
	}

	return &ks.State, nil
}
