package kel

import (
	"fmt"
	"strconv"

	"acdcd/internal/said"
	"acdcd/internal/signing"
)

// Proto is the version label protocol of key events.
const Proto = "KERI"

// EventType distinguishes inception from rotation.
type EventType string

const (
	Inception EventType = "icp"
	Rotation  EventType = "rot"
)

// Event is an establishment event of a key event log.
type Event struct {
	Version          string    // v
	Type             EventType // t
	Digest           string    // d
	Prefix           string    // i
	Sn               uint64    // s
	Prior            string    // p, rotation only
	Threshold        int       // kt
	Keys             []string  // k
	NextThreshold    int       // nt
	Next             []string  // n, digests of the next keys
	WitnessThreshold int       // bt
	Witnesses        []string  // b, inception only
	WitnessRemove    []string  // br, rotation only
	WitnessAdd       []string  // ba, rotation only
}

// SelfAddressing reports whether the identifier is derived from the inception digest.
func (e *Event) SelfAddressing() bool {
	return e.Type == Inception && e.Prefix == e.Digest
}

// body renders the event in its fixed field order.
func (e *Event) body() *said.Map {
	m := said.NewMap()
	m.Set("v", said.String(e.Version))
	m.Set("t", said.String(string(e.Type)))
	m.Set("d", said.String(e.Digest))
	m.Set("i", said.String(e.Prefix))
	m.Set("s", said.String(strconv.FormatUint(e.Sn, 16)))

	if e.Type == Rotation {
		m.Set("p", said.String(e.Prior))
	}

	m.Set("kt", said.String(strconv.FormatInt(int64(e.Threshold), 16)))
	m.Set("k", said.Strings(e.Keys))
	m.Set("nt", said.String(strconv.FormatInt(int64(e.NextThreshold), 16)))
	m.Set("n", said.Strings(e.Next))
	m.Set("bt", said.String(strconv.FormatInt(int64(e.WitnessThreshold), 16)))

	if e.Type == Inception {
		m.Set("b", said.Strings(e.Witnesses))
	} else {
		m.Set("br", said.Strings(e.WitnessRemove))
		m.Set("ba", said.Strings(e.WitnessAdd))
	}

	return m
}

// seal computes the version size and digest. A self-addressing inception
// event holds both d and i at the placeholder while hashing.
func (e *Event) seal(code said.Code, selfAddressing bool) ([]byte, error) {
	if e.Version == "" {
		e.Version = said.Version(Proto, 0)
	}

	if selfAddressing {
		e.Prefix = said.Placeholder
	}

	m := e.body()

	digest, err := said.Saidify(m, "d", code)
	if err != nil {
		return nil, err
	}

	e.Digest = digest

	if selfAddressing {
		e.Prefix = digest
		m.Set("i", said.String(digest))
	}

	v, _ := m.Get("v")
	e.Version = v.Str()

	return m.Bytes(), nil
}

// Raw returns the serialized event body.
func (e *Event) Raw() []byte {
	return e.body().Bytes()
}

// ParseEvent parses and digest-checks a serialized event body.
func ParseEvent(raw []byte) (*Event, error) {
	m, err := said.ParseMap(raw)
	if err != nil {
		return nil, err
	}

	f := fields{m: m}

	e := &Event{
		Version: f.str("v"),
		Type:    EventType(f.str("t")),
		Digest:  f.str("d"),
		Prefix:  f.str("i"),
		Sn:      f.hex("s"),
		Keys:    f.list("k"),
		Next:    f.list("n"),
	}

	e.Threshold = int(f.hex("kt"))
	e.NextThreshold = int(f.hex("nt"))
	e.WitnessThreshold = int(f.hex("bt"))

	switch e.Type {
	case Inception:
		e.Witnesses = f.list("b")
	case Rotation:
		e.Prior = f.str("p")
		e.WitnessRemove = f.list("br")
		e.WitnessAdd = f.list("ba")
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", said.ErrFormat, e.Type)
	}

	if f.err != nil {
		return nil, f.err
	}

	if proto, _, err := said.ParseVersion(e.Version); err != nil || proto != Proto {
		return nil, fmt.Errorf("%w: invalid event version %q", said.ErrFormat, e.Version)
	}

	// Field order is fixed, so the body must re-render byte for byte.
	if string(e.Raw()) != string(raw) {
		return nil, fmt.Errorf("%w: event is not in canonical form", said.ErrFormat)
	}

	check := m
	if e.SelfAddressing() {
		check = m.Clone()
		check.Set("i", said.String(said.Placeholder))
	}

	if err := said.Verify(check, "d"); err != nil {
		return nil, err
	}

	return e, nil
}

// SignedEvent is an event with its controller signatures and any witness
// receipts gathered so far.
type SignedEvent struct {
	Event    *Event
	Raw      []byte
	Sigs     []signing.Indexed
	Receipts []signing.Couple
}

// Stream renders the event body followed by its attachments.
func (s *SignedEvent) Stream() []byte {
	att := signing.Attachment{Sigs: s.Sigs, Receipts: s.Receipts}

	out := make([]byte, 0, len(s.Raw)+128)
	out = append(out, s.Raw...)
	out = append(out, att.Encode()...)

	return out
}

// ParseSignedEvent parses one event with attachments from the head of stream
// and returns the unread remainder.
func ParseSignedEvent(stream []byte) (*SignedEvent, []byte, error) {
	proto, size, err := said.Sniff(stream)
	if err != nil {
		return nil, nil, err
	}

	if proto != Proto {
		return nil, nil, fmt.Errorf("%w: unexpected protocol %q", said.ErrFormat, proto)
	}

	raw := stream[:size]

	ev, err := ParseEvent(raw)
	if err != nil {
		return nil, nil, err
	}

	// Attachments run up to the next event body.
	end := size
	for end < len(stream) && stream[end] != '{' {
		end++
	}

	att, err := signing.ParseAttachment(string(stream[size:end]))
	if err != nil {
		return nil, nil, err
	}

	return &SignedEvent{
		Event:    ev,
		Raw:      append([]byte(nil), raw...),
		Sigs:     att.Sigs,
		Receipts: att.Receipts,
	}, stream[end:], nil
}

// ParseStream parses a concatenation of signed events.
func ParseStream(stream []byte) ([]*SignedEvent, error) {
	var out []*SignedEvent

	for len(stream) > 0 {
		se, rest, err := ParseSignedEvent(stream)
		if err != nil {
			return nil, err
		}

		out = append(out, se)
		stream = rest
	}

	return out, nil
}

// NextDigest returns the commitment to a key prefix.
func NextDigest(keyPrefix string) string {
	digest, _ := said.Digest([]byte(keyPrefix), said.Blake3_256)
	return digest
}

// fields reads typed values from an event map, keeping the first error.
type fields struct {
	m   *said.Map
	err error
}

func (f *fields) str(key string) string {
	v, ok := f.m.Get(key)
	if !ok || v.Kind() != said.KindString {
		f.fail(key)
		return ""
	}

	return v.Str()
}

func (f *fields) hex(key string) uint64 {
	s := f.str(key)
	if f.err != nil {
		return 0
	}

	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		f.fail(key)
		return 0
	}

	return n
}

func (f *fields) list(key string) []string {
	v, ok := f.m.Get(key)
	if !ok {
		f.fail(key)
		return nil
	}

	items, err := v.StringList()
	if err != nil {
		f.fail(key)
		return nil
	}

	return items
}

func (f *fields) fail(key string) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: missing or invalid field %q", said.ErrFormat, key)
	}
}
