package signing

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"strings"

	"acdcd/internal/said"
)

// Attachment group codes. Each is followed by a two character count.
const (
	groupIndexed = "-A" // controller indexed signatures
	groupCouples = "-C" // witness receipt couples
	groupSeal    = "-F" // establishment seal followed by indexed signatures
)

const (
	codeReceiptSig = "0B" // non-indexed Ed25519 signature
	codeSeqNum     = "0A" // 128-bit sequence number

	sigTextLength    = 88
	seqNumTextLength = 24
	countLength      = 2
	maxCount         = 64 * 64
	maxIndex         = 63
)

const b64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// Indexed is a signature tagged with the index of the key that made it.
type Indexed struct {
	Index int    // Index is the signer's position in the key list
	Sig   []byte // Sig is the raw Ed25519 signature
}

// SignIndexed signs data and tags the signature with index.
func SignIndexed(s Signer, index int, data []byte) Indexed {
	return Indexed{Index: index, Sig: s.Sign(data)}
}

// String renders the signature as A<index><signature>.
func (s Indexed) String() string {
	if s.Index < 0 || s.Index > maxIndex {
		panic(fmt.Sprintf("signature index %d out of range", s.Index))
	}

	return said.EncodePrimitive("A"+string(b64Alphabet[s.Index]), s.Sig)
}

// Couple is a witness receipt: the witness prefix and its signature.
type Couple struct {
	Witness string // Witness is the non-transferable witness prefix
	Sig     []byte // Sig is the raw Ed25519 signature
}

// String renders the couple as the witness prefix followed by 0B<signature>.
func (c Couple) String() string {
	return c.Witness + said.EncodePrimitive(codeReceiptSig, c.Sig)
}

// Verify checks the couple's signature over data against its own prefix.
func (c Couple) Verify(data []byte) error {
	if !strings.HasPrefix(c.Witness, CodeNonTransferable) {
		return fmt.Errorf("%w: witness %s is not a non-transferable prefix", ErrVerificationFailed, c.Witness)
	}

	key, err := ParsePrefix(c.Witness)
	if err != nil {
		return err
	}

	if !ed25519.Verify(key, data, c.Sig) {
		return fmt.Errorf("%w: receipt from %s", ErrVerificationFailed, c.Witness)
	}

	return nil
}

// Seal pins signatures to the signer's establishment event.
type Seal struct {
	Sn     uint64 // Sn is the sequence number of the establishment event
	Digest string // Digest is the establishment event's digest
}

// Attachment is the parsed content of an attached signature stream.
type Attachment struct {
	Seal     *Seal     // Seal is set when signatures are pinned to a key event
	Sigs     []Indexed // Sigs are controller signatures
	Receipts []Couple  // Receipts are witness receipt couples
}

// Encode renders the attachment stream.
func (a Attachment) Encode() string {
	var b strings.Builder

	if a.Seal != nil {
		b.WriteString(groupSeal)
		b.WriteString(encodeCount(1))
		b.WriteString(encodeSeqNum(a.Seal.Sn))
		b.WriteString(a.Seal.Digest)
	}

	if len(a.Sigs) > 0 {
		b.WriteString(groupIndexed)
		b.WriteString(encodeCount(len(a.Sigs)))

		for _, s := range a.Sigs {
			b.WriteString(s.String())
		}
	}

	if len(a.Receipts) > 0 {
		b.WriteString(groupCouples)
		b.WriteString(encodeCount(len(a.Receipts)))

		for _, c := range a.Receipts {
			b.WriteString(c.String())
		}
	}

	return b.String()
}

// ParseAttachment parses an attachment stream. Groups may appear in any
// order but a seal group must be followed by an indexed signature group.
func ParseAttachment(stream string) (Attachment, error) {
	var att Attachment

	p := &parser{s: stream}

	for !p.done() {
		code, err := p.take(2)
		if err != nil {
			return att, err
		}

		count, err := p.count()
		if err != nil {
			return att, err
		}

		switch code {
		case groupIndexed:
			sigs, err := p.indexed(count)
			if err != nil {
				return att, err
			}
			att.Sigs = append(att.Sigs, sigs...)

		case groupCouples:
			couples, err := p.couples(count)
			if err != nil {
				return att, err
			}
			att.Receipts = append(att.Receipts, couples...)

		case groupSeal:
			if count != 1 || att.Seal != nil {
				return att, fmt.Errorf("%w: only one establishment seal is supported", said.ErrFormat)
			}

			seal, err := p.seal()
			if err != nil {
				return att, err
			}
			att.Seal = seal

			if !strings.HasPrefix(p.rest(), groupIndexed) {
				return att, fmt.Errorf("%w: seal group without signatures", said.ErrFormat)
			}

		default:
			return att, fmt.Errorf("%w: unknown group code %q", said.ErrFormat, code)
		}
	}

	return att, nil
}

// parser walks an attachment stream.
type parser struct {
	s   string
	pos int
}

func (p *parser) done() bool { return p.pos >= len(p.s) }

func (p *parser) rest() string { return p.s[p.pos:] }

func (p *parser) take(n int) (string, error) {
	if p.pos+n > len(p.s) {
		return "", fmt.Errorf("%w: attachment truncated at %d", said.ErrFormat, p.pos)
	}

	out := p.s[p.pos : p.pos+n]
	p.pos += n

	return out, nil
}

func (p *parser) count() (int, error) {
	text, err := p.take(countLength)
	if err != nil {
		return 0, err
	}

	n, err := decodeCount(text)
	if err != nil {
		return 0, err
	}

	if n == 0 {
		return 0, fmt.Errorf("%w: empty group", said.ErrFormat)
	}

	return n, nil
}

func (p *parser) indexed(count int) ([]Indexed, error) {
	sigs := make([]Indexed, 0, count)

	for range count {
		text, err := p.take(sigTextLength)
		if err != nil {
			return nil, err
		}

		if text[0] != 'A' {
			return nil, fmt.Errorf("%w: unsupported signature code %q", said.ErrFormat, text[:2])
		}

		index := strings.IndexByte(b64Alphabet, text[1])
		if index < 0 {
			return nil, fmt.Errorf("%w: invalid signature index %q", said.ErrFormat, text[1])
		}

		raw, err := said.DecodePrimitive(text, 2, ed25519.SignatureSize)
		if err != nil {
			return nil, err
		}

		sigs = append(sigs, Indexed{Index: index, Sig: raw})
	}

	return sigs, nil
}

func (p *parser) couples(count int) ([]Couple, error) {
	couples := make([]Couple, 0, count)

	for range count {
		prefix, err := p.take(PrefixLength)
		if err != nil {
			return nil, err
		}

		if _, err := ParsePrefix(prefix); err != nil {
			return nil, err
		}

		text, err := p.take(sigTextLength)
		if err != nil {
			return nil, err
		}

		if text[:2] != codeReceiptSig {
			return nil, fmt.Errorf("%w: unsupported receipt code %q", said.ErrFormat, text[:2])
		}

		raw, err := said.DecodePrimitive(text, 2, ed25519.SignatureSize)
		if err != nil {
			return nil, err
		}

		couples = append(couples, Couple{Witness: prefix, Sig: raw})
	}

	return couples, nil
}

func (p *parser) seal() (*Seal, error) {
	snText, err := p.take(seqNumTextLength)
	if err != nil {
		return nil, err
	}

	sn, err := decodeSeqNum(snText)
	if err != nil {
		return nil, err
	}

	digest, err := p.take(said.DigestLength)
	if err != nil {
		return nil, err
	}

	if _, err := said.CodeOf(digest); err != nil {
		return nil, err
	}

	return &Seal{Sn: sn, Digest: digest}, nil
}

// encodeCount renders n as two base64 characters.
func encodeCount(n int) string {
	if n < 0 || n >= maxCount {
		panic(fmt.Sprintf("attachment count %d out of range", n))
	}

	return string([]byte{b64Alphabet[n/64], b64Alphabet[n%64]})
}

func decodeCount(text string) (int, error) {
	hi := strings.IndexByte(b64Alphabet, text[0])
	lo := strings.IndexByte(b64Alphabet, text[1])

	if hi < 0 || lo < 0 {
		return 0, fmt.Errorf("%w: invalid count %q", said.ErrFormat, text)
	}

	return hi*64 + lo, nil
}

// encodeSeqNum renders sn as a 128-bit number primitive.
func encodeSeqNum(sn uint64) string {
	var raw [16]byte
	binary.BigEndian.PutUint64(raw[8:], sn)

	return said.EncodePrimitive(codeSeqNum, raw[:])
}

func decodeSeqNum(text string) (uint64, error) {
	if text[:2] != codeSeqNum {
		return 0, fmt.Errorf("%w: unsupported number code %q", said.ErrFormat, text[:2])
	}

	raw, err := said.DecodePrimitive(text, 2, 16)
	if err != nil {
		return 0, err
	}

	if binary.BigEndian.Uint64(raw[:8]) != 0 {
		return 0, fmt.Errorf("%w: sequence number overflows 64 bits", said.ErrFormat)
	}

	return binary.BigEndian.Uint64(raw[8:]), nil
}
