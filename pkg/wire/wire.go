// Package wire frames the protocol messages carried on the session topic.
// The layout is a stability contract between peers: one tag byte followed by
// the body, big-endian integers, uint16-length-prefixed UTF-8 strings,
// uint32-length-prefixed byte blobs and fixed 16-byte field elements. The
// roster hash is computed over the same entry serialization StartVote
// carries, so changing this layout is a protocol break.
package wire

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/luxfi/benchmark/pkg/envelope"
	"github.com/luxfi/benchmark/pkg/math/field"
	"github.com/luxfi/benchmark/pkg/party"
)

// Message tags, byte 0 of every frame. The topic name carries the protocol
// version; tag values are scoped to it.
const (
	TagHello     byte = 0x01
	TagStartVote byte = 0x02
	TagAck       byte = 0x03
	TagNack      byte = 0x04
	TagShare     byte = 0x05
	TagSum       byte = 0x06
	TagAbort     byte = 0x07
)

var (
	// ErrUnknownTag indicates an unrecognized frame tag.
	ErrUnknownTag = errors.New("wire: unknown message tag")

	// ErrTruncated indicates a frame shorter than its layout requires.
	ErrTruncated = errors.New("wire: truncated message")

	// ErrTrailingBytes indicates data after a complete body.
	ErrTrailingBytes = errors.New("wire: trailing bytes")
)

// Message is one protocol frame.
type Message interface {
	Tag() byte
}

// Hello announces a participant's session identity. It is broadcast on
// subscribe and again whenever a new peer joins the topic.
type Hello struct {
	Fingerprint party.ID
	SignKey     ed25519.PublicKey
	BoxKey      [party.BoxKeySize]byte
	Name        string
}

// StartVote freezes the roster. Leader only.
type StartVote struct {
	RosterHash [sha256.Size]byte
	Entries    []party.Participant
}

// Ack confirms the roster presented by StartVote.
type Ack struct {
	RosterHash [sha256.Size]byte
}

// Nack rejects the roster presented by StartVote.
type Nack struct {
	RosterHash [sha256.Size]byte
	Reason     string
}

// Share carries one sealed (key, share) pair for one recipient.
type Share struct {
	Key string
	Env envelope.Envelope
}

// Sum publishes a participant's per-key partial sums.
type Sum struct {
	Partials map[string]field.Element
}

// Abort terminates the session for every receiver in the roster.
type Abort struct {
	Reason string
	Detail string
}

func (Hello) Tag() byte     { return TagHello }
func (StartVote) Tag() byte { return TagStartVote }
func (Ack) Tag() byte       { return TagAck }
func (Nack) Tag() byte      { return TagNack }
func (Share) Tag() byte     { return TagShare }
func (Sum) Tag() byte       { return TagSum }
func (Abort) Tag() byte     { return TagAbort }

// Encode serializes a message into a frame.
func Encode(m Message) ([]byte, error) {
	buf := []byte{m.Tag()}
	var err error
	switch v := m.(type) {
	case Hello:
		buf, err = appendHello(buf, v)
	case StartVote:
		buf, err = appendStartVote(buf, v)
	case Ack:
		buf = append(buf, v.RosterHash[:]...)
	case Nack:
		buf = append(buf, v.RosterHash[:]...)
		buf = appendString(buf, v.Reason)
	case Share:
		buf, err = appendShare(buf, v)
	case Sum:
		buf = appendSum(buf, v)
	case Abort:
		buf = appendString(buf, v.Reason)
		buf = appendString(buf, v.Detail)
	default:
		return nil, fmt.Errorf("wire: cannot encode %T", m)
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses a frame back into a message.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, ErrTruncated
	}
	r := &reader{buf: frame[1:]}
	var m Message
	switch frame[0] {
	case TagHello:
		m = parseHello(r)
	case TagStartVote:
		m = parseStartVote(r)
	case TagAck:
		var a Ack
		r.fixed(a.RosterHash[:])
		m = a
	case TagNack:
		var n Nack
		r.fixed(n.RosterHash[:])
		n.Reason = r.string()
		m = n
	case TagShare:
		m = parseShare(r)
	case TagSum:
		m = parseSum(r)
	case TagAbort:
		m = Abort{Reason: r.string(), Detail: r.string()}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, frame[0])
	}
	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, ErrTrailingBytes
	}
	return m, nil
}

func appendHello(buf []byte, h Hello) ([]byte, error) {
	fp, err := h.Fingerprint.Bytes()
	if err != nil {
		return nil, err
	}
	if len(h.SignKey) != ed25519.PublicKeySize {
		return nil, errors.New("wire: malformed signing key")
	}
	buf = append(buf, fp[:]...)
	buf = append(buf, h.SignKey...)
	buf = append(buf, h.BoxKey[:]...)
	return appendString(buf, h.Name), nil
}

func parseHello(r *reader) Hello {
	var h Hello
	var fp [party.FingerprintSize]byte
	r.fixed(fp[:])
	if id, err := party.IDFromBytes(fp[:]); err == nil {
		h.Fingerprint = id
	}
	h.SignKey = make(ed25519.PublicKey, ed25519.PublicKeySize)
	r.fixed(h.SignKey)
	r.fixed(h.BoxKey[:])
	h.Name = r.string()
	return h
}

func appendStartVote(buf []byte, v StartVote) ([]byte, error) {
	buf = append(buf, v.RosterHash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Entries)))
	var err error
	for i := range v.Entries {
		if buf, err = v.Entries[i].AppendCanonical(buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func parseStartVote(r *reader) StartVote {
	var v StartVote
	r.fixed(v.RosterHash[:])
	n := r.uint32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		p, rest, err := party.ParseCanonical(r.buf)
		if err != nil {
			r.err = fmt.Errorf("%w: %v", ErrTruncated, err)
			return v
		}
		r.buf = rest
		v.Entries = append(v.Entries, p)
	}
	return v
}

func appendShare(buf []byte, s Share) ([]byte, error) {
	buf = appendString(buf, s.Key)
	sfp, err := s.Env.Sender.Bytes()
	if err != nil {
		return nil, err
	}
	rfp, err := s.Env.Recipient.Bytes()
	if err != nil {
		return nil, err
	}
	buf = append(buf, sfp[:]...)
	buf = append(buf, rfp[:]...)
	buf = append(buf, s.Env.Nonce[:]...)
	buf = appendBytes(buf, s.Env.Ciphertext)
	return appendBytes(buf, s.Env.Signature), nil
}

func parseShare(r *reader) Share {
	var s Share
	s.Key = r.string()
	var sfp, rfp [party.FingerprintSize]byte
	r.fixed(sfp[:])
	r.fixed(rfp[:])
	if r.err == nil {
		s.Env.Sender, _ = party.IDFromBytes(sfp[:])
		s.Env.Recipient, _ = party.IDFromBytes(rfp[:])
	}
	r.fixed(s.Env.Nonce[:])
	s.Env.Ciphertext = r.bytes()
	s.Env.Signature = r.bytes()
	return s
}

func appendSum(buf []byte, s Sum) []byte {
	keys := make([]string, 0, len(s.Partials))
	for k := range s.Partials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		b := s.Partials[k].Bytes()
		buf = append(buf, b[:]...)
	}
	return buf
}

func parseSum(r *reader) Sum {
	s := Sum{Partials: make(map[string]field.Element)}
	n := r.uint32()
	for i := uint32(0); i < n && r.err == nil; i++ {
		k := r.string()
		var raw [field.Size]byte
		r.fixed(raw[:])
		if r.err != nil {
			return s
		}
		elem, err := field.FromBytes(raw[:])
		if err != nil {
			r.err = err
			return s
		}
		if _, ok := s.Partials[k]; ok {
			r.err = fmt.Errorf("wire: duplicate sum key %q", k)
			return s
		}
		s.Partials[k] = elem
	}
	return s
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader consumes a frame body, latching the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) fixed(dst []byte) {
	if r.err != nil {
		return
	}
	if len(r.buf) < len(dst) {
		r.err = ErrTruncated
		return
	}
	copy(dst, r.buf[:len(dst)])
	r.buf = r.buf[len(dst):]
}

func (r *reader) uint16() uint16 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 2 {
		r.err = ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf)
	r.buf = r.buf[2:]
	return v
}

func (r *reader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.err = ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) string() string {
	n := int(r.uint16())
	if r.err != nil {
		return ""
	}
	if len(r.buf) < n {
		r.err = ErrTruncated
		return ""
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}

func (r *reader) bytes() []byte {
	n := int(r.uint32())
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrTruncated
		return nil
	}
	b := append([]byte(nil), r.buf[:n]...)
	r.buf = r.buf[n:]
	return b
}
