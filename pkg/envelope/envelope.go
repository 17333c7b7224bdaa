// Package envelope frames one share for one recipient: encrypted to the
// recipient's session key, signed by the sender's session key. Keys live for
// a single session and are never written out.
package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/luxfi/benchmark/pkg/math/field"
	"github.com/luxfi/benchmark/pkg/party"
)

// ErrInvalidEnvelope covers every verification or decryption failure; the
// receiver cannot distinguish tampering from misdelivery and must not try.
var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

// NonceSize is the AEAD nonce length.
const NonceSize = chacha20poly1305.NonceSize

const keyInfo = "sine-benchmark/v1 envelope key"

// Identity is the per-session key material of the local participant: an
// Ed25519 signing pair and an X25519 box pair, bound together by the Hello
// record. The fingerprint covers the signing key, which signs every
// envelope, so the box key is attested transitively.
type Identity struct {
	ID       party.ID
	SignKey  ed25519.PublicKey
	BoxKey   [party.BoxKeySize]byte
	signPriv ed25519.PrivateKey
	boxPriv  [party.BoxKeySize]byte
}

// NewIdentity generates fresh session keys from the given cryptographic
// source.
func NewIdentity(rand io.Reader) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("envelope: signing key generation: %w", err)
	}
	id := &Identity{
		ID:       party.Fingerprint(pub),
		SignKey:  pub,
		signPriv: priv,
	}
	if _, err := io.ReadFull(rand, id.boxPriv[:]); err != nil {
		return nil, fmt.Errorf("envelope: box key generation: %w", err)
	}
	boxPub, err := curve25519.X25519(id.boxPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("envelope: box key generation: %w", err)
	}
	copy(id.BoxKey[:], boxPub)
	return id, nil
}

// Participant returns the local roster entry for this identity.
func (id *Identity) Participant(name, peer string) party.Participant {
	return party.Participant{
		ID:      id.ID,
		SignKey: id.SignKey,
		BoxKey:  id.BoxKey,
		Name:    name,
		Peer:    peer,
	}
}

// Sign signs an arbitrary message under the session signing key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.signPriv, msg)
}

// Envelope carries one encrypted share. Ciphertext is the ephemeral X25519
// public key followed by the AEAD output; Signature covers
// recipient fingerprint || ciphertext || nonce.
type Envelope struct {
	Sender     party.ID
	Recipient  party.ID
	Nonce      [NonceSize]byte
	Ciphertext []byte
	Signature  []byte
}

// Seal encrypts value for the recipient and signs the result.
func Seal(value field.Element, recipient party.Participant, id *Identity, rand io.Reader) (*Envelope, error) {
	var ephPriv [party.BoxKeySize]byte
	if _, err := io.ReadFull(rand, ephPriv[:]); err != nil {
		return nil, fmt.Errorf("envelope: ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("envelope: ephemeral key: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv[:], recipient.BoxKey[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: key agreement: %w", err)
	}
	aead, err := chacha20poly1305.New(deriveKey(shared, ephPub, recipient.BoxKey[:]))
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Sender:    id.ID,
		Recipient: recipient.ID,
	}
	if _, err := io.ReadFull(rand, env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}
	plain := value.Bytes()
	env.Ciphertext = append(append([]byte(nil), ephPub...), aead.Seal(nil, env.Nonce[:], plain[:], nil)...)
	env.Signature = id.Sign(signedBytes(env))
	return env, nil
}

// Open verifies the sender's signature and decrypts the share. The envelope
// must be addressed to the local identity.
func Open(env *Envelope, id *Identity, sender party.Participant) (field.Element, error) {
	if env.Sender != sender.ID || env.Recipient != id.ID {
		return field.Element{}, ErrInvalidEnvelope
	}
	if !ed25519.Verify(sender.SignKey, signedBytes(env), env.Signature) {
		return field.Element{}, ErrInvalidEnvelope
	}
	if len(env.Ciphertext) <= party.BoxKeySize {
		return field.Element{}, ErrInvalidEnvelope
	}
	ephPub := env.Ciphertext[:party.BoxKeySize]
	shared, err := curve25519.X25519(id.boxPriv[:], ephPub)
	if err != nil {
		return field.Element{}, ErrInvalidEnvelope
	}
	aead, err := chacha20poly1305.New(deriveKey(shared, ephPub, id.BoxKey[:]))
	if err != nil {
		return field.Element{}, ErrInvalidEnvelope
	}
	plain, err := aead.Open(nil, env.Nonce[:], env.Ciphertext[party.BoxKeySize:], nil)
	if err != nil {
		return field.Element{}, ErrInvalidEnvelope
	}
	elem, err := field.FromBytes(plain)
	if err != nil {
		return field.Element{}, ErrInvalidEnvelope
	}
	return elem, nil
}

func signedBytes(env *Envelope) []byte {
	fp, _ := env.Recipient.Bytes()
	buf := make([]byte, 0, len(fp)+len(env.Ciphertext)+NonceSize)
	buf = append(buf, fp[:]...)
	buf = append(buf, env.Ciphertext...)
	return append(buf, env.Nonce[:]...)
}

func deriveKey(shared, ephPub, recipientBox []byte) []byte {
	info := make([]byte, 0, len(keyInfo)+2*party.BoxKeySize)
	info = append(info, keyInfo...)
	info = append(info, ephPub...)
	info = append(info, recipientBox...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		panic(err)
	}
	return key
}
