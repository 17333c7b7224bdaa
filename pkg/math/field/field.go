// Package field implements arithmetic in the prime field used for share
// exchange. The modulus is the Mersenne prime P = 2^127 - 1, which leaves
// ample headroom for sums of scaled inputs across any realistic group size.
package field

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cronokirby/saferith"
)

// Size is the length of the fixed big-endian encoding of an element.
const Size = 16

var (
	// ErrOutOfRange indicates an integer that does not fit the embeddable
	// range [-P/2, P/2).
	ErrOutOfRange = errors.New("field: value out of range")

	// ErrInvalidEncoding indicates an encoding that is not a canonical
	// 16-byte representative below P.
	ErrInvalidEncoding = errors.New("field: invalid element encoding")
)

// p = 2^127 - 1.
var p = func() *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), 127)
	return v.Sub(v, big.NewInt(1))
}()

// halfP = (P-1)/2, the largest positive embeddable magnitude.
var halfP = new(big.Int).Rsh(p, 1)

var modulus = saferith.ModulusFromBytes(p.Bytes())

// Element is a value in GF(P). The zero value is the field's zero.
type Element struct {
	n *saferith.Nat
}

func wrap(n *saferith.Nat) Element {
	return Element{n: n}
}

func (e Element) nat() *saferith.Nat {
	if e.n == nil {
		return new(saferith.Nat).SetUint64(0)
	}
	return e.n
}

// Zero returns the additive identity.
func Zero() Element {
	return wrap(new(saferith.Nat).SetUint64(0))
}

// FromUint64 embeds a small non-negative integer.
func FromUint64(v uint64) Element {
	return wrap(new(saferith.Nat).SetUint64(v))
}

// FromInt embeds a signed integer with the usual v mod P convention.
// Values outside [-P/2, P/2) are rejected so that Centered can invert the
// embedding unambiguously.
func FromInt(v *big.Int) (Element, error) {
	if v.CmpAbs(halfP) > 0 {
		return Element{}, fmt.Errorf("%w: %s", ErrOutOfRange, v)
	}
	r := new(big.Int).Mod(v, p)
	return wrap(new(saferith.Nat).SetBytes(r.Bytes())), nil
}

// FromBytes decodes a canonical 16-byte big-endian element.
func FromBytes(buf []byte) (Element, error) {
	if len(buf) != Size {
		return Element{}, ErrInvalidEncoding
	}
	v := new(big.Int).SetBytes(buf)
	if v.Cmp(p) >= 0 {
		return Element{}, ErrInvalidEncoding
	}
	return wrap(new(saferith.Nat).SetBytes(buf)), nil
}

// Bytes returns the fixed 16-byte big-endian encoding.
func (e Element) Bytes() [Size]byte {
	var out [Size]byte
	e.nat().Big().FillBytes(out[:])
	return out
}

// Add returns e + o mod P.
func (e Element) Add(o Element) Element {
	return wrap(new(saferith.Nat).ModAdd(e.nat(), o.nat(), modulus))
}

// Sub returns e - o mod P.
func (e Element) Sub(o Element) Element {
	return wrap(new(saferith.Nat).ModSub(e.nat(), o.nat(), modulus))
}

// Neg returns -e mod P.
func (e Element) Neg() Element {
	return wrap(new(saferith.Nat).ModNeg(e.nat(), modulus))
}

// Equal reports whether both elements represent the same field value.
func (e Element) Equal(o Element) bool {
	return e.nat().Eq(o.nat()) == 1
}

// IsZero reports whether e is the additive identity.
func (e Element) IsZero() bool {
	return e.Equal(Zero())
}

// Centered returns the signed representative of e in (-P/2, P/2].
func (e Element) Centered() *big.Int {
	v := e.nat().Big()
	if v.Cmp(halfP) > 0 {
		v.Sub(v, p)
	}
	return v
}

// Sum adds a slice of elements.
func Sum(elems []Element) Element {
	acc := Zero()
	for _, e := range elems {
		acc = acc.Add(e)
	}
	return acc
}

// Sample draws a uniform element from the given cryptographic source by
// rejection sampling 16-byte candidates below P.
func Sample(rand io.Reader) (Element, error) {
	var buf [Size]byte
	for {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return Element{}, fmt.Errorf("field: sampling failed: %w", err)
		}
		if new(big.Int).SetBytes(buf[:]).Cmp(p) >= 0 {
			continue
		}
		return wrap(new(saferith.Nat).SetBytes(buf[:])), nil
	}
}

func (e Element) String() string {
	return e.nat().Big().String()
}
