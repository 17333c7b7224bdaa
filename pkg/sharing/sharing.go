// Package sharing implements additive secret sharing over the prime field.
// A secret is split into a locally kept residual plus n-1 uniform shares;
// the sum of a participant's residual and the shares it received is uniform
// conditioned on the group total, which is what makes it publishable.
package sharing

import (
	"errors"
	"io"

	"github.com/luxfi/benchmark/pkg/math/field"
)

// ErrTooFewParties indicates a split over fewer than two parties.
var ErrTooFewParties = errors.New("sharing: need at least two parties")

// Split divides secret among n parties. It returns the residual the dealer
// keeps and n-1 shares drawn uniformly from the field, such that the
// residual plus the shares sums to the secret.
func Split(secret field.Element, n int, rand io.Reader) (field.Element, []field.Element, error) {
	if n < 2 {
		return field.Element{}, nil, ErrTooFewParties
	}
	shares := make([]field.Element, n-1)
	residual := secret
	for i := range shares {
		s, err := field.Sample(rand)
		if err != nil {
			return field.Element{}, nil, err
		}
		shares[i] = s
		residual = residual.Sub(s)
	}
	return residual, shares, nil
}

// PartialSum combines the dealer's residual with the shares received from
// the other parties.
func PartialSum(residual field.Element, received []field.Element) field.Element {
	return residual.Add(field.Sum(received))
}
