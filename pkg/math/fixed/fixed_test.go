package fixed

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/benchmark/pkg/math/field"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"100", 10000},
		{"1234.56", 123456},
		{"1000", 100000},
		{"-10", -1000},
		{"-0.5", -50},
		{"0.05", 5},
		{"+3.1", 310},
		{"42.00", 4200},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Int64())
		})
	}
}

func TestParseRejects(t *testing.T) {
	bad := []string{"", ".", "1.", ".5", "1.234", "1e3", "0x10", "--1", "1.2.3", "abc", "-", "1,5"}
	for _, s := range bad {
		t.Run(s, func(t *testing.T) {
			_, err := Parse(s)
			assert.Error(t, err)
		})
	}
}

func TestParsePrecisionError(t *testing.T) {
	_, err := Parse("3.141")
	assert.ErrorIs(t, err, ErrPrecision)
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{20000, "200"},
		{74485, "744.85"},
		{167, "1.67"},
		{-1000, "-10"},
		{-50, "-0.5"},
		{310, "3.1"},
		{5, "0.05"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Format(big.NewInt(tc.in)), "hundredths %d", tc.in)
	}
}

func encode(t *testing.T, s string) field.Element {
	t.Helper()
	h, err := Parse(s)
	require.NoError(t, err)
	e, err := Encode(h)
	require.NoError(t, err)
	return e
}

func TestDecodeAverage(t *testing.T) {
	cases := []struct {
		name   string
		inputs []string
		want   string
	}{
		{"integers", []string{"100", "200", "300"}, "200"},
		{"decimals", []string{"1234.56", "1000", "0"}, "744.85"},
		{"negatives", []string{"-10", "20", "-5"}, "1.67"},
		{"all negative", []string{"-1", "-2", "-3"}, "-2"},
		{"below half rounds toward zero", []string{"0", "0", "1"}, "0.33"},
		{"rounds away from zero negative", []string{"0", "0", "-0.05"}, "-0.02"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sum := field.Zero()
			for _, in := range tc.inputs {
				sum = sum.Add(encode(t, in))
			}
			assert.Equal(t, tc.want, DecodeAverage(sum, len(tc.inputs)))
		})
	}
}
