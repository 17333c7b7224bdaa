// Package input loads the participant's private benchmark values. The JSON
// values are validated textually, never through binary floating point, so
// the two-fractional-digit rule is exact.
package input

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/luxfi/benchmark/pkg/math/fixed"
)

// BadInputError identifies the offending key and why it was rejected.
type BadInputError struct {
	Key    string
	Reason string
}

func (e *BadInputError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("bad input: %s", e.Reason)
	}
	return fmt.Sprintf("bad input: key %q: %s", e.Key, e.Reason)
}

// Load reads a JSON object of key -> number and returns the values in
// hundredths.
func Load(path string) (map[string]*big.Int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) (map[string]*big.Int, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, &BadInputError{Reason: fmt.Sprintf("not a JSON object of numbers: %v", err)}
	}
	if err := expectEOF(dec); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &BadInputError{Reason: "no keys"}
	}

	out := make(map[string]*big.Int, len(raw))
	for key, value := range raw {
		// Only bare JSON numbers qualify; quoted strings, null, booleans,
		// arrays and objects are rejected before any textual parsing.
		text := strings.TrimSpace(string(value))
		if text == "" || (text[0] != '-' && (text[0] < '0' || text[0] > '9')) {
			return nil, &BadInputError{Key: key, Reason: "value is not a JSON number"}
		}
		num := json.Number(text)
		if strings.ContainsAny(num.String(), "eE") {
			return nil, &BadInputError{Key: key, Reason: "exponent notation is not allowed"}
		}
		v, err := fixed.Parse(num.String())
		if err != nil {
			return nil, &BadInputError{Key: key, Reason: err.Error()}
		}
		if _, err := fixed.Encode(v); err != nil {
			return nil, &BadInputError{Key: key, Reason: err.Error()}
		}
		out[key] = v
	}
	return out, nil
}

func expectEOF(dec *json.Decoder) error {
	if _, err := dec.Token(); err != io.EOF {
		return &BadInputError{Reason: "trailing data after object"}
	}
	return nil
}
