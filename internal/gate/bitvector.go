/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gate

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// NumGates is the number of transmission gates (traffic classes) per port.
const NumGates = 8

var (
	// ErrInvalidBitvector is returned when a gate string cannot be parsed.
	ErrInvalidBitvector = errors.New("invalid gate bitvector")

	// ErrInvalidGate is returned for gate indices outside [0, NumGates).
	ErrInvalidGate = errors.New("invalid gate index")
)

// Bitvector holds the open (1) or closed (0) state of all gates of a port.
// Gate i is bit i.
type Bitvector uint8

const (
	AllClosed Bitvector = 0
	AllOpen   Bitvector = 0xff
)

// ParseBitvector parses strings such as "10110000". The leftmost character
// is gate 0. Strings shorter than NumGates leave the remaining gates closed.
func ParseBitvector(s string) (Bitvector, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > NumGates {
		return 0, fmt.Errorf("%w: %q must have 1 to %d characters", ErrInvalidBitvector, s, NumGates)
	}
	var b Bitvector
	for i, ch := range s {
		switch ch {
		case '1':
			b |= 1 << i
		case '0':
		default:
			return 0, fmt.Errorf("%w: %q has %q at position %d", ErrInvalidBitvector, s, ch, i)
		}
	}
	return b, nil
}

// Test reports whether gate i is open. Out of range indices are closed.
func (b Bitvector) Test(i int) bool {
	if i < 0 || i >= NumGates {
		return false
	}
	return b&(1<<i) != 0
}

// Set returns a copy of b with gate i opened or closed.
func (b Bitvector) Set(i int, open bool) Bitvector {
	if i < 0 || i >= NumGates {
		return b
	}
	if open {
		return b | 1<<i
	}
	return b &^ (1 << i)
}

// Open returns the number of open gates.
func (b Bitvector) Open() int {
	n := 0
	for i := 0; i < NumGates; i++ {
		if b.Test(i) {
			n++
		}
	}
	return n
}

func (b Bitvector) String() string {
	var sb strings.Builder
	sb.Grow(NumGates)
	for i := 0; i < NumGates; i++ {
		if b.Test(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler.
func (b Bitvector) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *Bitvector) UnmarshalText(text []byte) error {
	v, err := ParseBitvector(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b Bitvector) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Gate strings made only of
// digits must be quoted or yaml reads them as integers; both forms are
// accepted.
func (b *Bitvector) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: line %d: expected a string", ErrInvalidBitvector, value.Line)
	}
	v, err := ParseBitvector(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = v
	return nil
}
