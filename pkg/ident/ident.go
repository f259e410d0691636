// Package ident implements the 128-bit metric identifier.
package ident

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrInvalidIdentifier is returned for values outside [0, 2^128) or
// unparseable identifier strings.
var ErrInvalidIdentifier = errors.New("invalid identifier")

var maxID = new(big.Int).Lsh(big.NewInt(1), 128)

// ID is an unsigned 128-bit integer stored big-endian.
type ID [16]byte

// Zero is the identifier 0. It is valid but never generated by New.
var Zero ID

// New returns a random identifier.
func New() ID {
	return ID(uuid.New())
}

// FromBig validates that n lies in [0, 2^128) and converts it.
func FromBig(n *big.Int) (ID, error) {
	if n == nil || n.Sign() < 0 || n.Cmp(maxID) >= 0 {
		return Zero, errors.Wrapf(ErrInvalidIdentifier, "%v out of range", n)
	}
	var id ID
	n.FillBytes(id[:])
	return id, nil
}

// FromUint64 builds an identifier from its high and low halves.
func FromUint64(hi, lo uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[0:8], hi)
	binary.BigEndian.PutUint64(id[8:16], lo)
	return id
}

// Parse accepts a decimal integer, the dashed uuid form or 0x prefixed hex.
// Strings made only of digits are always read as decimal.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, errors.Wrap(ErrInvalidIdentifier, "empty")
	}

	if isDecimal(s) {
		n, _ := new(big.Int).SetString(s, 10)
		return FromBig(n)
	}

	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		n, ok := new(big.Int).SetString(lower[2:], 16)
		if !ok {
			return Zero, errors.Wrapf(ErrInvalidIdentifier, "%q", s)
		}
		return FromBig(n)
	}

	// uuid.Parse also takes undashed hex, which would shadow decimal ids
	if len(s) == 36 && s[8] == '-' {
		if u, err := uuid.Parse(s); err == nil {
			return ID(u), nil
		}
	}
	return Zero, errors.Wrapf(ErrInvalidIdentifier, "%q", s)
}

func isDecimal(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// MustParse is Parse for literals in tests and fixtures.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Big returns the identifier as an integer.
func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// Words splits the identifier into four unsigned 32-bit words, most
// significant first.
func (id ID) Words() [4]uint32 {
	return [4]uint32{
		binary.BigEndian.Uint32(id[0:4]),
		binary.BigEndian.Uint32(id[4:8]),
		binary.BigEndian.Uint32(id[8:12]),
		binary.BigEndian.Uint32(id[12:16]),
	}
}

// FromWords reverses Words.
func FromWords(w [4]uint32) ID {
	var id ID
	binary.BigEndian.PutUint32(id[0:4], w[0])
	binary.BigEndian.PutUint32(id[4:8], w[1])
	binary.BigEndian.PutUint32(id[8:12], w[2])
	binary.BigEndian.PutUint32(id[12:16], w[3])
	return id
}

// String renders the identifier in uuid form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero identifier.
func (id ID) IsZero() bool {
	return id == Zero
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
