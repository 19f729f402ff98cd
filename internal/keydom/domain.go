// Package keydom defines key domains for Tern indexes: typed multi-column
// key layouts, order-preserving encodings, and comparison.
package keydom

import (
	"errors"
	"fmt"
)

// Type identifies the value type of a single key column.
type Type uint8

const (
	// TypeString is a variable-length character column.
	TypeString Type = iota + 1
	// TypeInt64 is a signed 64-bit integer column.
	TypeInt64
	// TypeFloat64 is an IEEE 754 double column.
	TypeFloat64
	// TypeBytes is a variable-length binary column.
	TypeBytes
)

// String returns the string representation of a Type.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Fixed returns the encoded size of a fixed-width column, or -1 for
// variable-length columns.
func (t Type) Fixed() int {
	switch t {
	case TypeInt64, TypeFloat64:
		return 8
	default:
		return -1
	}
}

// Valid reports whether t is a known column type.
func (t Type) Valid() bool {
	return t >= TypeString && t <= TypeBytes
}

// Errors for domain operations.
var (
	ErrEmptyDomain  = errors.New("domain has no columns")
	ErrTooManyCols  = errors.New("domain exceeds maximum column count")
	ErrUnknownType  = errors.New("unknown column type")
	ErrBadEncoding  = errors.New("malformed domain encoding")
	ErrValueCount   = errors.New("value count does not match domain columns")
	ErrValueType    = errors.New("value type does not match column type")
	ErrTruncatedKey = errors.New("key is shorter than its domain requires")
)

// MaxColumns is the maximum number of columns in a key domain.
const MaxColumns = 16

// Domain describes the key layout of one index: an ordered list of column
// types plus an optional whole-key reverse flag. A nil or empty encoded key
// represents the null key, which is counted in statistics but never stored
// in the tree.
type Domain struct {
	Cols    []Type
	Reverse bool
}

// NewDomain builds a Domain from column types.
func NewDomain(cols ...Type) Domain {
	return Domain{Cols: cols}
}

// Validate checks the domain for structural problems.
func (d Domain) Validate() error {
	if len(d.Cols) == 0 {
		return ErrEmptyDomain
	}
	if len(d.Cols) > MaxColumns {
		return ErrTooManyCols
	}
	for _, c := range d.Cols {
		if !c.Valid() {
			return ErrUnknownType
		}
	}
	return nil
}

// String returns a compact description like "string" or "int64,string desc".
func (d Domain) String() string {
	s := ""
	for i, c := range d.Cols {
		if i > 0 {
			s += ","
		}
		s += c.String()
	}
	if d.Reverse {
		s += " desc"
	}
	return s
}

// StringFamily reports whether shortest-separator prefix compression applies
// to this domain: a single character or binary column in ascending order.
func (d Domain) StringFamily() bool {
	if d.Reverse || len(d.Cols) != 1 {
		return false
	}
	return d.Cols[0] == TypeString || d.Cols[0] == TypeBytes
}

// IsNull reports whether the encoded key represents the null key.
func IsNull(key []byte) bool {
	return len(key) == 0
}

// Encoded domain layout:
//   - Byte 0: column count (uint8)
//   - Byte 1: flags (bit 0 = reverse)
//   - Bytes 2..: one Type byte per column
const domainFlagReverse = 0x01

// Encode serializes the domain for storage in a root header.
func (d Domain) Encode() []byte {
	buf := make([]byte, 2+len(d.Cols))
	buf[0] = byte(len(d.Cols))
	if d.Reverse {
		buf[1] |= domainFlagReverse
	}
	for i, c := range d.Cols {
		buf[2+i] = byte(c)
	}
	return buf
}

// DecodeDomain deserializes a domain produced by Encode.
func DecodeDomain(buf []byte) (Domain, error) {
	if len(buf) < 2 {
		return Domain{}, ErrBadEncoding
	}
	n := int(buf[0])
	if n == 0 || n > MaxColumns || len(buf) < 2+n {
		return Domain{}, ErrBadEncoding
	}
	d := Domain{
		Cols:    make([]Type, n),
		Reverse: buf[1]&domainFlagReverse != 0,
	}
	for i := 0; i < n; i++ {
		d.Cols[i] = Type(buf[2+i])
		if !d.Cols[i].Valid() {
			return Domain{}, fmt.Errorf("%w: column %d has type byte 0x%02x", ErrBadEncoding, i, buf[2+i])
		}
	}
	return d, nil
}
