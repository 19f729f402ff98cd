package keydom

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Variable-length columns are escaped so that a byte-wise comparison of the
// encoded form matches the logical column order:
//   - a literal 0x00 in the value is written as 0x00 0xFF
//   - every column ends with the terminator 0x00 0x01
//
// The terminator sorts below any escaped content, so a value that is a
// proper prefix of another sorts first. Because every column carries a
// terminator, no real key encodes to zero bytes; the empty key is reserved
// for null.
const (
	escByte  = 0x00
	escLit   = 0xFF
	escTerm  = 0x01
	termSize = 2
)

// AppendInt64 appends the order-preserving encoding of v: 8 bytes
// big-endian with the sign bit flipped.
func AppendInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return append(dst, b[:]...)
}

// DecodeInt64 reads an int64 column encoded by AppendInt64.
func DecodeInt64(buf []byte) (int64, error) {
	if len(buf) < 8 {
		return 0, ErrTruncatedKey
	}
	return int64(binary.BigEndian.Uint64(buf[:8]) ^ (1 << 63)), nil
}

// AppendFloat64 appends the order-preserving encoding of v: the IEEE bits
// with all bits flipped for negatives and only the sign bit flipped for
// positives, written big-endian.
func AppendFloat64(dst []byte, v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return append(dst, b[:]...)
}

// DecodeFloat64 reads a float64 column encoded by AppendFloat64.
func DecodeFloat64(buf []byte) (float64, error) {
	if len(buf) < 8 {
		return 0, ErrTruncatedKey
	}
	bits := binary.BigEndian.Uint64(buf[:8])
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}

// AppendString appends the escaped, terminated encoding of s.
func AppendString(dst []byte, s string) []byte {
	return AppendBytes(dst, []byte(s))
}

// AppendBytes appends the escaped, terminated encoding of v.
func AppendBytes(dst []byte, v []byte) []byte {
	for _, b := range v {
		if b == escByte {
			dst = append(dst, escByte, escLit)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, escByte, escTerm)
}

// DecodeBytes reads one escaped column, returning the value and the number
// of encoded bytes consumed (terminator included).
func DecodeBytes(buf []byte) ([]byte, int, error) {
	out := make([]byte, 0, len(buf))
	i := 0
	for i < len(buf) {
		b := buf[i]
		if b != escByte {
			out = append(out, b)
			i++
			continue
		}
		if i+1 >= len(buf) {
			return nil, 0, ErrTruncatedKey
		}
		switch buf[i+1] {
		case escLit:
			out = append(out, escByte)
			i += 2
		case escTerm:
			return out, i + 2, nil
		default:
			return nil, 0, errors.Wrapf(ErrBadEncoding, "escape byte 0x%02x", buf[i+1])
		}
	}
	return nil, 0, ErrTruncatedKey
}

// Build encodes one value per domain column into a key. Accepted value
// types per column: string for TypeString, int64/int for TypeInt64,
// float64 for TypeFloat64, []byte for TypeBytes.
func (d Domain) Build(vals ...interface{}) ([]byte, error) {
	if len(vals) != len(d.Cols) {
		return nil, errors.Wrapf(ErrValueCount, "got %d values for %d columns", len(vals), len(d.Cols))
	}
	key := make([]byte, 0, 16*len(vals))
	for i, v := range vals {
		switch d.Cols[i] {
		case TypeString:
			s, ok := v.(string)
			if !ok {
				return nil, errors.Wrapf(ErrValueType, "column %d wants string, got %T", i, v)
			}
			key = AppendString(key, s)
		case TypeInt64:
			switch n := v.(type) {
			case int64:
				key = AppendInt64(key, n)
			case int:
				key = AppendInt64(key, int64(n))
			default:
				return nil, errors.Wrapf(ErrValueType, "column %d wants int64, got %T", i, v)
			}
		case TypeFloat64:
			f, ok := v.(float64)
			if !ok {
				return nil, errors.Wrapf(ErrValueType, "column %d wants float64, got %T", i, v)
			}
			key = AppendFloat64(key, f)
		case TypeBytes:
			b, ok := v.([]byte)
			if !ok {
				return nil, errors.Wrapf(ErrValueType, "column %d wants []byte, got %T", i, v)
			}
			key = AppendBytes(key, b)
		default:
			return nil, ErrUnknownType
		}
	}
	return key, nil
}

// Decode splits an encoded key back into one value per column.
func (d Domain) Decode(key []byte) ([]interface{}, error) {
	vals := make([]interface{}, 0, len(d.Cols))
	off := 0
	for i, c := range d.Cols {
		switch c {
		case TypeInt64:
			v, err := DecodeInt64(key[off:])
			if err != nil {
				return nil, errors.Wrapf(err, "column %d", i)
			}
			vals = append(vals, v)
			off += 8
		case TypeFloat64:
			v, err := DecodeFloat64(key[off:])
			if err != nil {
				return nil, errors.Wrapf(err, "column %d", i)
			}
			vals = append(vals, v)
			off += 8
		case TypeString:
			v, n, err := DecodeBytes(key[off:])
			if err != nil {
				return nil, errors.Wrapf(err, "column %d", i)
			}
			vals = append(vals, string(v))
			off += n
		case TypeBytes:
			v, n, err := DecodeBytes(key[off:])
			if err != nil {
				return nil, errors.Wrapf(err, "column %d", i)
			}
			vals = append(vals, v)
			off += n
		default:
			return nil, ErrUnknownType
		}
	}
	return vals, nil
}
