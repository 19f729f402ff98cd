package keydom

import (
	"bytes"
)

// Compare orders two encoded keys under the domain. The result is negative
// when a sorts before b, zero when equal, positive otherwise. The reverse
// flag inverts the whole-key order.
func (d Domain) Compare(a, b []byte) int {
	cmp, _ := d.ComparePrefix(a, b, 0)
	return cmp
}

// ComparePrefix compares a and b column by column, skipping the first skip
// columns, which the caller asserts to be equal from earlier probes. It
// returns the oriented comparison result and the total number of equal
// leading columns, so binary searches over a sorted page can narrow the
// columns they re-examine.
func (d Domain) ComparePrefix(a, b []byte, skip int) (cmp int, eq int) {
	off := 0
	for c := 0; c < skip && c < len(d.Cols); c++ {
		off = d.columnEnd(a, off, c)
	}

	eq = skip
	offA, offB := off, off
	for c := skip; c < len(d.Cols); c++ {
		endA := d.columnEnd(a, offA, c)
		endB := d.columnEnd(b, offB, c)
		if r := bytes.Compare(a[offA:endA], b[offB:endB]); r != 0 {
			return d.oriented(r), eq
		}
		eq++
		offA, offB = endA, endB
	}
	return 0, eq
}

// Equal reports whether two encoded keys are equal under the domain.
func (d Domain) Equal(a, b []byte) bool {
	return d.Compare(a, b) == 0
}

// columnEnd returns the offset one past column col, which begins at start.
// Truncated keys (shortest separators cut mid-column) clamp to the key end;
// byte-wise segment comparison still orders them correctly because the
// escape scheme is order preserving.
func (d Domain) columnEnd(key []byte, start int, col int) int {
	if f := d.Cols[col].Fixed(); f > 0 {
		end := start + f
		if end > len(key) {
			return len(key)
		}
		return end
	}

	i := start
	for i < len(key) {
		if key[i] != escByte {
			i++
			continue
		}
		if i+1 >= len(key) {
			return len(key)
		}
		if key[i+1] == escTerm {
			return i + 2
		}
		i += 2 // escaped literal byte
	}
	return len(key)
}

func (d Domain) oriented(cmp int) int {
	if d.Reverse {
		return -cmp
	}
	return cmp
}
