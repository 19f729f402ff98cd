package keydom

import (
	"testing"
)

func mustBuild(t *testing.T, d Domain, vals ...interface{}) []byte {
	t.Helper()
	key, err := d.Build(vals...)
	if err != nil {
		t.Fatalf("Build(%v) failed: %v", vals, err)
	}
	return key
}

func TestCompareSingleString(t *testing.T) {
	d := NewDomain(TypeString)

	a := mustBuild(t, d, "apple")
	b := mustBuild(t, d, "banana")

	if d.Compare(a, b) >= 0 {
		t.Error("apple should sort before banana")
	}
	if d.Compare(b, a) <= 0 {
		t.Error("banana should sort after apple")
	}
	if d.Compare(a, mustBuild(t, d, "apple")) != 0 {
		t.Error("equal keys should compare equal")
	}
}

func TestCompareMultiColumn(t *testing.T) {
	d := NewDomain(TypeInt64, TypeString)

	k10a := mustBuild(t, d, int64(10), "a")
	k10b := mustBuild(t, d, int64(10), "b")
	k2z := mustBuild(t, d, int64(2), "z")

	if d.Compare(k2z, k10a) >= 0 {
		t.Error("(2,z) should sort before (10,a): first column dominates")
	}
	if d.Compare(k10a, k10b) >= 0 {
		t.Error("(10,a) should sort before (10,b)")
	}
}

func TestComparePrefixEqualColumns(t *testing.T) {
	d := NewDomain(TypeInt64, TypeString, TypeInt64)

	a := mustBuild(t, d, int64(5), "mid", int64(1))
	b := mustBuild(t, d, int64(5), "mid", int64(9))

	cmp, eq := d.ComparePrefix(a, b, 0)
	if cmp >= 0 {
		t.Error("a should sort before b")
	}
	if eq != 2 {
		t.Errorf("expected 2 equal leading columns, got %d", eq)
	}

	// Skipping the columns already known equal gives the same answer.
	cmp2, eq2 := d.ComparePrefix(a, b, 2)
	if cmp2 != cmp {
		t.Errorf("skip=2 compare = %d, want %d", cmp2, cmp)
	}
	if eq2 != 2 {
		t.Errorf("skip=2 equal columns = %d, want 2", eq2)
	}

	if c, eq3 := d.ComparePrefix(a, a, 0); c != 0 || eq3 != 3 {
		t.Errorf("self compare = (%d, %d), want (0, 3)", c, eq3)
	}
}

func TestCompareReverse(t *testing.T) {
	asc := NewDomain(TypeInt64)
	desc := Domain{Cols: []Type{TypeInt64}, Reverse: true}

	a := mustBuild(t, asc, int64(1))
	b := mustBuild(t, asc, int64(2))

	if asc.Compare(a, b) >= 0 {
		t.Error("ascending: 1 should sort before 2")
	}
	if desc.Compare(a, b) <= 0 {
		t.Error("descending: 1 should sort after 2")
	}
	if desc.Compare(a, a) != 0 {
		t.Error("descending: equal keys should compare equal")
	}
}

func TestCompareTruncatedSeparator(t *testing.T) {
	d := NewDomain(TypeString)

	low := mustBuild(t, d, "cherry")
	high := mustBuild(t, d, "citrus")
	sep := d.ShortestSeparator(low, high)

	if d.Compare(low, sep) >= 0 {
		t.Errorf("separator %x must sort after low", sep)
	}
	if d.Compare(sep, high) > 0 {
		t.Errorf("separator %x must not sort after high", sep)
	}
}
