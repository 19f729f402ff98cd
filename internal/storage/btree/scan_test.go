package btree

import (
	"bytes"
	"testing"
	"time"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/tx"
)

// seedKeys loads one committed object per key, numbered by position.
func seedKeys(t *testing.T, env *treeEnv, bt *BTree, keys ...string) {
	t.Helper()
	txn := env.begin(t, tx.ReadCommitted)
	for i, k := range keys {
		mustInsert(t, bt, txn, skey(k), testOID(uint32(i+1)))
	}
	env.commit(t, txn)
}

func collectScan(t *testing.T, sc *Scan, batch int) []storage.OID {
	t.Helper()
	var all []storage.OID
	for {
		oids, err := sc.Next(batch)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if len(oids) == 0 {
			return all
		}
		all = append(all, oids...)
	}
}

func oidSeq(ns ...uint32) []storage.OID {
	out := make([]storage.OID, len(ns))
	for i, n := range ns {
		out[i] = testOID(n)
	}
	return out
}

func TestScanBounds(t *testing.T) {
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)
	seedKeys(t, env, bt, "a", "b", "c", "d", "e")

	cases := []struct {
		name         string
		lower, upper []byte
		bounds       Bounds
		want         []storage.OID
	}{
		{"inclusive both", skey("b"), skey("d"), IncludeBoth, oidSeq(2, 3, 4)},
		{"exclusive upper", skey("b"), skey("d"), IncludeLower, oidSeq(2, 3)},
		{"exclusive lower", skey("b"), skey("d"), IncludeUpper, oidSeq(3, 4)},
		{"exclusive both", skey("b"), skey("d"), IncludeNeither, oidSeq(3)},
		{"unbounded", nil, nil, IncludeBoth, oidSeq(1, 2, 3, 4, 5)},
		{"lower only", skey("c"), nil, IncludeBoth, oidSeq(3, 4, 5)},
		{"upper only", nil, skey("c"), IncludeBoth, oidSeq(1, 2, 3)},
		{"bounds between keys", skey("aa"), skey("dd"), IncludeBoth, oidSeq(2, 3, 4)},
		{"point hit", skey("c"), skey("c"), IncludeBoth, oidSeq(3)},
		{"point excluded", skey("c"), skey("c"), IncludeNeither, nil},
		{"inverted", skey("d"), skey("b"), IncludeBoth, nil},
		{"past the end", skey("f"), nil, IncludeBoth, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			txn := env.begin(t, tx.ReadCommitted)
			defer env.commit(t, txn)
			sc, err := bt.OpenScan(txn, tc.lower, tc.upper, tc.bounds)
			if err != nil {
				t.Fatalf("OpenScan() error = %v", err)
			}
			got := collectScan(t, sc, 10)
			if len(got) != len(tc.want) {
				t.Fatalf("scan = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("scan = %v, want %v", got, tc.want)
				}
			}
		})
	}

	t.Run("batch size must be positive", func(t *testing.T) {
		txn := env.begin(t, tx.ReadCommitted)
		defer env.commit(t, txn)
		sc, err := bt.OpenScan(txn, nil, nil, IncludeBoth)
		if err != nil {
			t.Fatalf("OpenScan() error = %v", err)
		}
		if _, err := sc.Next(0); err == nil {
			t.Error("Next(0) succeeded, want error")
		}
	})
}

func TestScanBatchingAndClose(t *testing.T) {
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)
	seedKeys(t, env, bt, "a", "b", "c", "d", "e")

	// A key with several objects straddles batch boundaries; the
	// leftovers wait in the pending set for the next call.
	txn := env.begin(t, tx.ReadCommitted)
	mustInsert(t, bt, txn, skey("c"), testOID(31))
	mustInsert(t, bt, txn, skey("c"), testOID(32))
	env.commit(t, txn)

	txn = env.begin(t, tx.ReadCommitted)
	sc, err := bt.OpenScan(txn, nil, nil, IncludeBoth)
	if err != nil {
		t.Fatalf("OpenScan() error = %v", err)
	}
	want := oidSeq(1, 2, 3, 31, 32, 4, 5)
	var got []storage.OID
	for i := 0; i < 3; i++ {
		batch, err := sc.Next(2)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if len(batch) != 2 {
			t.Fatalf("batch %d has %d objects, want 2", i, len(batch))
		}
		got = append(got, batch...)
	}
	rest, err := sc.Next(2)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("final batch = %v, want the one leftover", rest)
	}
	got = append(got, rest...)
	if len(got) != len(want) {
		t.Fatalf("scan = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("scan = %v, want %v", got, want)
		}
	}
	env.commit(t, txn)

	txn = env.begin(t, tx.ReadCommitted)
	sc, err = bt.OpenScan(txn, nil, nil, IncludeBoth)
	if err != nil {
		t.Fatalf("OpenScan() error = %v", err)
	}
	if _, err := sc.Next(3); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	sc.Close()
	if oids, err := sc.Next(3); err != nil || len(oids) != 0 {
		t.Errorf("Next() after Close = %v, %v, want empty", oids, err)
	}
	env.commit(t, txn)
}

// TestScanNextKeyLocks pins down which representatives a phantom
// protected scan holds: each returned key, each returned key's
// successor, and past the last in-range key one more entry. Scanning
// [b, d) over a..e must therefore hold b, c, d and e, but not a.
func TestScanNextKeyLocks(t *testing.T) {
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)
	seedKeys(t, env, bt, "a", "b", "c", "d", "e")

	holds := func(txn *tx.Transaction, n uint32) bool {
		return env.locks.Holds(txn.UID(), bt.oidUnit(testOID(n)), lock.Shared)
	}
	holdsTail := func(txn *tx.Transaction) bool {
		return env.locks.Holds(txn.UID(), bt.tailUnit(), lock.Shared)
	}

	t.Run("exclusive upper bound", func(t *testing.T) {
		txn := env.begin(t, tx.RepeatableRead)
		defer env.commit(t, txn)
		sc, err := bt.OpenScan(txn, skey("b"), skey("d"), IncludeLower)
		if err != nil {
			t.Fatalf("OpenScan() error = %v", err)
		}
		got := collectScan(t, sc, 10)
		if len(got) != 2 || got[0] != testOID(2) || got[1] != testOID(3) {
			t.Fatalf("scan = %v, want b and c", got)
		}
		for n, want := range map[uint32]bool{1: false, 2: true, 3: true, 4: true, 5: true} {
			if holds(txn, n) != want {
				t.Errorf("Holds(oid %d) = %v, want %v", n, !want, want)
			}
		}
		if holdsTail(txn) {
			t.Error("tail locked though the range ends inside the tree")
		}
	})

	t.Run("upper bound key absent", func(t *testing.T) {
		env := newTreeEnv(t)
		bt := createTestTree(t, env, false)
		seedKeys(t, env, bt, "a", "b", "c", "e")

		txn := env.begin(t, tx.RepeatableRead)
		defer env.commit(t, txn)
		sc, err := bt.OpenScan(txn, skey("b"), skey("d"), IncludeBoth)
		if err != nil {
			t.Fatalf("OpenScan() error = %v", err)
		}
		got := collectScan(t, sc, 10)
		if len(got) != 2 || got[0] != testOID(2) || got[1] != testOID(3) {
			t.Fatalf("scan = %v, want b and c", got)
		}
		// e terminates the walk, so the lock lands past it.
		for n, want := range map[uint32]bool{1: false, 2: true, 3: true, 4: true} {
			if env.locks.Holds(txn.UID(), bt.oidUnit(testOID(n)), lock.Shared) != want {
				t.Errorf("Holds(oid %d) = %v, want %v", n, !want, want)
			}
		}
		if !env.locks.Holds(txn.UID(), bt.tailUnit(), lock.Shared) {
			t.Error("tail not locked though the walk ran past the last key")
		}
	})

	t.Run("unbounded upper fences on the tail", func(t *testing.T) {
		txn := env.begin(t, tx.RepeatableRead)
		defer env.commit(t, txn)
		sc, err := bt.OpenScan(txn, skey("d"), nil, IncludeBoth)
		if err != nil {
			t.Fatalf("OpenScan() error = %v", err)
		}
		got := collectScan(t, sc, 10)
		if len(got) != 2 {
			t.Fatalf("scan = %v, want d and e", got)
		}
		if !holds(txn, 4) || !holds(txn, 5) {
			t.Error("returned keys not held")
		}
		if !holdsTail(txn) {
			t.Error("tail pseudo-object not locked at the end of the index")
		}
	})

	t.Run("read committed keeps nothing", func(t *testing.T) {
		txn := env.begin(t, tx.ReadCommitted)
		defer env.commit(t, txn)
		sc, err := bt.OpenScan(txn, nil, nil, IncludeBoth)
		if err != nil {
			t.Fatalf("OpenScan() error = %v", err)
		}
		if got := collectScan(t, sc, 10); len(got) != 5 {
			t.Fatalf("scan returned %d objects, want 5", len(got))
		}
		for n := uint32(1); n <= 5; n++ {
			if holds(txn, n) {
				t.Errorf("oid %d still locked after a read committed scan", n)
			}
		}
		if holdsTail(txn) {
			t.Error("tail locked after a read committed scan")
		}
	})
}

// TestScanFilterSkipsWithoutLocking rejects a run of keys in the
// middle and checks the scan contends only on what it returns and the
// successors of those keys.
func TestScanFilterSkipsWithoutLocking(t *testing.T) {
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)
	seedKeys(t, env, bt, "a", "b", "c", "d", "e", "f", "g")

	txn := env.begin(t, tx.RepeatableRead)
	defer env.commit(t, txn)

	sc, err := bt.OpenScan(txn, nil, nil, IncludeBoth)
	if err != nil {
		t.Fatalf("OpenScan() error = %v", err)
	}
	sc.SetFilter(func(key []byte) bool {
		return bytes.Equal(key, skey("a")) || bytes.Equal(key, skey("g"))
	})

	got := collectScan(t, sc, 10)
	if len(got) != 2 || got[0] != testOID(1) || got[1] != testOID(7) {
		t.Fatalf("filtered scan = %v, want a and g", got)
	}

	// a and g were returned; b is a's successor; the tail fences the
	// end. The filtered-out middle is untouched.
	wantHeld := map[uint32]bool{1: true, 2: true, 3: false, 4: false, 5: false, 6: false, 7: true}
	for n, want := range wantHeld {
		if got := env.locks.Holds(txn.UID(), bt.oidUnit(testOID(n)), lock.Shared); got != want {
			t.Errorf("Holds(oid %d) = %v, want %v", n, got, want)
		}
	}
	if !env.locks.Holds(txn.UID(), bt.tailUnit(), lock.Shared) {
		t.Error("tail not locked")
	}
}

// TestScanBlocksOnUncommittedWriter has a reader collide with an
// in-flight insert: the scan must wait on the writer's object and
// stream it out once the writer commits.
func TestScanBlocksOnUncommittedWriter(t *testing.T) {
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)
	seedKeys(t, env, bt, "a", "b", "d", "e")

	writer := env.begin(t, tx.ReadCommitted)
	mustInsert(t, bt, writer, skey("c"), testOID(30))

	reader := env.begin(t, tx.RepeatableRead)
	type result struct {
		oids []storage.OID
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sc, err := bt.OpenScan(reader, nil, nil, IncludeBoth)
		if err != nil {
			done <- result{err: err}
			return
		}
		oids, err := sc.Next(10)
		done <- result{oids: oids, err: err}
	}()

	select {
	case r := <-done:
		t.Fatalf("scan finished with %v, %v while the writer held c", r.oids, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	env.commit(t, writer)

	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scan still blocked after the writer committed")
	}
	if r.err != nil {
		t.Fatalf("Next() error = %v", r.err)
	}
	want := oidSeq(1, 2, 30, 3, 4)
	if len(r.oids) != len(want) {
		t.Fatalf("scan = %v, want %v", r.oids, want)
	}
	for i := range r.oids {
		if r.oids[i] != want[i] {
			t.Fatalf("scan = %v, want %v", r.oids, want)
		}
	}
	env.commit(t, reader)
}

// TestScanExcludesOtherIndexes makes sure two trees over the same pool
// do not leak into each other's scans.
func TestScanExcludesOtherIndexes(t *testing.T) {
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)
	seedKeys(t, env, bt, "a", "b")

	txn := env.begin(t, tx.ReadCommitted)
	other, err := env.trees.Create(txn, 1, 2, 44, keydom.NewDomain(keydom.TypeString), false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	env.commit(t, txn)

	txn = env.begin(t, tx.ReadCommitted)
	mustInsert(t, bt, txn, skey("c"), testOID(3))
	mustInsert(t, other, txn, skey("x"), testOID(100))
	env.commit(t, txn)

	txn = env.begin(t, tx.ReadCommitted)
	sc, err := bt.OpenScan(txn, nil, nil, IncludeBoth)
	if err != nil {
		t.Fatalf("OpenScan() error = %v", err)
	}
	if got := collectScan(t, sc, 10); len(got) != 3 {
		t.Errorf("scan = %v, want only this tree's three objects", got)
	}
	sc, err = other.OpenScan(txn, nil, nil, IncludeBoth)
	if err != nil {
		t.Fatalf("OpenScan() error = %v", err)
	}
	if got := collectScan(t, sc, 10); len(got) != 1 || got[0] != testOID(100) {
		t.Errorf("scan = %v, want only the other tree's object", got)
	}
	env.commit(t, txn)
}
