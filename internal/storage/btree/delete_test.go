package btree

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/tx"
)

func TestDeleteMissing(t *testing.T) {
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)

	txn := env.begin(t, tx.ReadCommitted)
	mustInsert(t, bt, txn, skey("present"), testOID(1))

	if err := bt.Delete(txn, skey("absent"), testOID(1)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Delete(absent key) error = %v, want ErrKeyNotFound", err)
	}
	if err := bt.Delete(txn, skey("present"), testOID(9)); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Delete(wrong OID) error = %v, want ErrObjectNotFound", err)
	}

	mustDelete(t, bt, txn, skey("present"), testOID(1))
	if _, err := bt.Search(txn, skey("present")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Search() after delete error = %v, want ErrKeyNotFound", err)
	}
	// The pair is gone; deleting it again is a miss, not a no-op.
	if err := bt.Delete(txn, skey("present"), testOID(1)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("repeat Delete() error = %v, want ErrKeyNotFound", err)
	}
	env.commit(t, txn)

	if got := mustStats(t, bt); got.NumOIDs != 0 || got.NumKeys != 0 {
		t.Errorf("counters = %+v, want zeros", got)
	}
	mustVerify(t, bt)
}

// TestOIDChainDrain walks an entry with a spilled OID set down to
// nothing: chain removals, inline holes refilled from the chain, the
// chain's release once the inline area suffices, and finally the
// entry's own removal.
func TestOIDChainDrain(t *testing.T) {
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)

	const total = 40
	txn := env.begin(t, tx.ReadCommitted)
	for i := 1; i <= total; i++ {
		mustInsert(t, bt, txn, skey("hot"), testOID(uint32(i)))
	}
	env.commit(t, txn)

	if got := env.ovol.Stats().UsedPages; got != 1 {
		t.Fatalf("overflow UsedPages = %v, want one chain page", got)
	}

	left := total
	remaining := func(tb *testing.T, txn *tx.Transaction) []storage.OID {
		tb.Helper()
		return mustSearch(tb, bt, txn, skey("hot"))
	}

	txn2 := env.begin(t, tx.ReadCommitted)

	// The last eight inserted went to the chain; removing one of them
	// touches only chain pages.
	mustDelete(t, bt, txn2, skey("hot"), testOID(33))
	left--
	e, _ := findLeafEntry(t, bt, skey("hot"))
	if e.inlineCount() != maxInlineOIDs {
		t.Errorf("inlineCount() = %d after chain delete, want %d", e.inlineCount(), maxInlineOIDs)
	}
	if n, err := bt.ovfl.CountOIDs(e.ovflOIDs); err != nil || n != left-maxInlineOIDs {
		t.Errorf("CountOIDs() = %d, %v, want %d", n, err, left-maxInlineOIDs)
	}

	// An inline hole is refilled from the chain, keeping the inline
	// area full while any objects stay chained.
	mustDelete(t, bt, txn2, skey("hot"), testOID(5))
	left--
	e, _ = findLeafEntry(t, bt, skey("hot"))
	if e.inlineCount() != maxInlineOIDs {
		t.Errorf("inlineCount() = %d after inline delete, want %d refilled", e.inlineCount(), maxInlineOIDs)
	}
	if n, err := bt.ovfl.CountOIDs(e.ovflOIDs); err != nil || n != left-maxInlineOIDs {
		t.Errorf("CountOIDs() = %d, %v, want %d", n, err, left-maxInlineOIDs)
	}
	for _, o := range remaining(t, txn2) {
		if o == testOID(5) || o == testOID(33) {
			t.Fatalf("deleted object %v still reachable", o)
		}
	}

	// Drain the rest; once the set fits inline, the chain must be gone.
	for i := 1; i <= total; i++ {
		if i == 5 || i == 33 {
			continue
		}
		if left == 1 {
			break
		}
		mustDelete(t, bt, txn2, skey("hot"), testOID(uint32(i)))
		left--
		if got := len(remaining(t, txn2)); got != left {
			t.Fatalf("Search() returned %d objects, want %d", got, left)
		}
		if left == maxInlineOIDs {
			e, _ = findLeafEntry(t, bt, skey("hot"))
			if !e.ovflOIDs.IsNil() {
				t.Error("chain still referenced though the set fits inline")
			}
			if got := env.ovol.Stats().UsedPages; got != 0 {
				t.Errorf("overflow UsedPages = %v, want 0 after the chain drained", got)
			}
		}
	}

	survivors := remaining(t, txn2)
	if len(survivors) != 1 {
		t.Fatalf("Search() = %v, want one survivor", survivors)
	}
	mustDelete(t, bt, txn2, skey("hot"), survivors[0])
	if _, err := bt.Search(txn2, skey("hot")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Search() after last delete error = %v, want ErrKeyNotFound", err)
	}
	env.commit(t, txn2)

	want := Stats{Height: 1, Pages: 1, Revision: 1}
	if got := mustStats(t, bt); got != want {
		t.Errorf("Statistics() = %+v, want %+v", got, want)
	}
	mustVerify(t, bt)
}

// TestInsertDeleteAllRestoresEmptyTree grows a multi-level tree and
// tears it back down in an unrelated order, exercising merges, root
// absorption and page reclamation until only the empty root remains.
func TestInsertDeleteAllRestoresEmptyTree(t *testing.T) {
	const total = 300
	env := newTreeEnv(t)
	bt := createTestTree(t, env, false)

	prefix := make([]byte, 600)
	for i := range prefix {
		prefix[i] = 'q'
	}
	key := func(n int) []byte {
		return skey(fmt.Sprintf("%s%04d", prefix, n))
	}

	txn := env.begin(t, tx.ReadCommitted)
	for _, n := range rand.New(rand.NewSource(7)).Perm(total) {
		mustInsert(t, bt, txn, key(n), testOID(uint32(n+1)))
	}
	env.commit(t, txn)

	if got := mustStats(t, bt); got.Height < 3 {
		t.Fatalf("Height = %d before teardown, want a deep tree", got.Height)
	}
	builtPages := env.tvol.Stats().UsedPages

	order := rand.New(rand.NewSource(8)).Perm(total)
	txn2 := env.begin(t, tx.ReadCommitted)
	for i, n := range order {
		mustDelete(t, bt, txn2, key(n), testOID(uint32(n+1)))
		if i == total/2 {
			mustVerify(t, bt)
			if got := mustStats(t, bt); got.NumKeys != uint64(total-i-1) {
				t.Fatalf("NumKeys = %d mid-teardown, want %d", got.NumKeys, total-i-1)
			}
			if got := env.tvol.Stats().UsedPages; got >= builtPages {
				t.Errorf("UsedPages = %v mid-teardown, want fewer than %v", got, builtPages)
			}
		}
	}
	env.commit(t, txn2)

	got := mustStats(t, bt)
	if got.NumOIDs != 0 || got.NumNulls != 0 || got.NumKeys != 0 {
		t.Errorf("counters = %+v, want zeros", got)
	}
	if got.Height != 1 || got.Pages != 1 {
		t.Errorf("shape = height %d, %d pages, want a lone root leaf", got.Height, got.Pages)
	}
	if used := env.tvol.Stats().UsedPages; used != 1 {
		t.Errorf("UsedPages = %v, want only the root", used)
	}
	if used := env.ovol.Stats().UsedPages; used != 0 {
		t.Errorf("overflow UsedPages = %v, want 0", used)
	}

	root := snapshotNode(t, bt, bt.Root())
	hdr, err := readNodeHeader(root)
	if err != nil {
		t.Fatalf("readNodeHeader(root) error = %v", err)
	}
	if !hdr.isLeaf() || entryCount(root) != 0 || !hdr.sibling.IsNil() {
		t.Errorf("root = kind %d, %d entries, sibling %v, want an empty chainless leaf",
			hdr.kind, entryCount(root), hdr.sibling)
	}
	mustVerify(t, bt)
}

func TestPreferMoreFreeSpace(t *testing.T) {
	cases := []struct {
		left, right int
		want        bool
	}{
		{left: 100, right: 50, want: true},
		{left: 50, right: 100, want: false},
		{left: 70, right: 70, want: true},
	}
	for _, tc := range cases {
		if got := PreferMoreFreeSpace(tc.left, tc.right); got != tc.want {
			t.Errorf("PreferMoreFreeSpace(%d, %d) = %v, want %v", tc.left, tc.right, got, tc.want)
		}
	}
}

// TestMergeDirectionPolicyConsulted maneuvers a three-leaf tree into a
// state where the thinning middle leaf could fold either way, and
// checks the manager's policy makes that call.
func TestMergeDirectionPolicyConsulted(t *testing.T) {
	env := newTreeEnv(t)

	calls := 0
	recording := func(leftFree, rightFree int) bool {
		calls++
		if leftFree < 0 || rightFree < 0 || leftFree > storage.PageSize || rightFree > storage.PageSize {
			t.Errorf("policy asked about free space %d/%d", leftFree, rightFree)
		}
		return PreferMoreFreeSpace(leftFree, rightFree)
	}
	mgr := NewManager(env.pool, env.wal, env.locks, recording)

	txn := env.begin(t, tx.ReadCommitted)
	bt, err := mgr.Create(txn, 1, 2, 43, keydom.NewDomain(keydom.TypeString), false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	env.commit(t, txn)

	txn = env.begin(t, tx.ReadCommitted)
	inserted := 0
	for len(leafChain(t, bt)) < 3 {
		mustInsert(t, bt, txn, wideKey(inserted, 700), testOID(uint32(inserted+1)))
		inserted++
		if inserted > 64 {
			t.Fatal("no three-leaf tree after 64 wide inserts")
		}
	}
	env.commit(t, txn)

	// Pair every stored key with its object so deletes can aim at
	// specific leaves.
	type pair struct {
		key []byte
		oid storage.OID
	}
	chain := leafChain(t, bt)
	perLeaf := make([][]pair, len(chain))
	for i, ref := range chain {
		page := snapshotNode(t, bt, ref)
		for j := 0; j < entryCount(page); j++ {
			e, err := leafEntryAt(page, j)
			if err != nil {
				t.Fatalf("leafEntryAt(%d) error = %v", j, err)
			}
			perLeaf[i] = append(perLeaf[i], pair{key: append([]byte(nil), e.key...), oid: e.rep()})
		}
	}

	txn = env.begin(t, tx.ReadCommitted)
	// Thin the outer leaves first. While the middle one stays full,
	// nothing it could merge with has the room, so the shape holds.
	for _, p := range perLeaf[0][:max(0, len(perLeaf[0])-2)] {
		mustDelete(t, bt, txn, p.key, p.oid)
	}
	for _, p := range perLeaf[2][:max(0, len(perLeaf[2])-2)] {
		mustDelete(t, bt, txn, p.key, p.oid)
	}
	if calls != 0 {
		t.Fatalf("policy consulted %d times while only one direction could fit", calls)
	}

	// Now drain the middle leaf; once it thins out both neighbors can
	// take it, and the direction is the policy's to pick.
	for _, p := range perLeaf[1] {
		mustDelete(t, bt, txn, p.key, p.oid)
		if calls > 0 {
			break
		}
	}
	env.commit(t, txn)

	if calls == 0 {
		t.Error("merge direction policy never consulted")
	}
	mustVerify(t, bt)
}
