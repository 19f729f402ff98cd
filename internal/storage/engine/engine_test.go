package engine

import (
	"errors"
	"testing"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/storage/btree"
	"github.com/tern-db/tern/internal/tx"
)

func testOpts() storage.EngineOptions {
	return storage.DefaultEngineOptions().WithCheckpointInterval(0)
}

func openEngine(t *testing.T, dir string, opts storage.EngineOptions) *Engine {
	t.Helper()
	eng, err := Open(dir, opts, nil)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", dir, err)
	}
	return eng
}

func ek(s string) []byte { return keydom.AppendString(nil, s) }

func eOID(n uint32) storage.OID { return storage.OID{Vol: 9, Page: n, Slot: 1} }

func engBegin(t *testing.T, eng *Engine, level tx.IsolationLevel) *tx.Transaction {
	t.Helper()
	txn, err := eng.Begin(level)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return txn
}

func engCommit(t *testing.T, eng *Engine, txn *tx.Transaction) {
	t.Helper()
	if err := eng.Commit(txn); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestOpenCreatesAndReopens(t *testing.T) {
	dir := t.TempDir()

	eng := openEngine(t, dir, testOpts())
	if infos, err := eng.Indexes(); err != nil || len(infos) != 0 {
		t.Fatalf("Indexes() on fresh database = %v, %v, want none", infos, err)
	}

	txn := engBegin(t, eng, tx.ReadCommitted)
	idx, err := eng.CreateIndex(txn, 7, keydom.NewDomain(keydom.TypeString), false)
	if err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := idx.Insert(txn, ek("alice"), eOID(1)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	engCommit(t, eng, txn)
	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	eng2 := openEngine(t, dir, testOpts())
	t.Cleanup(func() { eng2.Close() })
	if _, ran := eng2.RecoveryStats(); ran {
		t.Error("recovery ran after a clean shutdown")
	}
	idx2, err := eng2.OpenIndex(7)
	if err != nil {
		t.Fatalf("OpenIndex(7) after reopen error = %v", err)
	}
	reader := engBegin(t, eng2, tx.ReadCommitted)
	oids, err := idx2.Search(reader, ek("alice"))
	if err != nil || len(oids) != 1 || oids[0] != eOID(1) {
		t.Errorf("Search(alice) after reopen = %v, %v, want [%v]", oids, err, eOID(1))
	}
	if err := eng2.Verify(); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestCatalogRejectsDuplicates(t *testing.T) {
	eng := openEngine(t, t.TempDir(), testOpts())
	t.Cleanup(func() { eng.Close() })

	txn := engBegin(t, eng, tx.ReadCommitted)
	if _, err := eng.CreateIndex(txn, 7, keydom.NewDomain(keydom.TypeString), false); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	engCommit(t, eng, txn)

	txn2 := engBegin(t, eng, tx.ReadCommitted)
	if _, err := eng.CreateIndex(txn2, 7, keydom.NewDomain(keydom.TypeString), false); !errors.Is(err, ErrIndexExists) {
		t.Errorf("CreateIndex(duplicate) error = %v, want ErrIndexExists", err)
	}
	if err := eng.Abort(txn2); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}

	if _, err := eng.OpenIndex(99); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("OpenIndex(99) error = %v, want ErrIndexNotFound", err)
	}
}

func TestCreateIndexVisibleAtCommit(t *testing.T) {
	eng := openEngine(t, t.TempDir(), testOpts())
	t.Cleanup(func() { eng.Close() })

	txn := engBegin(t, eng, tx.ReadCommitted)
	if _, err := eng.CreateIndex(txn, 7, keydom.NewDomain(keydom.TypeString), false); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	// Cataloged but unpublished: the root page still carries the
	// building flag.
	if _, err := eng.OpenIndex(7); !errors.Is(err, btree.ErrUnknownIndex) {
		t.Errorf("OpenIndex(7) before commit error = %v, want ErrUnknownIndex", err)
	}
	engCommit(t, eng, txn)
	if _, err := eng.OpenIndex(7); err != nil {
		t.Errorf("OpenIndex(7) after commit error = %v", err)
	}

	// An aborted creation leaves no trace, catalog record included.
	txn2 := engBegin(t, eng, tx.ReadCommitted)
	if _, err := eng.CreateIndex(txn2, 8, keydom.NewDomain(keydom.TypeString), false); err != nil {
		t.Fatalf("CreateIndex(8) error = %v", err)
	}
	if err := eng.Abort(txn2); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	if _, err := eng.OpenIndex(8); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("OpenIndex(8) after abort error = %v, want ErrIndexNotFound", err)
	}
}

func TestDropIndexTransactional(t *testing.T) {
	eng := openEngine(t, t.TempDir(), testOpts())
	t.Cleanup(func() { eng.Close() })

	txn := engBegin(t, eng, tx.ReadCommitted)
	idx, err := eng.CreateIndex(txn, 7, keydom.NewDomain(keydom.TypeString), false)
	if err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := idx.Insert(txn, ek("alice"), eOID(1)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	engCommit(t, eng, txn)

	aborter := engBegin(t, eng, tx.ReadCommitted)
	if err := eng.DropIndex(aborter, 7); err != nil {
		t.Fatalf("DropIndex() error = %v", err)
	}
	if err := eng.Abort(aborter); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
	idx2, err := eng.OpenIndex(7)
	if err != nil {
		t.Fatalf("OpenIndex(7) after aborted drop error = %v", err)
	}
	reader := engBegin(t, eng, tx.ReadCommitted)
	if oids, err := idx2.Search(reader, ek("alice")); err != nil || len(oids) != 1 {
		t.Errorf("Search(alice) after aborted drop = %v, %v, want the entry back", oids, err)
	}

	dropper := engBegin(t, eng, tx.ReadCommitted)
	if err := eng.DropIndex(dropper, 7); err != nil {
		t.Fatalf("DropIndex() error = %v", err)
	}
	engCommit(t, eng, dropper)
	if _, err := eng.OpenIndex(7); !errors.Is(err, ErrIndexNotFound) {
		t.Errorf("OpenIndex(7) after drop error = %v, want ErrIndexNotFound", err)
	}
	// Only the catalog page stays allocated.
	if got := eng.tvol.Stats().UsedPages; got != 1 {
		t.Errorf("tree volume UsedPages after drop = %v, want 1", got)
	}
}

// =============================================================================
// Recovery Tests
// =============================================================================

func TestRecoveryOnUncleanOpen(t *testing.T) {
	dir := t.TempDir()

	eng := openEngine(t, dir, testOpts())
	txn := engBegin(t, eng, tx.ReadCommitted)
	idx, err := eng.CreateIndex(txn, 7, keydom.NewDomain(keydom.TypeString), false)
	if err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := idx.Insert(txn, ek("kept"), eOID(1)); err != nil {
		t.Fatalf("Insert(kept) error = %v", err)
	}
	engCommit(t, eng, txn)

	// A transaction still open at Close loses its changes on the next
	// open, like a crash.
	loser := engBegin(t, eng, tx.ReadCommitted)
	if err := idx.Insert(loser, ek("lost"), eOID(2)); err != nil {
		t.Fatalf("Insert(lost) error = %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("Close() with open transaction error = %v", err)
	}

	if _, err := Open(dir, testOpts().WithReadOnly(true).WithCreateIfNotExists(false), nil); !errors.Is(err, ErrNeedsRecovery) {
		t.Errorf("read-only Open of unclean database error = %v, want ErrNeedsRecovery", err)
	}

	eng2 := openEngine(t, dir, testOpts())
	rs, ran := eng2.RecoveryStats()
	if !ran || rs.TxRolledBack == 0 {
		t.Errorf("RecoveryStats() = %+v, %v, want a rolled back transaction", rs, ran)
	}
	idx2, err := eng2.OpenIndex(7)
	if err != nil {
		t.Fatalf("OpenIndex(7) after recovery error = %v", err)
	}
	reader := engBegin(t, eng2, tx.ReadCommitted)
	if oids, err := idx2.Search(reader, ek("kept")); err != nil || len(oids) != 1 {
		t.Errorf("Search(kept) = %v, %v, want the committed entry", oids, err)
	}
	if _, err := idx2.Search(reader, ek("lost")); !errors.Is(err, btree.ErrKeyNotFound) {
		t.Errorf("Search(lost) error = %v, want ErrKeyNotFound", err)
	}
	if err := eng2.Verify(); err != nil {
		t.Errorf("Verify() after recovery error = %v", err)
	}
	if err := eng2.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	eng3 := openEngine(t, dir, testOpts())
	t.Cleanup(func() { eng3.Close() })
	if _, ran := eng3.RecoveryStats(); ran {
		t.Error("recovery ran again after the recovering close")
	}
}

// =============================================================================
// Lock Escalation Tests
// =============================================================================

func TestEscalateTradesObjectLocks(t *testing.T) {
	eng := openEngine(t, t.TempDir(), testOpts().WithEscalationThreshold(4))
	t.Cleanup(func() { eng.Close() })

	setup := engBegin(t, eng, tx.ReadCommitted)
	idx, err := eng.CreateIndex(setup, 7, keydom.NewDomain(keydom.TypeString), false)
	if err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	engCommit(t, eng, setup)

	txn := engBegin(t, eng, tx.RepeatableRead)
	if err := idx.Insert(txn, ek("a"), eOID(1)); err != nil {
		t.Fatalf("Insert(a) error = %v", err)
	}
	if did, err := eng.Escalate(txn, 7, lock.Exclusive); err != nil || did {
		t.Fatalf("Escalate() below threshold = %v, %v, want no escalation", did, err)
	}

	keys := []string{"b", "c", "d", "e", "f"}
	for i, k := range keys {
		if err := idx.Insert(txn, ek(k), eOID(uint32(i+2))); err != nil {
			t.Fatalf("Insert(%s) error = %v", k, err)
		}
	}
	did, err := eng.Escalate(txn, 7, lock.Exclusive)
	if err != nil || !did {
		t.Fatalf("Escalate() past threshold = %v, %v, want the class lock", did, err)
	}
	if !eng.locks.Holds(txn.UID(), lock.ClassUnit(7), lock.Exclusive) {
		t.Error("class lock not held after escalation")
	}

	// With the class lock held, further inserts stop accumulating
	// object locks: the dominates hook answers for them.
	heldBefore := eng.locks.HeldCount(txn.UID(), 7)
	for i := 0; i < 5; i++ {
		if err := idx.Insert(txn, ek("post"), eOID(uint32(50+i))); err != nil {
			t.Fatalf("Insert(post) error = %v", err)
		}
	}
	if heldAfter := eng.locks.HeldCount(txn.UID(), 7); heldAfter != heldBefore {
		t.Errorf("HeldCount grew %d -> %d under a class lock", heldBefore, heldAfter)
	}
	engCommit(t, eng, txn)

	if got := eng.locks.Count(); got != 0 {
		t.Errorf("lock table holds %d units after commit, want 0", got)
	}
}

// =============================================================================
// Read-Only and Checkpoint Tests
// =============================================================================

func TestReadOnlyEngine(t *testing.T) {
	dir := t.TempDir()

	eng := openEngine(t, dir, testOpts())
	txn := engBegin(t, eng, tx.ReadCommitted)
	idx, err := eng.CreateIndex(txn, 7, keydom.NewDomain(keydom.TypeString), false)
	if err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	if err := idx.Insert(txn, ek("alice"), eOID(1)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	engCommit(t, eng, txn)
	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ro := openEngine(t, dir, testOpts().WithReadOnly(true).WithCreateIfNotExists(false))
	t.Cleanup(func() { ro.Close() })

	idx2, err := ro.OpenIndex(7)
	if err != nil {
		t.Fatalf("OpenIndex(7) read-only error = %v", err)
	}
	reader := engBegin(t, ro, tx.ReadCommitted)
	if oids, err := idx2.Search(reader, ek("alice")); err != nil || len(oids) != 1 {
		t.Errorf("Search(alice) read-only = %v, %v, want one entry", oids, err)
	}
	if _, err := ro.CreateIndex(reader, 8, keydom.NewDomain(keydom.TypeString), false); !errors.Is(err, ErrEngineRO) {
		t.Errorf("CreateIndex() read-only error = %v, want ErrEngineRO", err)
	}
	if err := ro.DropIndex(reader, 7); !errors.Is(err, ErrEngineRO) {
		t.Errorf("DropIndex() read-only error = %v, want ErrEngineRO", err)
	}
}

func TestCheckpointTruncatesQuietLog(t *testing.T) {
	eng := openEngine(t, t.TempDir(), testOpts())
	t.Cleanup(func() { eng.Close() })

	txn := engBegin(t, eng, tx.ReadCommitted)
	idx, err := eng.CreateIndex(txn, 7, keydom.NewDomain(keydom.TypeString), false)
	if err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}
	for i := 1; i <= 10; i++ {
		if err := idx.Insert(txn, ek(string(rune('a'+i))), eOID(uint32(i))); err != nil {
			t.Fatalf("Insert(%d) error = %v", i, err)
		}
	}
	engCommit(t, eng, txn)

	before, err := eng.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if before.WALRecords == 0 {
		t.Fatal("WALRecords = 0 before checkpoint, want the logged work")
	}

	if err := eng.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}
	after, err := eng.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if after.WALRecords != 0 {
		t.Errorf("WALRecords after quiet checkpoint = %d, want 0", after.WALRecords)
	}
	if after.Indexes != 1 || after.ActiveTx != 0 {
		t.Errorf("Stats() = %+v, want one index and no active transactions", after)
	}

	// The truncated log must still reopen into a healthy database.
	reader := engBegin(t, eng, tx.ReadCommitted)
	if oids, err := idx.Search(reader, ek("b")); err != nil || len(oids) != 1 {
		t.Errorf("Search(b) after checkpoint = %v, %v, want one entry", oids, err)
	}
}
