package benchmarks

import (
	"errors"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/storage/btree"
	"github.com/tern-db/tern/internal/storage/engine"
	"github.com/tern-db/tern/internal/tx"
)

// benchClassID is the class the bench index is created over.
const benchClassID uint32 = 1000

// Tern runs the workloads against a real tern engine. Writes ride one
// transaction committed every batch operations, which bounds the lock
// table the way an application batching its commits would; reads share
// that transaction so they never wait on its own write locks.
type Tern struct {
	eng     *engine.Engine
	bt      *btree.BTree
	txn     *tx.Transaction
	pending int
	batch   int
}

// OpenTern creates a fresh database under dir with an int64 index.
func OpenTern(dir string, batch int) (*Tern, error) {
	if batch <= 0 {
		batch = 1000
	}
	opts := storage.DefaultEngineOptions().
		WithBufferPoolSize(512).
		WithCheckpointInterval(0)
	eng, err := engine.Open(dir, opts, nil)
	if err != nil {
		return nil, err
	}

	txn, err := eng.Begin(tx.ReadCommitted)
	if err != nil {
		eng.Close()
		return nil, err
	}
	bt, err := eng.CreateIndex(txn, benchClassID, keydom.NewDomain(keydom.TypeInt64), false)
	if err != nil {
		eng.Abort(txn)
		eng.Close()
		return nil, err
	}
	if err := eng.Commit(txn); err != nil {
		eng.Close()
		return nil, err
	}
	// Reopen through the catalog so the published descriptor is used.
	bt, err = eng.OpenIndex(benchClassID)
	if err != nil {
		eng.Close()
		return nil, err
	}
	return &Tern{eng: eng, bt: bt, batch: batch}, nil
}

func (t *Tern) current() (*tx.Transaction, error) {
	if t.txn != nil {
		return t.txn, nil
	}
	txn, err := t.eng.Begin(tx.ReadCommitted)
	if err != nil {
		return nil, err
	}
	t.txn = txn
	return txn, nil
}

func (t *Tern) opDone() error {
	t.pending++
	if t.pending < t.batch {
		return nil
	}
	return t.Flush()
}

// Insert maps key to oid.
func (t *Tern) Insert(key int64, oid storage.OID) error {
	txn, err := t.current()
	if err != nil {
		return err
	}
	if err := t.bt.Insert(txn, keydom.AppendInt64(nil, key), oid); err != nil {
		return err
	}
	return t.opDone()
}

// Search returns the objects of key.
func (t *Tern) Search(key int64) ([]storage.OID, error) {
	txn, err := t.current()
	if err != nil {
		return nil, err
	}
	oids, err := t.bt.Search(txn, keydom.AppendInt64(nil, key))
	if errors.Is(err, btree.ErrKeyNotFound) {
		return nil, nil
	}
	return oids, err
}

// Delete removes the key-to-oid mapping.
func (t *Tern) Delete(key int64, oid storage.OID) error {
	txn, err := t.current()
	if err != nil {
		return err
	}
	if err := t.bt.Delete(txn, keydom.AppendInt64(nil, key), oid); err != nil {
		return err
	}
	return t.opDone()
}

// Scan counts the objects in [start, end].
func (t *Tern) Scan(start, end int64) (int, error) {
	txn, err := t.current()
	if err != nil {
		return 0, err
	}
	scan, err := t.bt.OpenScan(txn,
		keydom.AppendInt64(nil, start),
		keydom.AppendInt64(nil, end),
		btree.IncludeBoth)
	if err != nil {
		return 0, err
	}
	defer scan.Close()

	total := 0
	for {
		oids, err := scan.Next(128)
		if err != nil {
			return total, err
		}
		if len(oids) == 0 {
			return total, nil
		}
		total += len(oids)
	}
}

// Flush commits the open transaction.
func (t *Tern) Flush() error {
	if t.txn == nil {
		return nil
	}
	err := t.eng.Commit(t.txn)
	t.txn = nil
	t.pending = 0
	return err
}

// Close commits pending work and shuts the engine down.
func (t *Tern) Close() error {
	if err := t.Flush(); err != nil {
		t.eng.Close()
		return err
	}
	return t.eng.Close()
}

// Verify exposes the tree's structural check to the suite.
func (t *Tern) Verify() error {
	if err := t.Flush(); err != nil {
		return err
	}
	return t.bt.Verify()
}
