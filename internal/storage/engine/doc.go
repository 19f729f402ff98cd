// Package engine assembles the Tern storage stack into one handle: the
// tree and overflow volumes, the write-ahead log, the buffer pool,
// the lock and transaction managers, and the index catalog.
//
// # Opening a Database
//
// Open creates the files on first use and recovers them on every open
// after an unclean shutdown:
//
//	opts := storage.DefaultEngineOptions()
//	eng, err := engine.Open("/var/lib/tern", opts, logging.NewDefault())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
// # Indexes
//
// Indexes are named by a class identifier and tracked on a catalog
// page anchored in the tree volume header. Creation and removal are
// transactional like every other index operation:
//
//	txn, _ := eng.Begin(tx.ReadCommitted)
//	idx, _ := eng.CreateIndex(txn, 7, keydom.NewDomain(keydom.TypeString), false)
//	_ = idx.Insert(txn, keydom.AppendString(nil, "alice"), oid)
//	_ = eng.Commit(txn)
//
// An index only becomes visible to OpenIndex once its creating
// transaction commits; an abort unwinds the pages and the catalog
// record together.
//
// # Locking
//
// The trees take row locks per object and intent locks per class. The
// engine owns the escalation policy on top of those hooks: Escalate
// trades a transaction's grown object-lock set for one class lock,
// and the installed dominates callback lets the class lock absorb the
// object locks the tree would otherwise keep taking.
//
// # Durability
//
// A background checkpointer flushes the pool on the configured
// interval and truncates the log when no transaction is in flight.
// Close checkpoints a final time; whatever was uncommitted then is
// rolled back by recovery on the next open.
package engine
