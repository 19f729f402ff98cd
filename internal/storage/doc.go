// Package storage provides the on-disk foundation of the Tern index
// engine: page files, a latching buffer pool, a write-ahead log, and
// crash recovery.
//
// # Overview
//
// Tern stores each index in a page file called a volume. The storage
// layer provides:
//
//   - Fixed-size slotted pages with checksums
//   - Volumes with free-list page allocation
//   - A buffer pool with Fix/Unfix pinning, per-page latches, and LRU
//     eviction
//   - Memory-mapped I/O for reads
//   - A write-ahead log with physical, logical, and compensation
//     records
//   - Three-pass crash recovery
//   - Overflow chains for long keys and large OID sets
//
// # Pages and Volumes
//
// A page is addressed by a PageRef, a (volume, page number) pair.
// Page 0 of every volume holds the file header and is never handed
// out. Pages carry a checksum over their data area and an LSA version
// stamp naming the log record of their last change:
//
//	v, err := storage.OpenVolume("users_name.tdb", 1, storage.DefaultVolumeOptions())
//	if err != nil {
//	    return err
//	}
//	defer v.Close()
//
//	ref, err := v.AllocatePage(storage.PageTypeNode)
//
// # Buffer Pool
//
// All page access during normal operation goes through the buffer
// pool. Fixing a page pins its frame and takes the page latch in the
// requested mode; the page cannot be evicted or modified by others
// until it is unfixed:
//
//	h, err := pool.Fix(ref, storage.FixShared)
//	if err != nil {
//	    return err
//	}
//	defer pool.Unfix(h)
//
//	rec, err := h.Page().Record(0)
//
// Writers fix exclusively, log their change, and stamp the page with
// the record's LSN:
//
//	lsn, err := wal.Append(storage.NewUpdateRecord(txID, ref, slot, oldData, newData))
//	if err != nil {
//	    return err
//	}
//	pool.MarkDirty(h, storage.LSA(lsn))
//
// # Write-Ahead Log
//
// Every page change is logged before the page is written back. Records
// of one transaction chain backwards through PrevLSN, so rollback can
// walk them without scanning the log. Three record families exist:
//
//   - Physical records (update, insert, delete, image, format, free)
//     carry before and after images and redo idempotently.
//   - Logical records (key insert, key delete) describe a tree
//     operation; their undo runs through the tree again instead of
//     restoring bytes.
//   - Compensation records document undo. They are redo-only and name
//     the next record to undo, so an interrupted rollback never
//     undoes the same change twice.
//
// Nested-top records bracket structural changes such as page splits.
// A completed scope survives the rollback of its transaction; only
// the logical key change is compensated.
//
// # Recovery
//
// After a non-clean shutdown, Recovery replays the log in three
// passes: analysis classifies transactions, redo reapplies every page
// change the disk does not carry yet, and undo rolls back transactions
// that never committed. Page version stamps gate redo, making it
// idempotent. Free lists are not trusted after a crash; the volume
// rebuilds them by scanning page headers.
//
// # Overflow Chains
//
// Keys longer than a node page accommodates and OID sets that outgrow
// their leaf entry move to chains of dedicated overflow pages:
//
//	head, err := ovfl.StoreKey(txID, longKey)
//	...
//	key, err := ovfl.LoadKey(head)
//
// OID chains support constant-time removal: the last OID of the chain
// fills the hole, and an emptied tail page is freed.
package storage
