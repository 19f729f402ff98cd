// Package btree implements the disk-resident B+-tree behind Tern
// indexes: ordered keys mapped to sets of object identifiers, with
// prefix-compressed routing, write-ahead logging, and next-key locking
// for serializable range scans.
//
// # Structure
//
// A tree occupies node pages in one volume and spills oversized keys
// and large OID sets into chains on a second volume. Record 0 of every
// node carries the node header; on the root page it is extended with
// the index descriptor: statistics counters, the key domain, flags,
// and a revision stamp. The root page never moves. Splitting the root
// copies both halves onto fresh pages and rebuilds the root in place,
// so an index is named by its root reference for its whole life.
//
// Leaves hold one entry per distinct key: the key bytes (inline up to
// a threshold, otherwise a reference into the overflow volume) and the
// key's OIDs (inline up to a threshold, then an overflow chain).
// Non-leaf entries pair a child reference with the separator key that
// bounds it from the left; the first entry of a non-leaf node has no
// separator, which is why a non-leaf key count is one less than its
// child count. Separators promoted from leaf splits of single-column
// character and binary domains are cut to the shortest prefix that
// still divides the halves.
//
// # Concurrency
//
// Descents crab page latches from the root down and hold at most two
// at a time. Writers split and merge preemptively on the way down, so
// an operation never has to back up the tree holding latches. Row
// visibility is guarded by object locks, not latches: every operation
// locks the representative OID of the keys it touches, and range scans
// lock the key one past their upper bound, so a committed scan cannot
// be invalidated by a neighbor insert. A blocked lock request first
// releases every page latch; after the wait the operation re-validates
// the pages it remembered by version stamp and re-descends when
// anything moved underneath it.
//
// # Logging
//
// Page changes are logged physically through the storage WAL. On a
// committed index, structural reorganizations run inside nested
// top-level scopes and survive the enclosing transaction's rollback;
// single key/OID changes additionally log a logical record, and abort
// reverts them by running the inverse tree operation. An index still
// uncommitted by its creating transaction skips all of that: its
// changes are logged as plain undoable records, and abort unwinds the
// whole build page by page. Statistics counters on the root are logged
// as arithmetic deltas so rollback adjusts them regardless of how the
// root record has been rewritten since.
package btree
