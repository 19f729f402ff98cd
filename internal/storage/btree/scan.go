package btree

import (
	"fmt"

	"github.com/tern-db/tern/internal/keydom"
	"github.com/tern-db/tern/internal/lock"
	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/tx"
)

// Bounds selects which ends of a scan range are inclusive.
type Bounds int

const (
	IncludeBoth Bounds = iota
	IncludeLower
	IncludeUpper
	IncludeNeither
)

func (b Bounds) lowerOpen() bool { return b == IncludeUpper || b == IncludeNeither }
func (b Bounds) upperOpen() bool { return b == IncludeLower || b == IncludeNeither }

// Scan iterates the index in domain order between two bounds, batching
// OIDs out through Next. Under phantom protection every returned key
// is pinned with two shared locks, its own representative and the
// representative of the entry after it, so a writer cannot slip a key
// into any gap of the scanned interval before commit; past the last
// in-range key one more lock lands on the entry following the range
// end. Read committed takes each representative only for an instant
// and ends without a fence.
//
// A scan holds no page latch between calls and repositions itself by
// key, so it tolerates any amount of concurrent restructuring; it is
// not safe for concurrent use by multiple goroutines.
type Scan struct {
	bt  *BTree
	txn *tx.Transaction

	lower, upper []byte
	bounds       Bounds
	filter       func(key []byte) bool

	// locking is off for a tree still private to its creating
	// transaction; phantom upgrades representative locks to commit
	// duration and fences the end of the range.
	locking bool
	phantom bool

	started bool
	done    bool
	prevKey []byte
	pending []storage.OID
}

// OpenScan starts a scan over [lower, upper] with bounds deciding
// which ends are inclusive. A nil or null bound leaves that end open.
// Under phantom protection the scan holds an intent lock on the class
// for the transaction.
func (t *BTree) OpenScan(txn *tx.Transaction, lower, upper []byte, bounds Bounds) (*Scan, error) {
	if err := opGuard(txn); err != nil {
		return nil, err
	}
	if len(lower) > MaxKeySize || len(upper) > MaxKeySize {
		return nil, fmt.Errorf("%w: scan bound over %d bytes", ErrKeyTooLarge, MaxKeySize)
	}
	s := &Scan{
		bt:      t,
		txn:     txn,
		bounds:  bounds,
		locking: !t.newFile,
		phantom: txn.PhantomProtected(),
	}
	if lower != nil && !keydom.IsNull(lower) {
		s.lower = append([]byte(nil), lower...)
	}
	if upper != nil && !keydom.IsNull(upper) {
		s.upper = append([]byte(nil), upper...)
	}
	if s.lower != nil && s.upper != nil {
		cmp := t.domain.Compare(s.lower, s.upper)
		if cmp > 0 || (cmp == 0 && (bounds.lowerOpen() || bounds.upperOpen())) {
			s.done = true
			return s, nil
		}
	}
	if s.locking && s.phantom {
		if err := t.mgr.locks.Lock(txn.UID(), lock.ClassUnit(t.classID), lock.IntentShared); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetFilter installs a predicate on encoded keys. Entries the filter
// rejects are skipped without being locked, so a filtered scan only
// contends on the keys it returns and their successors.
func (s *Scan) SetFilter(f func(key []byte) bool) {
	s.filter = f
}

// Next returns up to max OIDs in key order. An empty result means the
// scan is exhausted.
func (s *Scan) Next(max int) ([]storage.OID, error) {
	if max <= 0 {
		return nil, fmt.Errorf("scan batch size must be positive, got %d", max)
	}
	if err := opGuard(s.txn); err != nil {
		return nil, err
	}

	var out []storage.OID
	out = s.drain(out, max)
	for len(out) < max && !s.done {
		oids, err := s.advance()
		if err != nil {
			return nil, err
		}
		if oids == nil {
			break
		}
		s.pending = oids
		out = s.drain(out, max)
	}
	return out, nil
}

// Close ends the scan early. Latches are never held between calls and
// locks belong to the transaction, so there is nothing to release.
func (s *Scan) Close() {
	s.done = true
	s.pending = nil
}

func (s *Scan) drain(out []storage.OID, max int) []storage.OID {
	n := min(len(s.pending), max-len(out))
	out = append(out, s.pending[:n]...)
	s.pending = s.pending[n:]
	return out
}

// advance walks to the next entry inside the range and snapshots its
// OIDs, locking its representative per the scan's regime. It returns
// nil once the range is exhausted, with the end fence taken.
func (s *Scan) advance() ([]storage.OID, error) {
	t := s.bt
	for {
		h, slot, err := s.position()
		if err != nil {
			return nil, err
		}
	walk:
		for {
			page := h.Page()
			if slot >= entryCount(page) {
				hdr, err := readNodeHeader(page)
				if err != nil {
					t.mgr.pool.Unfix(h)
					return nil, err
				}
				if hdr.sibling.IsNil() {
					fin, err := s.fenceAfter(h, slot)
					if err != nil {
						return nil, err
					}
					if fin {
						return nil, nil
					}
					break walk
				}
				nh, err := t.mgr.pool.Fix(hdr.sibling, storage.FixShared)
				if err != nil {
					t.mgr.pool.Unfix(h)
					return nil, err
				}
				if err := t.mgr.pool.Unfix(h); err != nil {
					t.mgr.pool.Unfix(nh)
					return nil, err
				}
				h, slot = nh, 0
				continue
			}

			key, err := t.leafKeyAt(page, slot)
			if err != nil {
				t.mgr.pool.Unfix(h)
				return nil, err
			}
			if s.upper != nil {
				cmp := t.domain.Compare(key, s.upper)
				if cmp > 0 || (cmp == 0 && s.bounds.upperOpen()) {
					// First key past the range. Its own representative is
					// already held as the successor of the last returned
					// key; reading it obliges one more lock on the entry
					// after it, closing the gap behind the range end.
					fin, err := s.fenceAfter(h, slot+1)
					if err != nil {
						return nil, err
					}
					if fin {
						return nil, nil
					}
					break walk
				}
			}
			if s.filter != nil && !s.filter(key) {
				s.prevKey = append(s.prevKey[:0], key...)
				slot++
				continue
			}

			oids, err := t.collectOIDs(page, slot)
			if err != nil {
				t.mgr.pool.Unfix(h)
				return nil, err
			}
			keyCopy := append([]byte(nil), key...)
			if s.locking {
				e, err := leafEntryAt(page, slot)
				if err != nil {
					t.mgr.pool.Unfix(h)
					return nil, err
				}
				u := t.oidUnit(e.rep())
				txID := s.txn.UID()
				if s.phantom {
					h2, ok, err := t.lockDance(txID, h, u, lock.Shared, []pageStamp{{h.Ref(), h.Version()}})
					if err != nil {
						return nil, err
					}
					if !ok {
						break walk
					}
					// The successor lock keeps the gap after this key
					// closed until commit.
					nu, h3, stamps, ok, err := t.nextEntryTarget(h2, slot+1)
					if err != nil {
						return nil, err
					}
					if !ok {
						break walk
					}
					h4, ok, err := t.lockDance(txID, h3, nu, lock.Shared, stamps)
					if err != nil {
						return nil, err
					}
					if !ok {
						break walk
					}
					h = h4
				} else {
					preHeld := t.holdsAny(txID, u)
					h2, ok, err := t.lockDance(txID, h, u, lock.Shared, []pageStamp{{h.Ref(), h.Version()}})
					if !preHeld {
						t.mgr.locks.Unlock(txID, u)
					}
					if err != nil {
						return nil, err
					}
					if !ok {
						break walk
					}
					h = h2
				}
			}
			s.prevKey = keyCopy
			if err := t.mgr.pool.Unfix(h); err != nil {
				return nil, err
			}
			return oids, nil
		}
		// A failed dance released the latch; take position again.
	}
}

// position descends to the leaf the scan continues from and returns it
// shared-fixed with the slot to resume at. The scan never trusts a
// page reference across calls: the last returned key is re-sought, so
// entries that moved in between are neither skipped nor repeated.
func (s *Scan) position() (*storage.PageHandle, int, error) {
	t := s.bt
	switch {
	case s.started && s.prevKey != nil:
		h, err := t.descendToLeaf(s.prevKey, storage.FixShared)
		if err != nil {
			return nil, 0, err
		}
		idx, found, err := t.searchLeaf(h.Page(), s.prevKey)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, 0, err
		}
		if found {
			idx++
		}
		return h, idx, nil
	case s.lower != nil:
		h, err := t.descendToLeaf(s.lower, storage.FixShared)
		if err != nil {
			return nil, 0, err
		}
		idx, found, err := t.searchLeaf(h.Page(), s.lower)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return nil, 0, err
		}
		if found && s.bounds.lowerOpen() {
			idx++
		}
		s.started = true
		return h, idx, nil
	default:
		h, err := t.descendToLeftmostLeaf(storage.FixShared)
		if err != nil {
			return nil, 0, err
		}
		s.started = true
		return h, 0, nil
	}
}

// fenceAfter shares-locks the first entry at or after slot, the root
// pseudo-object when the tree ends first, and finishes the scan.
// Without phantom protection there is nothing to pin down. fin is
// false when the range end has to be found again.
func (s *Scan) fenceAfter(h *storage.PageHandle, slot int) (bool, error) {
	t := s.bt
	if !s.locking || !s.phantom {
		s.done = true
		return true, t.mgr.pool.Unfix(h)
	}
	u, h2, stamps, ok, err := t.nextEntryTarget(h, slot)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	h3, ok, err := t.lockDance(s.txn.UID(), h2, u, lock.Shared, stamps)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.done = true
	return true, t.mgr.pool.Unfix(h3)
}
