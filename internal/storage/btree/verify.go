package btree

import (
	"fmt"

	"github.com/tern-db/tern/internal/storage"
)

// Verify walks the whole tree and checks every structural invariant:
// header and descriptor shape, strict key order inside and across
// nodes, separator bounds, uniform leaf depth, the left-to-right
// sibling chain, overflow chain consistency, and the descriptor
// counters against what the leaves actually hold. Run it on a quiet
// tree; concurrent writers make the cross-page checks meaningless.
func (t *BTree) Verify() error {
	h, err := t.mgr.pool.Fix(t.root, storage.FixShared)
	if err != nil {
		return err
	}
	ext, err := readRootExt(h.Page())
	if err != nil {
		t.mgr.pool.Unfix(h)
		return err
	}
	if err := t.mgr.pool.Unfix(h); err != nil {
		return err
	}

	w := &treeWalk{t: t}
	if _, err := w.node(t.root, nil, nil); err != nil {
		return err
	}

	for i := 1; i < len(w.leaves); i++ {
		if w.leaves[i-1].sibling != w.leaves[i].ref {
			return fmt.Errorf("%w: leaf %s links to %s, next leaf in order is %s",
				ErrTreeInvalid, w.leaves[i-1].ref, w.leaves[i-1].sibling, w.leaves[i].ref)
		}
	}
	if n := len(w.leaves); n > 0 && !w.leaves[n-1].sibling.IsNil() {
		return fmt.Errorf("%w: last leaf %s links to %s past the end",
			ErrTreeInvalid, w.leaves[n-1].ref, w.leaves[n-1].sibling)
	}

	if ext.numKeys != w.entries {
		return fmt.Errorf("%w: descriptor counts %d keys, leaves hold %d",
			ErrTreeInvalid, ext.numKeys, w.entries)
	}
	if ext.numOIDs != ext.numNulls+w.oids {
		return fmt.Errorf("%w: descriptor counts %d objects, %d nulls and %d stored do not add up",
			ErrTreeInvalid, ext.numOIDs, ext.numNulls, w.oids)
	}
	return nil
}

type leafLink struct {
	ref     storage.PageRef
	sibling storage.PageRef
}

// treeWalk accumulates cross-page state while node recurses.
type treeWalk struct {
	t       *BTree
	leaves  []leafLink
	entries uint64
	oids    uint64
}

// node verifies the subtree at ref, whose keys must lie in
// [lower, upper), and returns its height. The page is copied out so no
// latch is held while children are visited.
func (w *treeWalk) node(ref storage.PageRef, lower, upper []byte) (int, error) {
	t := w.t
	h, err := t.mgr.pool.Fix(ref, storage.FixShared)
	if err != nil {
		return 0, err
	}
	page := &storage.Page{Header: h.Page().Header, Data: append([]byte(nil), h.Page().Data...)}
	if err := t.mgr.pool.Unfix(h); err != nil {
		return 0, err
	}

	hdr, err := readNodeHeader(page)
	if err != nil {
		return 0, err
	}
	n := entryCount(page)
	if !hdr.isLeaf() {
		if hdr.sibling != storage.NilRef {
			return 0, fmt.Errorf("%w: branch %s carries a sibling link", ErrTreeInvalid, ref)
		}
		return w.branch(page, ref, hdr, n, lower, upper)
	}

	w.leaves = append(w.leaves, leafLink{ref: ref, sibling: hdr.sibling})
	w.entries += uint64(n)

	var prev []byte
	for i := 0; i < n; i++ {
		e, err := leafEntryAt(page, i)
		if err != nil {
			return 0, err
		}
		key, err := w.entryKey(ref, e)
		if err != nil {
			return 0, err
		}
		if len(key) > hdr.maxKeyLen {
			return 0, fmt.Errorf("%w: leaf %s entry %d key is %d bytes, header bounds %d",
				ErrTreeInvalid, ref, i, len(key), hdr.maxKeyLen)
		}
		if err := w.inBounds(ref, key, prev, lower, upper); err != nil {
			return 0, err
		}
		prev = key

		if err := w.entryOIDs(ref, i, e); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

func (w *treeWalk) branch(page *storage.Page, ref storage.PageRef, hdr nodeHeader, n int, lower, upper []byte) (int, error) {
	type childSpan struct {
		ref          storage.PageRef
		lower, upper []byte
	}
	spans := make([]childSpan, n)
	var prev []byte
	for i := 0; i < n; i++ {
		e, err := branchEntryAt(page, i)
		if err != nil {
			return 0, err
		}
		spans[i].ref = e.child
		spans[i].lower = lower
		if i > 0 {
			key, err := w.entryKey(ref, branchKeyEntry(e))
			if err != nil {
				return 0, err
			}
			if len(key) > hdr.maxKeyLen {
				return 0, fmt.Errorf("%w: branch %s separator %d is %d bytes, header bounds %d",
					ErrTreeInvalid, ref, i, len(key), hdr.maxKeyLen)
			}
			if err := w.inBounds(ref, key, prev, lower, upper); err != nil {
				return 0, err
			}
			prev = key
			spans[i].lower = key
			spans[i-1].upper = key
		}
	}
	spans[n-1].upper = upper

	height := 0
	for i, sp := range spans {
		ht, err := w.node(sp.ref, sp.lower, sp.upper)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			height = ht
			continue
		}
		if ht != height {
			return 0, fmt.Errorf("%w: branch %s has children of height %d and %d",
				ErrTreeInvalid, ref, height, ht)
		}
	}
	return height + 1, nil
}

// branchKeyEntry views a branch entry as a leaf-shaped key holder so
// entryKey can load it the same way.
func branchKeyEntry(e branchEntry) leafEntry {
	return leafEntry{keyOvfl: e.keyOvfl, key: e.key}
}

func (w *treeWalk) entryKey(ref storage.PageRef, e leafEntry) ([]byte, error) {
	if !e.hasOvflKey() {
		return e.key, nil
	}
	key, err := w.t.ovfl.LoadKey(e.keyOvfl)
	if err != nil {
		return nil, err
	}
	if len(key) <= maxInlineKeyLen {
		return nil, fmt.Errorf("%w: node %s spills a %d byte key that fits inline",
			ErrTreeInvalid, ref, len(key))
	}
	return key, nil
}

// inBounds checks one key against its in-node predecessor and the
// subtree bounds. A key may equal its subtree's lower separator but
// never reach the upper one.
func (w *treeWalk) inBounds(ref storage.PageRef, key, prev, lower, upper []byte) error {
	d := w.t.domain
	if prev != nil && d.Compare(prev, key) >= 0 {
		return fmt.Errorf("%w: node %s keys out of order", ErrTreeInvalid, ref)
	}
	if lower != nil && d.Compare(key, lower) < 0 {
		return fmt.Errorf("%w: node %s holds a key below its separator", ErrTreeInvalid, ref)
	}
	if upper != nil && d.Compare(key, upper) >= 0 {
		return fmt.Errorf("%w: node %s holds a key at or past the next separator", ErrTreeInvalid, ref)
	}
	return nil
}

// entryOIDs checks one leaf entry's object list and adds it to the
// totals.
func (w *treeWalk) entryOIDs(ref storage.PageRef, i int, e leafEntry) error {
	t := w.t
	inline := e.inlineCount()
	if inline == 0 {
		return fmt.Errorf("%w: leaf %s entry %d holds no objects", ErrTreeInvalid, ref, i)
	}
	count := uint64(inline)
	if !e.ovflOIDs.IsNil() {
		if inline < maxInlineOIDs {
			return fmt.Errorf("%w: leaf %s entry %d chains objects with inline room left",
				ErrTreeInvalid, ref, i)
		}
		chained, err := t.ovfl.CountOIDs(e.ovflOIDs)
		if err != nil {
			return err
		}
		if chained == 0 {
			return fmt.Errorf("%w: leaf %s entry %d references an empty chain", ErrTreeInvalid, ref, i)
		}
		count += uint64(chained)
	}
	if t.unique && count > 1 {
		return fmt.Errorf("%w: unique index holds %d objects under one key in leaf %s",
			ErrTreeInvalid, count, ref)
	}
	w.oids += count
	return nil
}
