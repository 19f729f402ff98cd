package btree

import (
	"github.com/tern-db/tern/internal/storage"
)

// Stats summarizes one index: the descriptor counters plus the
// measured shape of the tree.
type Stats struct {
	// NumOIDs counts every indexed object, null keys included.
	NumOIDs uint64
	// NumNulls counts objects stored under the null key.
	NumNulls uint64
	// NumKeys counts distinct non-null keys.
	NumKeys uint64

	// Height is the number of node levels, 1 for a lone leaf root.
	Height int
	// Pages counts tree node pages; overflow chains are not included.
	Pages int

	// Revision increments whenever the root changes level.
	Revision uint32
}

// Statistics reads the descriptor counters and measures the tree with
// a shared walk, one latch at a time. Writers running alongside can
// move entries between the counter read and the walk, so the figures
// line up exactly only on a quiet tree.
func (t *BTree) Statistics() (Stats, error) {
	h, err := t.mgr.pool.Fix(t.root, storage.FixShared)
	if err != nil {
		return Stats{}, err
	}
	ext, err := readRootExt(h.Page())
	if err != nil {
		t.mgr.pool.Unfix(h)
		return Stats{}, err
	}
	if err := t.mgr.pool.Unfix(h); err != nil {
		return Stats{}, err
	}
	st := Stats{
		NumOIDs:  ext.numOIDs,
		NumNulls: ext.numNulls,
		NumKeys:  ext.numKeys,
		Revision: ext.revision,
	}
	st.Pages, st.Height, err = t.measure(t.root)
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

// measure returns the page count and height of the subtree at ref.
func (t *BTree) measure(ref storage.PageRef) (pages, height int, err error) {
	h, err := t.mgr.pool.Fix(ref, storage.FixShared)
	if err != nil {
		return 0, 0, err
	}
	hdr, err := readNodeHeader(h.Page())
	if err != nil {
		t.mgr.pool.Unfix(h)
		return 0, 0, err
	}
	if hdr.isLeaf() {
		return 1, 1, t.mgr.pool.Unfix(h)
	}
	children := make([]storage.PageRef, 0, entryCount(h.Page()))
	for i := 0; i < entryCount(h.Page()); i++ {
		e, err := branchEntryAt(h.Page(), i)
		if err != nil {
			t.mgr.pool.Unfix(h)
			return 0, 0, err
		}
		children = append(children, e.child)
	}
	if err := t.mgr.pool.Unfix(h); err != nil {
		return 0, 0, err
	}

	pages = 1
	for _, c := range children {
		p, ht, err := t.measure(c)
		if err != nil {
			return 0, 0, err
		}
		pages += p
		if ht > height {
			height = ht
		}
	}
	return pages, height + 1, nil
}
