package btree

import (
	"fmt"

	"github.com/tern-db/tern/internal/storage"
)

// leafSplitPoint decides how many existing entries a splitting leaf
// keeps, halving by bytes with the incoming entry counted at its
// insertion slot. The entry that crosses the byte midpoint opens the
// right half. boundaryIsNew reports that this crossing entry is the
// incoming one.
func leafSplitPoint(sizes []int, insertAt, insertSize int) (realLeft int, boundaryIsNew bool) {
	total := insertSize
	for _, s := range sizes {
		total += s
	}
	half := total / 2
	vlen := len(sizes) + 1

	acc := 0
	v := vlen - 1
	for p := 0; p < vlen-1; p++ {
		s := insertSize
		switch {
		case p < insertAt:
			s = sizes[p]
		case p > insertAt:
			s = sizes[p-1]
		}
		acc += s
		if acc >= half {
			v = p
			break
		}
	}
	if v == 0 {
		v = 1
	}
	if v <= insertAt {
		return v, v == insertAt
	}
	return v - 1, false
}

// branchSplitPoint picks the separator entry promoted out of a full
// branch: the lowest index whose left side reaches half the bytes,
// clamped so both halves keep at least two entries.
func branchSplitPoint(sizes []int) int {
	n := len(sizes)
	total := 0
	for _, s := range sizes {
		total += s
	}
	half := total / 2

	acc := 0
	m := 1
	for p := 0; p < n; p++ {
		acc += sizes[p]
		if acc >= half {
			m = p + 1
			break
		}
	}
	if m < 2 {
		m = 2
	}
	if m > n-2 {
		m = n - 2
	}
	return m
}

// entrySizes returns each entry's on-page cost, directory slot
// included.
func entrySizes(page *storage.Page) ([]int, error) {
	n := entryCount(page)
	sizes := make([]int, n)
	for i := 0; i < n; i++ {
		l, err := page.RecordLen(entrySlot(i))
		if err != nil {
			return nil, err
		}
		sizes[i] = l + storage.SlotEntrySize
	}
	return sizes, nil
}

// copyEntryRange appends src's entries [from, to) onto dst.
func copyEntryRange(dst, src *storage.Page, from, to int) error {
	for i := from; i < to; i++ {
		rec, err := src.Record(entrySlot(i))
		if err != nil {
			return err
		}
		if _, err := dst.AppendRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

// trimEntryTail deletes entries [from, n) off the page, last first.
func trimEntryTail(page *storage.Page, from, n int) error {
	for i := n - 1; i >= from; i-- {
		if err := page.DeleteRecord(entrySlot(i)); err != nil {
			return err
		}
	}
	return nil
}

// rewriteNodeHeaderSilent updates record 0's header fields in place
// without logging. Callers cover the change with a page image.
func rewriteNodeHeaderSilent(page *storage.Page, hdr nodeHeader) error {
	rec, err := page.Record(0)
	if err != nil {
		return err
	}
	hdr.encode(rec)
	return nil
}

// encodeSeparator builds a parent entry routing to right under sep,
// spilling the key to the overflow file when it cannot stay inline.
func (t *BTree) encodeSeparator(ctx *opCtx, right storage.PageRef, sep []byte) ([]byte, error) {
	e := branchEntry{child: right}
	if len(sep) > maxInlineKeyLen {
		head, err := t.ovfl.StoreKey(ctx.txID, sep)
		if err != nil {
			return nil, err
		}
		e.keyOvfl = head
	} else {
		e.key = sep
	}
	return encodeBranchEntry(e), nil
}

// leafSeparator derives the separator between the two halves of a
// splitting leaf: the shortest key that still orders the last left
// occupant below the first right one, the incoming key included on
// whichever side it will land.
func (t *BTree) leafSeparator(page *storage.Page, b int, boundaryIsNew bool, insertAt int, key []byte) ([]byte, error) {
	var low, high []byte
	var err error
	if boundaryIsNew {
		high = key
		low, err = t.leafKeyAt(page, b-1)
		if err != nil {
			return nil, err
		}
	} else {
		high, err = t.leafKeyAt(page, b)
		if err != nil {
			return nil, err
		}
		if insertAt == b {
			low = key
		} else {
			low, err = t.leafKeyAt(page, b-1)
			if err != nil {
				return nil, err
			}
		}
	}
	return append([]byte(nil), t.domain.ShortestSeparator(low, high)...), nil
}

// splitChild splits the full child at childIdx of the fixed parent and
// routes the descent key. Both handles must be exclusive. On success
// the parent and the half not covering key are unfixed and the
// covering half's handle is returned. insertAt and insertSize describe
// the incoming leaf entry; branch children ignore them.
//
// In a logged run the split runs as its own nested top-level scope: a
// crash midway is physically unwound, a completed split survives the
// transaction's rollback.
func (t *BTree) splitChild(ctx *opCtx, hP *storage.PageHandle, childIdx int, hC *storage.PageHandle, key []byte, insertAt, insertSize int) (*storage.PageHandle, error) {
	chdr, err := readNodeHeader(hC.Page())
	if err != nil {
		t.mgr.pool.Unfix(hC)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}

	var scopeLSN uint64
	if ctx.scoped() {
		if scopeLSN, err = t.mgr.beginScope(ctx.txID); err != nil {
			t.mgr.pool.Unfix(hC)
			t.mgr.pool.Unfix(hP)
			return nil, err
		}
	}

	var sep, parentEntry []byte
	var hR *storage.PageHandle
	if chdr.isLeaf() {
		sep, parentEntry, hR, err = t.splitLeafNode(ctx, hC, chdr, insertAt, insertSize, key)
	} else {
		sep, parentEntry, hR, err = t.splitBranchNode(ctx, hC, chdr)
	}
	if err != nil {
		if hR != nil {
			t.mgr.pool.Unfix(hR)
		}
		t.mgr.pool.Unfix(hC)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}

	fail := func(err error) (*storage.PageHandle, error) {
		t.mgr.pool.Unfix(hR)
		t.mgr.pool.Unfix(hC)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}

	phdr, err := readNodeHeader(hP.Page())
	if err != nil {
		return fail(err)
	}
	slot := entrySlot(childIdx + 1)
	if err := hP.Page().InsertRecordAt(slot, parentEntry); err != nil {
		return fail(err)
	}
	if err := t.stamp(hP, storage.NewInsertSlotRecord(ctx.txID, hP.Ref(), uint16(slot), parentEntry)); err != nil {
		return fail(err)
	}
	phdr.keyCount++
	if len(sep) > phdr.maxKeyLen {
		phdr.maxKeyLen = len(sep)
	}
	if err := t.writeNodeHeader(ctx, hP, phdr); err != nil {
		return fail(err)
	}

	if ctx.scoped() {
		if err := t.mgr.endScope(ctx.txID, scopeLSN); err != nil {
			return fail(err)
		}
	}

	if err := t.mgr.pool.Unfix(hP); err != nil {
		t.mgr.pool.Unfix(hR)
		t.mgr.pool.Unfix(hC)
		return nil, err
	}
	if t.domain.Compare(key, sep) >= 0 {
		if err := t.mgr.pool.Unfix(hC); err != nil {
			t.mgr.pool.Unfix(hR)
			return nil, err
		}
		return hR, nil
	}
	if err := t.mgr.pool.Unfix(hR); err != nil {
		t.mgr.pool.Unfix(hC)
		return nil, err
	}
	return hC, nil
}

// splitLeafNode carves the right half of a full leaf onto a fresh
// page. The right page inherits the sibling link and the left page
// points at it. An append run into the tree's rightmost leaf splits
// lean: the left page keeps everything and the incoming entry opens
// the new one alone.
func (t *BTree) splitLeafNode(ctx *opCtx, hC *storage.PageHandle, chdr nodeHeader, insertAt, insertSize int, key []byte) (sep, parentEntry []byte, hR *storage.PageHandle, err error) {
	cpage := hC.Page()
	n := entryCount(cpage)

	var b int
	var boundaryIsNew bool
	if insertAt == n && chdr.sibling.IsNil() {
		b, boundaryIsNew = n, true
	} else {
		var sizes []int
		if sizes, err = entrySizes(cpage); err != nil {
			return
		}
		b, boundaryIsNew = leafSplitPoint(sizes, insertAt, insertSize)
	}
	if sep, err = t.leafSeparator(cpage, b, boundaryIsNew, insertAt, key); err != nil {
		return
	}

	if hR, err = t.mgr.pool.AllocatePage(hC.Ref().Vol, storage.PageTypeNode); err != nil {
		return
	}
	if parentEntry, err = t.encodeSeparator(ctx, hR.Ref(), sep); err != nil {
		return
	}

	rpage := hR.Page()
	rhdr := nodeHeader{kind: kindLeaf, keyCount: n - b, maxKeyLen: chdr.maxKeyLen, sibling: chdr.sibling}
	if _, err = rpage.AppendRecord(encodeNodeRecord(rhdr)); err != nil {
		return
	}
	if err = copyEntryRange(rpage, cpage, b, n); err != nil {
		return
	}
	if _, err = t.mgr.wal.Append(storage.NewPageFormatRecord(ctx.txID, hR.Ref(), storage.PageTypeNode)); err != nil {
		return
	}
	if err = t.stamp(hR, storage.NewPageImageRecord(ctx.txID, hR.Ref(), storage.PageTypeNode, nil, rpage.Data)); err != nil {
		return
	}

	cOld := append([]byte(nil), cpage.Data...)
	if err = trimEntryTail(cpage, b, n); err != nil {
		return
	}
	chdr.keyCount = b
	chdr.sibling = hR.Ref()
	if err = rewriteNodeHeaderSilent(cpage, chdr); err != nil {
		return
	}
	err = t.stamp(hC, storage.NewPageImageRecord(ctx.txID, hC.Ref(), storage.PageTypeNode, cOld, cpage.Data))
	return
}

// splitBranchNode carves the right half of a full branch onto a fresh
// page, promoting the middle separator whole. Its child pointer
// becomes the right page's keyless first entry and its key bytes,
// overflow reference included, move up into the parent.
func (t *BTree) splitBranchNode(ctx *opCtx, hC *storage.PageHandle, chdr nodeHeader) (sep, parentEntry []byte, hR *storage.PageHandle, err error) {
	cpage := hC.Page()
	n := entryCount(cpage)
	if n < 4 {
		err = fmt.Errorf("%w: splitting %d-entry branch %s", ErrTreeInvalid, n, hC.Ref())
		return
	}
	sizes, err := entrySizes(cpage)
	if err != nil {
		return
	}
	m := branchSplitPoint(sizes)

	promoted, err := branchEntryAt(cpage, m)
	if err != nil {
		return
	}
	if promoted.hasOvflKey() {
		if sep, err = t.ovfl.LoadKey(promoted.keyOvfl); err != nil {
			return
		}
	} else {
		sep = append([]byte(nil), promoted.key...)
	}

	if hR, err = t.mgr.pool.AllocatePage(hC.Ref().Vol, storage.PageTypeNode); err != nil {
		return
	}
	parentEntry = encodeBranchEntry(branchEntry{child: hR.Ref(), keyOvfl: promoted.keyOvfl, key: promoted.key})

	rpage := hR.Page()
	rhdr := nodeHeader{kind: kindBranch, keyCount: n - m - 1, maxKeyLen: chdr.maxKeyLen}
	if _, err = rpage.AppendRecord(encodeNodeRecord(rhdr)); err != nil {
		return
	}
	if _, err = rpage.AppendRecord(encodeBranchEntry(branchEntry{child: promoted.child})); err != nil {
		return
	}
	if err = copyEntryRange(rpage, cpage, m+1, n); err != nil {
		return
	}
	if _, err = t.mgr.wal.Append(storage.NewPageFormatRecord(ctx.txID, hR.Ref(), storage.PageTypeNode)); err != nil {
		return
	}
	if err = t.stamp(hR, storage.NewPageImageRecord(ctx.txID, hR.Ref(), storage.PageTypeNode, nil, rpage.Data)); err != nil {
		return
	}

	cOld := append([]byte(nil), cpage.Data...)
	if err = trimEntryTail(cpage, m, n); err != nil {
		return
	}
	chdr.keyCount = m - 1
	if err = rewriteNodeHeaderSilent(cpage, chdr); err != nil {
		return
	}
	err = t.stamp(hC, storage.NewPageImageRecord(ctx.txID, hC.Ref(), storage.PageTypeNode, cOld, cpage.Data))
	return
}

// splitRoot splits a full root without moving it: the halves land on
// two fresh pages and the root is rebuilt in place as a two-child
// branch around them, descriptor preserved and revision bumped. The
// handle of the half covering key comes back fixed; everything else is
// released.
func (t *BTree) splitRoot(ctx *opCtx, hRoot *storage.PageHandle, key []byte, insertAt, insertSize int) (*storage.PageHandle, error) {
	rpage := hRoot.Page()
	hdr, err := readNodeHeader(rpage)
	if err != nil {
		t.mgr.pool.Unfix(hRoot)
		return nil, err
	}
	ext, err := readRootExt(rpage)
	if err != nil {
		t.mgr.pool.Unfix(hRoot)
		return nil, err
	}
	n := entryCount(rpage)

	var scopeLSN uint64
	if ctx.scoped() {
		if scopeLSN, err = t.mgr.beginScope(ctx.txID); err != nil {
			t.mgr.pool.Unfix(hRoot)
			return nil, err
		}
	}

	var hL, hR *storage.PageHandle
	fail := func(err error) (*storage.PageHandle, error) {
		if hR != nil {
			t.mgr.pool.Unfix(hR)
		}
		if hL != nil {
			t.mgr.pool.Unfix(hL)
		}
		t.mgr.pool.Unfix(hRoot)
		return nil, err
	}

	if hL, err = t.mgr.pool.AllocatePage(t.root.Vol, storage.PageTypeNode); err != nil {
		return fail(err)
	}
	if hR, err = t.mgr.pool.AllocatePage(t.root.Vol, storage.PageTypeNode); err != nil {
		return fail(err)
	}
	lpage, rpg := hL.Page(), hR.Page()

	var sep, rightEntry []byte
	if hdr.isLeaf() {
		// No lean shortcut here: the root leaf is the whole tree, so
		// an append at its high end says nothing about the workload
		// yet. The first split always halves by bytes; append runs
		// earn their lean tails at the sibling splits that follow.
		sizes, err := entrySizes(rpage)
		if err != nil {
			return fail(err)
		}
		b, boundaryIsNew := leafSplitPoint(sizes, insertAt, insertSize)
		if sep, err = t.leafSeparator(rpage, b, boundaryIsNew, insertAt, key); err != nil {
			return fail(err)
		}
		if rightEntry, err = t.encodeSeparator(ctx, hR.Ref(), sep); err != nil {
			return fail(err)
		}

		lhdr := nodeHeader{kind: kindLeaf, keyCount: b, maxKeyLen: hdr.maxKeyLen, sibling: hR.Ref()}
		if _, err = lpage.AppendRecord(encodeNodeRecord(lhdr)); err != nil {
			return fail(err)
		}
		if err = copyEntryRange(lpage, rpage, 0, b); err != nil {
			return fail(err)
		}
		rhdr := nodeHeader{kind: kindLeaf, keyCount: n - b, maxKeyLen: hdr.maxKeyLen}
		if _, err = rpg.AppendRecord(encodeNodeRecord(rhdr)); err != nil {
			return fail(err)
		}
		if err = copyEntryRange(rpg, rpage, b, n); err != nil {
			return fail(err)
		}
	} else {
		if n < 4 {
			return fail(fmt.Errorf("%w: splitting %d-entry root branch %s", ErrTreeInvalid, n, t.root))
		}
		sizes, err := entrySizes(rpage)
		if err != nil {
			return fail(err)
		}
		m := branchSplitPoint(sizes)
		promoted, err := branchEntryAt(rpage, m)
		if err != nil {
			return fail(err)
		}
		if promoted.hasOvflKey() {
			if sep, err = t.ovfl.LoadKey(promoted.keyOvfl); err != nil {
				return fail(err)
			}
		} else {
			sep = append([]byte(nil), promoted.key...)
		}
		rightEntry = encodeBranchEntry(branchEntry{child: hR.Ref(), keyOvfl: promoted.keyOvfl, key: promoted.key})

		lhdr := nodeHeader{kind: kindBranch, keyCount: m - 1, maxKeyLen: hdr.maxKeyLen}
		if _, err = lpage.AppendRecord(encodeNodeRecord(lhdr)); err != nil {
			return fail(err)
		}
		if err = copyEntryRange(lpage, rpage, 0, m); err != nil {
			return fail(err)
		}
		rhdr := nodeHeader{kind: kindBranch, keyCount: n - m - 1, maxKeyLen: hdr.maxKeyLen}
		if _, err = rpg.AppendRecord(encodeNodeRecord(rhdr)); err != nil {
			return fail(err)
		}
		if _, err = rpg.AppendRecord(encodeBranchEntry(branchEntry{child: promoted.child})); err != nil {
			return fail(err)
		}
		if err = copyEntryRange(rpg, rpage, m+1, n); err != nil {
			return fail(err)
		}
	}

	if _, err = t.mgr.wal.Append(storage.NewPageFormatRecord(ctx.txID, hL.Ref(), storage.PageTypeNode)); err != nil {
		return fail(err)
	}
	if err = t.stamp(hL, storage.NewPageImageRecord(ctx.txID, hL.Ref(), storage.PageTypeNode, nil, lpage.Data)); err != nil {
		return fail(err)
	}
	if _, err = t.mgr.wal.Append(storage.NewPageFormatRecord(ctx.txID, hR.Ref(), storage.PageTypeNode)); err != nil {
		return fail(err)
	}
	if err = t.stamp(hR, storage.NewPageImageRecord(ctx.txID, hR.Ref(), storage.PageTypeNode, nil, rpg.Data)); err != nil {
		return fail(err)
	}

	// Rebuild the root in place around the two halves.
	newHdr := nodeHeader{kind: kindBranch, keyCount: 1, maxKeyLen: hdr.maxKeyLen}
	if len(sep) > newHdr.maxKeyLen {
		newHdr.maxKeyLen = len(sep)
	}
	ext.revision++
	rec0 := encodeRootRecord(newHdr, ext)

	oldImage := append([]byte(nil), rpage.Data...)
	for i := rpage.RecordCount() - 1; i >= 0; i-- {
		if err = rpage.DeleteRecord(i); err != nil {
			return fail(err)
		}
	}
	if _, err = rpage.AppendRecord(rec0); err != nil {
		return fail(err)
	}
	if _, err = rpage.AppendRecord(encodeBranchEntry(branchEntry{child: hL.Ref()})); err != nil {
		return fail(err)
	}
	if _, err = rpage.AppendRecord(rightEntry); err != nil {
		return fail(err)
	}
	if err = t.stamp(hRoot, storage.NewPageImageRecord(ctx.txID, t.root, storage.PageTypeNode, oldImage, rpage.Data)); err != nil {
		return fail(err)
	}

	if ctx.scoped() {
		if err = t.mgr.endScope(ctx.txID, scopeLSN); err != nil {
			return fail(err)
		}
	}

	if err = t.mgr.pool.Unfix(hRoot); err != nil {
		t.mgr.pool.Unfix(hR)
		t.mgr.pool.Unfix(hL)
		return nil, err
	}
	if t.domain.Compare(key, sep) >= 0 {
		if err = t.mgr.pool.Unfix(hL); err != nil {
			t.mgr.pool.Unfix(hR)
			return nil, err
		}
		return hR, nil
	}
	if err = t.mgr.pool.Unfix(hR); err != nil {
		t.mgr.pool.Unfix(hL)
		return nil, err
	}
	return hL, nil
}
