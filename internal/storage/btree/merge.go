package btree

import (
	"errors"
	"runtime"

	"github.com/tern-db/tern/internal/storage"
)

// freeRetired returns a detached page to the free list. A transaction
// that remembered the page before it was cut out may still re-fix it
// for a version check; that pin lasts microseconds, so a pinned page
// is retried rather than failed. Retiring bumps the version first, so
// such a check can only fail and let go.
func (t *BTree) freeRetired(ref storage.PageRef) error {
	for {
		err := t.mgr.pool.FreePage(ref)
		if err == nil || !errors.Is(err, storage.ErrPagePinned) {
			return err
		}
		runtime.Gosched()
	}
}

// mergePeek is what the merge decision needs to know about one node:
// its free space, and the bytes its entries would add to a left-hand
// survivor, slot directory included.
type mergePeek struct {
	free     int
	arriving int
	entries  int
}

func peekNode(page *storage.Page) (mergePeek, error) {
	sizes, err := entrySizes(page)
	if err != nil {
		return mergePeek{}, err
	}
	p := mergePeek{free: page.FreeSpace(), entries: len(sizes)}
	for _, s := range sizes {
		p.arriving += s
	}
	return p, nil
}

// branchSepGrowth returns the bytes the right member's keyless head
// entry gains when the parent separator at sepIdx moves down into it.
func branchSepGrowth(parent *storage.Page, sepIdx int) (int, error) {
	l, err := parent.RecordLen(entrySlot(sepIdx))
	if err != nil {
		return 0, err
	}
	return l - (treeRefSize + 2), nil
}

// tryMerge decides whether the child at childIdx of the fixed parent
// should fold into a same-parent neighbor, performs the merge it
// settles on, and returns the exclusive handle the descent continues
// with: the merge survivor, or the untouched child. The parent is
// released either way. Both incoming handles must be exclusive.
//
// The neighbor peeks run with the child unfixed so at most two latches
// are ever held. That is safe to act on: while the parent is held
// exclusive no writer can reach any of its children, so the peeked
// sizes hold until the pair is re-fixed. The sizes are still verified
// again on the fixed pair, and a failed check just skips the merge.
func (t *BTree) tryMerge(ctx *opCtx, hP *storage.PageHandle, childIdx int, hC *storage.PageHandle) (*storage.PageHandle, error) {
	fail := func(err error) (*storage.PageHandle, error) {
		t.mgr.pool.Unfix(hC)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}
	keep := func() (*storage.PageHandle, error) {
		if err := t.mgr.pool.Unfix(hP); err != nil {
			t.mgr.pool.Unfix(hC)
			return nil, err
		}
		return hC, nil
	}

	chdr, err := readNodeHeader(hC.Page())
	if err != nil {
		return fail(err)
	}
	cPeek, err := peekNode(hC.Page())
	if err != nil {
		return fail(err)
	}
	// Probing neighbors is only worth it once the child runs at less
	// than half occupancy.
	if cPeek.free <= storage.PageSize/2 && !(chdr.isLeaf() && cPeek.entries == 0) {
		return keep()
	}
	pn := entryCount(hP.Page())
	if pn < 2 {
		return keep()
	}

	cRef := hC.Ref()
	if err := t.mgr.pool.Unfix(hC); err != nil {
		t.mgr.pool.Unfix(hP)
		return nil, err
	}
	// Re-fix before releasing the parent: the child can only be freed
	// by a merge, and a merge has to come through the parent.
	refix := func() (*storage.PageHandle, error) {
		h, err := t.mgr.pool.Fix(cRef, storage.FixExclusive)
		if err != nil {
			t.mgr.pool.Unfix(hP)
			return nil, err
		}
		if err := t.mgr.pool.Unfix(hP); err != nil {
			t.mgr.pool.Unfix(h)
			return nil, err
		}
		return h, nil
	}
	failP := func(err error) (*storage.PageHandle, error) {
		t.mgr.pool.Unfix(hP)
		return nil, err
	}

	var leftRef, rightRef storage.PageRef
	var leftPeek, rightPeek mergePeek
	var leftOK, rightOK bool

	if childIdx > 0 {
		e, err := branchEntryAt(hP.Page(), childIdx-1)
		if err != nil {
			return failP(err)
		}
		leftRef = e.child
		hN, err := t.mgr.pool.Fix(leftRef, storage.FixShared)
		if err != nil {
			return failP(err)
		}
		leftPeek, err = peekNode(hN.Page())
		if uerr := t.mgr.pool.Unfix(hN); err == nil {
			err = uerr
		}
		if err != nil {
			return failP(err)
		}
		need := cPeek.arriving
		if !chdr.isLeaf() {
			g, err := branchSepGrowth(hP.Page(), childIdx)
			if err != nil {
				return failP(err)
			}
			need += g
		}
		leftOK = leftPeek.free >= need
	}
	if childIdx < pn-1 {
		e, err := branchEntryAt(hP.Page(), childIdx+1)
		if err != nil {
			return failP(err)
		}
		rightRef = e.child
		hN, err := t.mgr.pool.Fix(rightRef, storage.FixShared)
		if err != nil {
			return failP(err)
		}
		rightPeek, err = peekNode(hN.Page())
		if uerr := t.mgr.pool.Unfix(hN); err == nil {
			err = uerr
		}
		if err != nil {
			return failP(err)
		}
		need := rightPeek.arriving
		if !chdr.isLeaf() {
			g, err := branchSepGrowth(hP.Page(), childIdx+1)
			if err != nil {
				return failP(err)
			}
			need += g
		}
		rightOK = cPeek.free >= need
	}

	if !leftOK && !rightOK {
		return refix()
	}
	useLeft := leftOK
	if leftOK && rightOK {
		useLeft = t.mgr.policy(leftPeek.free, rightPeek.free)
	}

	var lRef, rRef storage.PageRef
	var leftIdx int
	if useLeft {
		lRef, rRef, leftIdx = leftRef, cRef, childIdx-1
	} else {
		lRef, rRef, leftIdx = cRef, rightRef, childIdx
	}

	hL, err := t.mgr.pool.Fix(lRef, storage.FixExclusive)
	if err != nil {
		return failP(err)
	}
	hR, err := t.mgr.pool.Fix(rRef, storage.FixExclusive)
	if err != nil {
		t.mgr.pool.Unfix(hL)
		return failP(err)
	}
	abandon := func(err error) (*storage.PageHandle, error) {
		t.mgr.pool.Unfix(hR)
		t.mgr.pool.Unfix(hL)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}

	lhdr, err := readNodeHeader(hL.Page())
	if err != nil {
		return abandon(err)
	}
	rhdr, err := readNodeHeader(hR.Page())
	if err != nil {
		return abandon(err)
	}
	rPeek, err := peekNode(hR.Page())
	if err != nil {
		return abandon(err)
	}
	need := rPeek.arriving
	if !lhdr.isLeaf() {
		g, err := branchSepGrowth(hP.Page(), leftIdx+1)
		if err != nil {
			return abandon(err)
		}
		need += g
	}
	if lhdr.kind != rhdr.kind || hL.Page().FreeSpace() < need {
		t.mgr.pool.Unfix(hR)
		t.mgr.pool.Unfix(hL)
		return refix()
	}

	return t.mergeNodes(ctx, hP, leftIdx, hL, lhdr, hR, rhdr)
}

// mergeNodes folds the right member of a sibling pair into the left
// and drops the separator between them from the parent. Branch merges
// move the separator's key down onto the right member's head entry,
// overflow chain included; leaf merges retire the separator outright.
// The survivor's handle is returned with the parent released and the
// right page freed.
//
// Like a split, a logged merge runs as its own nested top-level scope:
// once complete it stands even if the transaction rolls back.
func (t *BTree) mergeNodes(ctx *opCtx, hP *storage.PageHandle, leftIdx int, hL *storage.PageHandle, lhdr nodeHeader, hR *storage.PageHandle, rhdr nodeHeader) (*storage.PageHandle, error) {
	fail := func(err error) (*storage.PageHandle, error) {
		t.mgr.pool.Unfix(hR)
		t.mgr.pool.Unfix(hL)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}

	var scopeLSN uint64
	var err error
	if ctx.scoped() {
		if scopeLSN, err = t.mgr.beginScope(ctx.txID); err != nil {
			return fail(err)
		}
	}

	phdr, err := readNodeHeader(hP.Page())
	if err != nil {
		return fail(err)
	}
	sepEntry, err := branchEntryAt(hP.Page(), leftIdx+1)
	if err != nil {
		return fail(err)
	}
	sepSlot := entrySlot(leftIdx + 1)
	sepRec, err := hP.Page().Record(sepSlot)
	if err != nil {
		return fail(err)
	}
	sepOld := append([]byte(nil), sepRec...)

	lpage, rpage := hL.Page(), hR.Page()
	rn := entryCount(rpage)
	lOld := append([]byte(nil), lpage.Data...)

	if lhdr.isLeaf() {
		if err := copyEntryRange(lpage, rpage, 0, rn); err != nil {
			return fail(err)
		}
		lhdr.keyCount += rhdr.keyCount
		lhdr.sibling = rhdr.sibling
	} else {
		// The separator keys the right member's head entry from now on.
		r0, err := branchEntryAt(rpage, 0)
		if err != nil {
			return fail(err)
		}
		head := encodeBranchEntry(branchEntry{child: r0.child, keyOvfl: sepEntry.keyOvfl, key: sepEntry.key})
		if _, err := lpage.AppendRecord(head); err != nil {
			return fail(err)
		}
		if err := copyEntryRange(lpage, rpage, 1, rn); err != nil {
			return fail(err)
		}
		lhdr.keyCount += rhdr.keyCount + 1
		sepLen := len(sepEntry.key)
		if sepEntry.hasOvflKey() {
			// Actual length would take a chain walk; the parent's bound
			// covers it.
			sepLen = phdr.maxKeyLen
		}
		if sepLen > lhdr.maxKeyLen {
			lhdr.maxKeyLen = sepLen
		}
	}
	if rhdr.maxKeyLen > lhdr.maxKeyLen {
		lhdr.maxKeyLen = rhdr.maxKeyLen
	}
	if err := rewriteNodeHeaderSilent(lpage, lhdr); err != nil {
		return fail(err)
	}
	if err := t.stamp(hL, storage.NewPageImageRecord(ctx.txID, hL.Ref(), storage.PageTypeNode, lOld, lpage.Data)); err != nil {
		return fail(err)
	}

	if err := hP.Page().DeleteRecord(sepSlot); err != nil {
		return fail(err)
	}
	if err := t.stamp(hP, storage.NewDeleteSlotRecord(ctx.txID, hP.Ref(), uint16(sepSlot), sepOld)); err != nil {
		return fail(err)
	}
	phdr.keyCount--
	if err := t.writeNodeHeader(ctx, hP, phdr); err != nil {
		return fail(err)
	}

	if lhdr.isLeaf() && sepEntry.hasOvflKey() {
		if err := t.ovfl.FreeChain(ctx.txID, sepEntry.keyOvfl); err != nil {
			return fail(err)
		}
	}

	rImage := append([]byte(nil), rpage.Data...)
	rRef := hR.Ref()
	if err := t.mgr.pool.MarkDirty(hR, 0); err != nil {
		return fail(err)
	}
	if err := t.mgr.pool.Unfix(hR); err != nil {
		t.mgr.pool.Unfix(hL)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}
	if _, err := t.mgr.wal.Append(storage.NewPageFreeRecord(ctx.txID, rRef, storage.PageTypeNode, rImage)); err != nil {
		t.mgr.pool.Unfix(hL)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}
	if err := t.freeRetired(rRef); err != nil {
		t.mgr.pool.Unfix(hL)
		t.mgr.pool.Unfix(hP)
		return nil, err
	}

	if ctx.scoped() {
		if err := t.mgr.endScope(ctx.txID, scopeLSN); err != nil {
			t.mgr.pool.Unfix(hL)
			t.mgr.pool.Unfix(hP)
			return nil, err
		}
	}
	if err := t.mgr.pool.Unfix(hP); err != nil {
		t.mgr.pool.Unfix(hL)
		return nil, err
	}
	return hL, nil
}

// absorbRoot collapses a root routing everything through one child:
// the child's content moves up into the root page, the child is freed,
// and the tree loses a level while the root keeps its reference. The
// absorb is skipped when the child's entries plus the root descriptor
// would outgrow the page; a later descent gets it once the child thins
// out. On success the root handle stays fixed; on error everything is
// released.
func (t *BTree) absorbRoot(ctx *opCtx, hRoot *storage.PageHandle) (bool, error) {
	rpage := hRoot.Page()
	e, err := branchEntryAt(rpage, 0)
	if err != nil {
		t.mgr.pool.Unfix(hRoot)
		return false, err
	}
	hC, err := t.mgr.pool.Fix(e.child, storage.FixExclusive)
	if err != nil {
		t.mgr.pool.Unfix(hRoot)
		return false, err
	}
	fail := func(err error) (bool, error) {
		t.mgr.pool.Unfix(hC)
		t.mgr.pool.Unfix(hRoot)
		return false, err
	}

	chdr, err := readNodeHeader(hC.Page())
	if err != nil {
		return fail(err)
	}
	sizes, err := entrySizes(hC.Page())
	if err != nil {
		return fail(err)
	}
	arriving := 0
	for _, s := range sizes {
		arriving += s
	}
	soleEntryLen, err := rpage.RecordLen(entrySlot(0))
	if err != nil {
		return fail(err)
	}
	if arriving > rpage.FreeSpace()+soleEntryLen+storage.SlotEntrySize {
		if err := t.mgr.pool.Unfix(hC); err != nil {
			t.mgr.pool.Unfix(hRoot)
			return false, err
		}
		return false, nil
	}

	var scopeLSN uint64
	if ctx.scoped() {
		if scopeLSN, err = t.mgr.beginScope(ctx.txID); err != nil {
			return fail(err)
		}
	}

	ext, err := readRootExt(rpage)
	if err != nil {
		return fail(err)
	}
	ext.revision++
	rec0 := encodeRootRecord(chdr, ext)

	oldImage := append([]byte(nil), rpage.Data...)
	for i := rpage.RecordCount() - 1; i >= 0; i-- {
		if err := rpage.DeleteRecord(i); err != nil {
			return fail(err)
		}
	}
	if _, err := rpage.AppendRecord(rec0); err != nil {
		return fail(err)
	}
	if err := copyEntryRange(rpage, hC.Page(), 0, len(sizes)); err != nil {
		return fail(err)
	}
	if err := t.stamp(hRoot, storage.NewPageImageRecord(ctx.txID, hRoot.Ref(), storage.PageTypeNode, oldImage, rpage.Data)); err != nil {
		return fail(err)
	}

	cImage := append([]byte(nil), hC.Page().Data...)
	cRef := hC.Ref()
	if err := t.mgr.pool.MarkDirty(hC, 0); err != nil {
		return fail(err)
	}
	if err := t.mgr.pool.Unfix(hC); err != nil {
		t.mgr.pool.Unfix(hRoot)
		return false, err
	}
	if _, err := t.mgr.wal.Append(storage.NewPageFreeRecord(ctx.txID, cRef, storage.PageTypeNode, cImage)); err != nil {
		t.mgr.pool.Unfix(hRoot)
		return false, err
	}
	if err := t.freeRetired(cRef); err != nil {
		t.mgr.pool.Unfix(hRoot)
		return false, err
	}

	if ctx.scoped() {
		if err := t.mgr.endScope(ctx.txID, scopeLSN); err != nil {
			t.mgr.pool.Unfix(hRoot)
			return false, err
		}
	}
	return true, nil
}
