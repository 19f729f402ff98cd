package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Overflow chain layout. Both chain kinds share the same link header
// at the start of the page data area:
//   - Bytes 0-3: NextPage (uint32, next page of the chain, 0 = end)
//   - Bytes 4-5: Count (uint16): payload bytes for key chains,
//     number of OIDs for OID chains
//   - Bytes 6-..: payload
const (
	ovflNextOff    = 0
	ovflCountOff   = 4
	ovflPayloadOff = 6
)

// Overflow errors.
var (
	ErrNotOverflowPage = errors.New("page is not an overflow page")
	ErrOverflowChain   = errors.New("overflow chain is inconsistent")
)

// OverflowFile stores keys too large for a tree page and OID sets that
// outgrew their leaf entry. Entries are chains of pages on a dedicated
// volume, identified by their head page. All access goes through the
// buffer pool; mutations are logged so chains survive crashes.
//
// Callers hold the owning leaf exclusively while mutating a chain, so
// chain operations never race with each other.
type OverflowFile struct {
	pool *BufferPool
	wal  *WAL
	vol  uint16
}

// NewOverflowFile creates an overflow file over the given volume. A
// nil WAL disables logging.
func NewOverflowFile(pool *BufferPool, wal *WAL, vol uint16) *OverflowFile {
	return &OverflowFile{pool: pool, wal: wal, vol: vol}
}

// VolumeID returns the volume the overflow chains live on.
func (of *OverflowFile) VolumeID() uint16 {
	return of.vol
}

func ovflNext(p *Page) uint32 {
	return binary.LittleEndian.Uint32(p.Data[ovflNextOff : ovflNextOff+4])
}

func ovflSetNext(p *Page, next uint32) {
	binary.LittleEndian.PutUint32(p.Data[ovflNextOff:ovflNextOff+4], next)
}

func ovflCount(p *Page) int {
	return int(binary.LittleEndian.Uint16(p.Data[ovflCountOff : ovflCountOff+2]))
}

func ovflSetCount(p *Page, n int) {
	binary.LittleEndian.PutUint16(p.Data[ovflCountOff:ovflCountOff+2], uint16(n))
}

// payloadCapacity returns the payload bytes available per chain page.
func (of *OverflowFile) payloadCapacity() (int, error) {
	v, err := of.pool.Volume(of.vol)
	if err != nil {
		return 0, err
	}
	return v.PageSize() - PageHeaderSize - ovflPayloadOff, nil
}

// oidCapacity returns the OIDs that fit on one chain page.
func (of *OverflowFile) oidCapacity() (int, error) {
	c, err := of.payloadCapacity()
	if err != nil {
		return 0, err
	}
	return c / OIDSize, nil
}

func (of *OverflowFile) logImage(txID uint64, ref PageRef, t PageType, oldData, newData []byte) (uint64, error) {
	if of.wal == nil {
		return 0, nil
	}
	return of.wal.Append(NewPageImageRecord(txID, ref, t, oldData, newData))
}

func (of *OverflowFile) logFormat(txID uint64, ref PageRef, t PageType) error {
	if of.wal == nil {
		return nil
	}
	_, err := of.wal.Append(NewPageFormatRecord(txID, ref, t))
	return err
}

func (of *OverflowFile) logFree(txID uint64, ref PageRef, t PageType, oldData []byte) error {
	if of.wal == nil {
		return nil
	}
	_, err := of.wal.Append(NewPageFreeRecord(txID, ref, t, oldData))
	return err
}

func copyData(p *Page) []byte {
	buf := make([]byte, len(p.Data))
	copy(buf, p.Data)
	return buf
}

// StoreKey writes a key into a fresh chain and returns its head.
func (of *OverflowFile) StoreKey(txID uint64, key []byte) (PageRef, error) {
	capacity, err := of.payloadCapacity()
	if err != nil {
		return NilRef, err
	}

	var head PageRef
	var prev *PageHandle

	for off := 0; off < len(key) || off == 0; off += capacity {
		frag := key[off:]
		if len(frag) > capacity {
			frag = frag[:capacity]
		}

		h, err := of.pool.AllocatePage(of.vol, PageTypeOverflowKey)
		if err != nil {
			if prev != nil {
				of.pool.Unfix(prev)
			}
			return NilRef, err
		}
		if err := of.logFormat(txID, h.Ref(), PageTypeOverflowKey); err != nil {
			of.pool.Unfix(h)
			return NilRef, err
		}

		page := h.Page()
		ovflSetNext(page, 0)
		ovflSetCount(page, len(frag))
		copy(page.Data[ovflPayloadOff:], frag)
		lsn, err := of.logImage(txID, h.Ref(), PageTypeOverflowKey, nil, copyData(page))
		if err != nil {
			of.pool.Unfix(h)
			return NilRef, err
		}
		of.pool.MarkDirty(h, LSA(lsn))

		if prev == nil {
			head = h.Ref()
		} else {
			prevPage := prev.Page()
			old := copyData(prevPage)
			ovflSetNext(prevPage, h.Ref().Page)
			lsn, err := of.logImage(txID, prev.Ref(), PageTypeOverflowKey, old, copyData(prevPage))
			if err != nil {
				of.pool.Unfix(h)
				of.pool.Unfix(prev)
				return NilRef, err
			}
			of.pool.MarkDirty(prev, LSA(lsn))
			of.pool.Unfix(prev)
		}
		prev = h
	}

	if prev != nil {
		of.pool.Unfix(prev)
	}
	return head, nil
}

// LoadKey reads the whole key stored in the chain at head.
func (of *OverflowFile) LoadKey(head PageRef) ([]byte, error) {
	var key []byte

	ref := head
	for !ref.IsNil() {
		h, err := of.pool.Fix(ref, FixShared)
		if err != nil {
			return nil, err
		}
		page := h.Page()
		if page.Header.PageType != PageTypeOverflowKey {
			of.pool.Unfix(h)
			return nil, fmt.Errorf("%w: %s is %s", ErrNotOverflowPage, ref, page.Header.PageType)
		}

		n := ovflCount(page)
		if ovflPayloadOff+n > len(page.Data) {
			of.pool.Unfix(h)
			return nil, fmt.Errorf("%w: fragment length %d on %s", ErrOverflowChain, n, ref)
		}
		key = append(key, page.Data[ovflPayloadOff:ovflPayloadOff+n]...)

		next := ovflNext(page)
		of.pool.Unfix(h)
		if next == 0 {
			break
		}
		ref = PageRef{Vol: of.vol, Page: next}
	}

	return key, nil
}

// FreeChain releases every page of the chain at head.
func (of *OverflowFile) FreeChain(txID uint64, head PageRef) error {
	ref := head
	for !ref.IsNil() {
		h, err := of.pool.Fix(ref, FixExclusive)
		if err != nil {
			return err
		}
		page := h.Page()
		pageType := page.Header.PageType
		if pageType != PageTypeOverflowKey && pageType != PageTypeOverflowOID {
			of.pool.Unfix(h)
			return fmt.Errorf("%w: %s is %s", ErrNotOverflowPage, ref, pageType)
		}

		next := ovflNext(page)
		old := copyData(page)
		of.pool.Unfix(h)

		if err := of.logFree(txID, ref, pageType, old); err != nil {
			return err
		}
		if err := of.pool.FreePage(ref); err != nil {
			return err
		}

		if next == 0 {
			break
		}
		ref = PageRef{Vol: of.vol, Page: next}
	}

	return nil
}

// AppendOID adds an OID to the chain at head, allocating the head or a
// new tail page as needed. Returns the chain head, which is freshly
// allocated when head was nil.
func (of *OverflowFile) AppendOID(txID uint64, head PageRef, oid OID) (PageRef, error) {
	capacity, err := of.oidCapacity()
	if err != nil {
		return NilRef, err
	}

	if head.IsNil() {
		h, err := of.pool.AllocatePage(of.vol, PageTypeOverflowOID)
		if err != nil {
			return NilRef, err
		}
		if err := of.logFormat(txID, h.Ref(), PageTypeOverflowOID); err != nil {
			of.pool.Unfix(h)
			return NilRef, err
		}
		page := h.Page()
		ovflSetNext(page, 0)
		ovflSetCount(page, 1)
		PutOID(page.Data[ovflPayloadOff:], oid)
		lsn, err := of.logImage(txID, h.Ref(), PageTypeOverflowOID, nil, copyData(page))
		if err != nil {
			of.pool.Unfix(h)
			return NilRef, err
		}
		of.pool.MarkDirty(h, LSA(lsn))
		ref := h.Ref()
		of.pool.Unfix(h)
		return ref, nil
	}

	// Walk to the tail page.
	ref := head
	for {
		h, err := of.pool.Fix(ref, FixExclusive)
		if err != nil {
			return NilRef, err
		}
		page := h.Page()
		if page.Header.PageType != PageTypeOverflowOID {
			of.pool.Unfix(h)
			return NilRef, fmt.Errorf("%w: %s is %s", ErrNotOverflowPage, ref, page.Header.PageType)
		}

		next := ovflNext(page)
		if next != 0 {
			of.pool.Unfix(h)
			ref = PageRef{Vol: of.vol, Page: next}
			continue
		}

		count := ovflCount(page)
		if count < capacity {
			old := copyData(page)
			PutOID(page.Data[ovflPayloadOff+count*OIDSize:], oid)
			ovflSetCount(page, count+1)
			lsn, err := of.logImage(txID, ref, PageTypeOverflowOID, old, copyData(page))
			if err != nil {
				of.pool.Unfix(h)
				return NilRef, err
			}
			of.pool.MarkDirty(h, LSA(lsn))
			of.pool.Unfix(h)
			return head, nil
		}

		// Tail is full: chain a new page behind it.
		nh, err := of.pool.AllocatePage(of.vol, PageTypeOverflowOID)
		if err != nil {
			of.pool.Unfix(h)
			return NilRef, err
		}
		if err := of.logFormat(txID, nh.Ref(), PageTypeOverflowOID); err != nil {
			of.pool.Unfix(nh)
			of.pool.Unfix(h)
			return NilRef, err
		}

		newPage := nh.Page()
		ovflSetNext(newPage, 0)
		ovflSetCount(newPage, 1)
		PutOID(newPage.Data[ovflPayloadOff:], oid)
		lsn, err := of.logImage(txID, nh.Ref(), PageTypeOverflowOID, nil, copyData(newPage))
		if err != nil {
			of.pool.Unfix(nh)
			of.pool.Unfix(h)
			return NilRef, err
		}
		of.pool.MarkDirty(nh, LSA(lsn))

		old := copyData(page)
		ovflSetNext(page, nh.Ref().Page)
		lsn, err = of.logImage(txID, ref, PageTypeOverflowOID, old, copyData(page))
		if err != nil {
			of.pool.Unfix(nh)
			of.pool.Unfix(h)
			return NilRef, err
		}
		of.pool.MarkDirty(h, LSA(lsn))

		of.pool.Unfix(nh)
		of.pool.Unfix(h)
		return head, nil
	}
}

// chainPages returns the refs of every page in the chain at head.
func (of *OverflowFile) chainPages(head PageRef) ([]PageRef, error) {
	var refs []PageRef
	ref := head
	for !ref.IsNil() {
		h, err := of.pool.Fix(ref, FixShared)
		if err != nil {
			return nil, err
		}
		page := h.Page()
		if page.Header.PageType != PageTypeOverflowOID {
			of.pool.Unfix(h)
			return nil, fmt.Errorf("%w: %s is %s", ErrNotOverflowPage, ref, page.Header.PageType)
		}
		refs = append(refs, ref)
		next := ovflNext(page)
		of.pool.Unfix(h)
		if next == 0 {
			break
		}
		ref = PageRef{Vol: of.vol, Page: next}
	}
	return refs, nil
}

// RemoveOID removes one OID from the chain at head. The hole is filled
// by the last OID of the chain, so removal never shifts other entries.
// Returns the possibly changed head (nil when the chain became empty)
// and whether the OID was found.
func (of *OverflowFile) RemoveOID(txID uint64, head PageRef, oid OID) (PageRef, bool, error) {
	refs, err := of.chainPages(head)
	if err != nil {
		return head, false, err
	}
	if len(refs) == 0 {
		return head, false, nil
	}

	// Locate the OID.
	foundPage := -1
	foundIdx := -1
	for i, ref := range refs {
		h, err := of.pool.Fix(ref, FixShared)
		if err != nil {
			return head, false, err
		}
		page := h.Page()
		count := ovflCount(page)
		for j := 0; j < count; j++ {
			if GetOID(page.Data[ovflPayloadOff+j*OIDSize:]) == oid {
				foundPage = i
				foundIdx = j
				break
			}
		}
		of.pool.Unfix(h)
		if foundPage >= 0 {
			break
		}
	}

	if foundPage < 0 {
		return head, false, nil
	}

	lastRef := refs[len(refs)-1]
	foundRef := refs[foundPage]

	if foundRef == lastRef {
		h, err := of.pool.Fix(foundRef, FixExclusive)
		if err != nil {
			return head, false, err
		}
		page := h.Page()
		count := ovflCount(page)
		old := copyData(page)
		last := GetOID(page.Data[ovflPayloadOff+(count-1)*OIDSize:])
		PutOID(page.Data[ovflPayloadOff+foundIdx*OIDSize:], last)
		ovflSetCount(page, count-1)
		empty := count-1 == 0
		lsn, err := of.logImage(txID, foundRef, PageTypeOverflowOID, old, copyData(page))
		if err != nil {
			of.pool.Unfix(h)
			return head, false, err
		}
		of.pool.MarkDirty(h, LSA(lsn))
		of.pool.Unfix(h)

		if !empty {
			return head, true, nil
		}
		return of.shrinkChain(txID, head, refs)
	}

	// The hole and the chain tail are on different pages: move the
	// tail's last OID into the hole.
	fh, err := of.pool.Fix(foundRef, FixExclusive)
	if err != nil {
		return head, false, err
	}
	lh, err := of.pool.Fix(lastRef, FixExclusive)
	if err != nil {
		of.pool.Unfix(fh)
		return head, false, err
	}

	lastPage := lh.Page()
	lastCount := ovflCount(lastPage)
	if lastCount == 0 {
		of.pool.Unfix(lh)
		of.pool.Unfix(fh)
		return head, false, fmt.Errorf("%w: empty tail page %s", ErrOverflowChain, lastRef)
	}
	last := GetOID(lastPage.Data[ovflPayloadOff+(lastCount-1)*OIDSize:])

	foundOld := copyData(fh.Page())
	PutOID(fh.Page().Data[ovflPayloadOff+foundIdx*OIDSize:], last)
	lsn, err := of.logImage(txID, foundRef, PageTypeOverflowOID, foundOld, copyData(fh.Page()))
	if err != nil {
		of.pool.Unfix(lh)
		of.pool.Unfix(fh)
		return head, false, err
	}
	of.pool.MarkDirty(fh, LSA(lsn))

	lastOld := copyData(lastPage)
	ovflSetCount(lastPage, lastCount-1)
	empty := lastCount-1 == 0
	lsn, err = of.logImage(txID, lastRef, PageTypeOverflowOID, lastOld, copyData(lastPage))
	if err != nil {
		of.pool.Unfix(lh)
		of.pool.Unfix(fh)
		return head, false, err
	}
	of.pool.MarkDirty(lh, LSA(lsn))

	of.pool.Unfix(lh)
	of.pool.Unfix(fh)

	if !empty {
		return head, true, nil
	}
	return of.shrinkChain(txID, head, refs)
}

// TakeOID removes one OID from the chain at head and returns it. Which
// OID is taken is unspecified. Returns the possibly changed head, nil
// when the chain became empty.
func (of *OverflowFile) TakeOID(txID uint64, head PageRef) (OID, PageRef, error) {
	h, err := of.pool.Fix(head, FixShared)
	if err != nil {
		return NilOID, head, err
	}
	page := h.Page()
	if page.Header.PageType != PageTypeOverflowOID {
		of.pool.Unfix(h)
		return NilOID, head, fmt.Errorf("%w: %s is %s", ErrNotOverflowPage, head, page.Header.PageType)
	}
	count := ovflCount(page)
	if count == 0 {
		of.pool.Unfix(h)
		return NilOID, head, fmt.Errorf("%w: empty head page %s", ErrOverflowChain, head)
	}
	oid := GetOID(page.Data[ovflPayloadOff:])
	of.pool.Unfix(h)

	newHead, found, err := of.RemoveOID(txID, head, oid)
	if err != nil {
		return NilOID, head, err
	}
	if !found {
		return NilOID, head, fmt.Errorf("%w: OID vanished from %s", ErrOverflowChain, head)
	}
	return oid, newHead, nil
}

// shrinkChain drops the empty tail page of the chain. Returns the new
// head, nil when the whole chain is gone.
func (of *OverflowFile) shrinkChain(txID uint64, head PageRef, refs []PageRef) (PageRef, bool, error) {
	lastRef := refs[len(refs)-1]

	if len(refs) == 1 {
		// Chain is a single empty page: free it.
		h, err := of.pool.Fix(lastRef, FixExclusive)
		if err != nil {
			return head, true, err
		}
		old := copyData(h.Page())
		of.pool.Unfix(h)
		if err := of.logFree(txID, lastRef, PageTypeOverflowOID, old); err != nil {
			return head, true, err
		}
		if err := of.pool.FreePage(lastRef); err != nil {
			return head, true, err
		}
		return NilRef, true, nil
	}

	// Unlink the tail from its predecessor, then free it.
	prevRef := refs[len(refs)-2]
	ph, err := of.pool.Fix(prevRef, FixExclusive)
	if err != nil {
		return head, true, err
	}
	old := copyData(ph.Page())
	ovflSetNext(ph.Page(), 0)
	lsn, err := of.logImage(txID, prevRef, PageTypeOverflowOID, old, copyData(ph.Page()))
	if err != nil {
		of.pool.Unfix(ph)
		return head, true, err
	}
	of.pool.MarkDirty(ph, LSA(lsn))
	of.pool.Unfix(ph)

	lh, err := of.pool.Fix(lastRef, FixExclusive)
	if err != nil {
		return head, true, err
	}
	lastOld := copyData(lh.Page())
	of.pool.Unfix(lh)
	if err := of.logFree(txID, lastRef, PageTypeOverflowOID, lastOld); err != nil {
		return head, true, err
	}
	if err := of.pool.FreePage(lastRef); err != nil {
		return head, true, err
	}

	return head, true, nil
}

// ContainsOID reports whether the chain at head holds the OID.
func (of *OverflowFile) ContainsOID(head PageRef, oid OID) (bool, error) {
	ref := head
	for !ref.IsNil() {
		h, err := of.pool.Fix(ref, FixShared)
		if err != nil {
			return false, err
		}
		page := h.Page()
		if page.Header.PageType != PageTypeOverflowOID {
			of.pool.Unfix(h)
			return false, fmt.Errorf("%w: %s is %s", ErrNotOverflowPage, ref, page.Header.PageType)
		}
		count := ovflCount(page)
		for j := 0; j < count; j++ {
			if GetOID(page.Data[ovflPayloadOff+j*OIDSize:]) == oid {
				of.pool.Unfix(h)
				return true, nil
			}
		}
		next := ovflNext(page)
		of.pool.Unfix(h)
		if next == 0 {
			break
		}
		ref = PageRef{Vol: of.vol, Page: next}
	}
	return false, nil
}

// LoadOIDs returns every OID in the chain at head.
func (of *OverflowFile) LoadOIDs(head PageRef) ([]OID, error) {
	var oids []OID
	ref := head
	for !ref.IsNil() {
		h, err := of.pool.Fix(ref, FixShared)
		if err != nil {
			return nil, err
		}
		page := h.Page()
		if page.Header.PageType != PageTypeOverflowOID {
			of.pool.Unfix(h)
			return nil, fmt.Errorf("%w: %s is %s", ErrNotOverflowPage, ref, page.Header.PageType)
		}
		count := ovflCount(page)
		for j := 0; j < count; j++ {
			oids = append(oids, GetOID(page.Data[ovflPayloadOff+j*OIDSize:]))
		}
		next := ovflNext(page)
		of.pool.Unfix(h)
		if next == 0 {
			break
		}
		ref = PageRef{Vol: of.vol, Page: next}
	}
	return oids, nil
}

// CountOIDs returns the number of OIDs in the chain at head.
func (of *OverflowFile) CountOIDs(head PageRef) (int, error) {
	total := 0
	ref := head
	for !ref.IsNil() {
		h, err := of.pool.Fix(ref, FixShared)
		if err != nil {
			return 0, err
		}
		page := h.Page()
		if page.Header.PageType != PageTypeOverflowOID {
			of.pool.Unfix(h)
			return 0, fmt.Errorf("%w: %s is %s", ErrNotOverflowPage, ref, page.Header.PageType)
		}
		total += ovflCount(page)
		next := ovflNext(page)
		of.pool.Unfix(h)
		if next == 0 {
			break
		}
		ref = PageRef{Vol: of.vol, Page: next}
	}
	return total, nil
}
