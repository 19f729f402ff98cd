// Package storage provides the disk structures for the Tern index engine.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// PageSize is the default page size in bytes.
const PageSize = 4096

// MinPageSize is the smallest configurable page size. The tree layer
// sizes its inline-key limit and split budgets against this floor; a
// smaller page cannot hold the worst-case separator entries a
// preemptive branch split has to place.
const MinPageSize = 4096

// PageHeaderSize is the size of the page header in bytes.
const PageHeaderSize = 32

// PageRefSize is the on-disk size of an encoded PageRef.
const PageRefSize = 8

// PageType represents the type of a page in a volume.
type PageType uint8

const (
	// PageTypeFree indicates a free/unused page.
	PageTypeFree PageType = iota
	// PageTypeFileHeader indicates the header page of a volume.
	PageTypeFileHeader
	// PageTypeNode indicates a tree page, leaf or non-leaf.
	PageTypeNode
	// PageTypeOverflowKey indicates a page holding part of an oversized key.
	PageTypeOverflowKey
	// PageTypeOverflowOID indicates a page holding spilled object identifiers.
	PageTypeOverflowOID
	// PageTypeFreeList indicates a page of the persisted free list.
	PageTypeFreeList
	// PageTypeCatalog indicates the page listing the indexes of a
	// database, one record per index root.
	PageTypeCatalog
)

// String returns the string representation of a PageType.
func (pt PageType) String() string {
	switch pt {
	case PageTypeFree:
		return "Free"
	case PageTypeFileHeader:
		return "FileHeader"
	case PageTypeNode:
		return "Node"
	case PageTypeOverflowKey:
		return "OverflowKey"
	case PageTypeOverflowOID:
		return "OverflowOID"
	case PageTypeFreeList:
		return "FreeList"
	case PageTypeCatalog:
		return "Catalog"
	default:
		return "Unknown"
	}
}

// PageFlag represents flags for a page.
type PageFlag uint8

const (
	// PageFlagDirty indicates the page has been modified in memory.
	PageFlagDirty PageFlag = 1 << iota
)

// LSA is a page version stamp. The buffer pool bumps it on every logged
// mutation; scans remember it to detect pages that changed while they
// were blocked.
type LSA uint64

// PageRef locates a page: a volume identifier plus a page number within
// that volume. The zero value is the nil reference.
type PageRef struct {
	Vol  uint16
	Page uint32
}

// NilRef is the nil page reference.
var NilRef = PageRef{}

// IsNil reports whether the reference is the nil reference.
func (r PageRef) IsNil() bool {
	return r == NilRef
}

// String returns "vol:page".
func (r PageRef) String() string {
	return fmt.Sprintf("%d:%d", r.Vol, r.Page)
}

// PutPageRef encodes a PageRef into buf.
// Layout:
//   - Bytes 0-1: Vol (uint16)
//   - Bytes 2-5: Page (uint32)
//   - Bytes 6-7: reserved
func PutPageRef(buf []byte, r PageRef) {
	binary.LittleEndian.PutUint16(buf[0:2], r.Vol)
	binary.LittleEndian.PutUint32(buf[2:6], r.Page)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
}

// GetPageRef decodes a PageRef from buf.
func GetPageRef(buf []byte) PageRef {
	return PageRef{
		Vol:  binary.LittleEndian.Uint16(buf[0:2]),
		Page: binary.LittleEndian.Uint32(buf[2:6]),
	}
}

// PageHeader is the fixed header at the start of every page. Slotted
// directory bookkeeping is not part of the header; it lives inside the
// data area so that checksums and logged page images cover it.
// Layout:
//   - Bytes 0-1:   Vol (uint16)
//   - Bytes 2-5:   Page (uint32)
//   - Bytes 6-13:  LSA (uint64)
//   - Byte 14:     PageType (uint8)
//   - Byte 15:     Flags (uint8)
//   - Bytes 16-21: Reserved
//   - Bytes 22-25: Checksum (uint32, CRC32 of the data area)
//   - Bytes 26-31: Reserved
type PageHeader struct {
	Ref      PageRef
	LSA      LSA
	PageType PageType
	Flags    PageFlag
	Checksum uint32
}

// Errors for page operations.
var (
	ErrCorruptPage     = errors.New("page is corrupted")
	ErrInvalidPageSize = errors.New("invalid page size")
	ErrPageFull        = errors.New("insufficient space in page")
	ErrNoSuchSlot      = errors.New("slot does not exist")
	ErrRecordTooLarge  = errors.New("record does not fit in a page")
)

// Serialize writes the PageHeader to a byte slice.
// The slice must be at least PageHeaderSize bytes.
func (h *PageHeader) Serialize(buf []byte) error {
	if len(buf) < PageHeaderSize {
		return ErrInvalidPageSize
	}

	binary.LittleEndian.PutUint16(buf[0:2], h.Ref.Vol)
	binary.LittleEndian.PutUint32(buf[2:6], h.Ref.Page)
	binary.LittleEndian.PutUint64(buf[6:14], uint64(h.LSA))
	buf[14] = byte(h.PageType)
	buf[15] = byte(h.Flags)
	for i := 16; i < 22; i++ {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[22:26], h.Checksum)
	for i := 26; i < PageHeaderSize; i++ {
		buf[i] = 0
	}

	return nil
}

// Deserialize reads the PageHeader from a byte slice.
// The slice must be at least PageHeaderSize bytes.
func (h *PageHeader) Deserialize(buf []byte) error {
	if len(buf) < PageHeaderSize {
		return ErrInvalidPageSize
	}

	h.Ref.Vol = binary.LittleEndian.Uint16(buf[0:2])
	h.Ref.Page = binary.LittleEndian.Uint32(buf[2:6])
	h.LSA = LSA(binary.LittleEndian.Uint64(buf[6:14]))
	h.PageType = PageType(buf[14])
	h.Flags = PageFlag(buf[15])
	h.Checksum = binary.LittleEndian.Uint32(buf[22:26])

	return nil
}

// Page is a complete page: the parsed header plus the data area.
type Page struct {
	Header   PageHeader
	Data     []byte // page bytes excluding the header
	pageSize int
}

// NewPage creates an empty page of the given identity and type.
func NewPage(ref PageRef, pageType PageType, pageSize int) *Page {
	if pageSize <= 0 {
		pageSize = PageSize
	}
	p := &Page{
		Header: PageHeader{
			Ref:      ref,
			PageType: pageType,
		},
		Data:     make([]byte, pageSize-PageHeaderSize),
		pageSize: pageSize,
	}
	p.InitSlotted()
	return p
}

// Size returns the full page size including the header.
func (p *Page) Size() int {
	if p.pageSize <= 0 {
		return PageHeaderSize + len(p.Data)
	}
	return p.pageSize
}

// Serialize writes the entire page into buf, which must hold Size() bytes.
// The checksum is refreshed from the current data area.
func (p *Page) Serialize(buf []byte) error {
	if len(buf) < p.Size() {
		return ErrInvalidPageSize
	}

	p.Header.Checksum = p.CalculateChecksum()
	if err := p.Header.Serialize(buf[:PageHeaderSize]); err != nil {
		return err
	}
	copy(buf[PageHeaderSize:], p.Data)
	return nil
}

// Deserialize reads the entire page from buf.
func (p *Page) Deserialize(buf []byte) error {
	if len(buf) < PageHeaderSize {
		return ErrInvalidPageSize
	}

	if err := p.Header.Deserialize(buf[:PageHeaderSize]); err != nil {
		return err
	}

	p.pageSize = len(buf)
	if p.Data == nil || len(p.Data) != len(buf)-PageHeaderSize {
		p.Data = make([]byte, len(buf)-PageHeaderSize)
	}
	copy(p.Data, buf[PageHeaderSize:])
	return nil
}

// CalculateChecksum computes the CRC32 checksum of the page data area.
func (p *Page) CalculateChecksum() uint32 {
	return crc32.ChecksumIEEE(p.Data)
}

// ValidateChecksum verifies the stored checksum against the data area.
func (p *Page) ValidateChecksum() bool {
	return p.Header.Checksum == p.CalculateChecksum()
}

// DeserializeAndValidate reads the page, validates its checksum, and
// verifies the stored identity matches the expected reference.
func (p *Page) DeserializeAndValidate(buf []byte, want PageRef) error {
	if err := p.Deserialize(buf); err != nil {
		return err
	}
	if !p.ValidateChecksum() {
		return fmt.Errorf("%w: checksum mismatch on %s", ErrCorruptPage, want)
	}
	if p.Header.Ref != want && p.Header.PageType != PageTypeFree {
		return fmt.Errorf("%w: page %s carries identity %s", ErrCorruptPage, want, p.Header.Ref)
	}
	return nil
}

// Reset clears the page for reuse under a new type.
func (p *Page) Reset(pageType PageType) {
	p.Header.PageType = pageType
	p.Header.Flags = 0
	p.Header.LSA = 0
	p.Header.Checksum = 0
	for i := range p.Data {
		p.Data[i] = 0
	}
	p.InitSlotted()
}
