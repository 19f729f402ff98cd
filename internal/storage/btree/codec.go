package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/tern-db/tern/internal/storage"
)

const (
	// treeRefSize is the encoded size of a page reference inside node
	// records. Tighter than the storage encoding; nodes carry many of
	// them.
	treeRefSize = 6

	// nodeHeaderSize is the fixed size of record 0 on a node page.
	nodeHeaderSize = 12

	// rootExtSize is the size of the root extension before the domain.
	rootExtSize = 38

	// rootCounterOff is the offset of the three statistics counters
	// inside record 0 of the root: total OIDs, null OIDs, distinct
	// keys. Counter delta records address this offset.
	rootCounterOff = nodeHeaderSize + 2

	// kindLeaf and kindBranch are the node kinds.
	kindLeaf   = 1
	kindBranch = 2

	// maxInlineKeyLen is the longest key stored inside a node record.
	// Longer keys move to a chain in the overflow volume.
	maxInlineKeyLen = 768

	// keyLenOvfl is the key length marking an overflowed key.
	keyLenOvfl = 0xFFFF

	// maxInlineOIDs caps the OIDs inside a leaf entry; further OIDs of
	// the same key spill into an overflow chain.
	maxInlineOIDs = 32

	// MaxKeySize is the largest encoded key the tree accepts.
	MaxKeySize = 8192

	// branchWorstEntrySize is the byte budget a non-leaf page must
	// have free before a descent steps into it: the largest possible
	// separator record plus its slot. Splitting any fuller page on the
	// way down is what lets splits run top-down without backing up.
	branchWorstEntrySize = treeRefSize + 2 + maxInlineKeyLen + storage.SlotEntrySize

	// maxTreeDepth bounds descents; a deeper walk means a cycle in the
	// child references.
	maxTreeDepth = 64
)

// Root flags.
const (
	rootFlagUnique  = 0x01
	rootFlagReverse = 0x02
	rootFlagNewFile = 0x04
)

// putTreeRef encodes a page reference into node records.
func putTreeRef(buf []byte, ref storage.PageRef) {
	binary.LittleEndian.PutUint16(buf[0:2], ref.Vol)
	binary.LittleEndian.PutUint32(buf[2:6], ref.Page)
}

// getTreeRef decodes a page reference from node records.
func getTreeRef(buf []byte) storage.PageRef {
	return storage.PageRef{
		Vol:  binary.LittleEndian.Uint16(buf[0:2]),
		Page: binary.LittleEndian.Uint32(buf[2:6]),
	}
}

// oidBytes encodes OIDs back to back.
func oidBytes(oids ...storage.OID) []byte {
	buf := make([]byte, len(oids)*storage.OIDSize)
	for i, oid := range oids {
		storage.PutOID(buf[i*storage.OIDSize:], oid)
	}
	return buf
}

// nodeHeader is the fixed part of record 0 on every node page.
// Layout:
//   - Byte 0:     kind
//   - Byte 1:     reserved
//   - Bytes 2-3:  key count (uint16)
//   - Bytes 4-5:  longest key length seen (uint16)
//   - Bytes 6-11: right sibling (leaves only, nil elsewhere)
//
// On non-leaf nodes the key count is one less than the entry count:
// the first entry has no separator. The longest key length only grows;
// it survives the deletion of the key that set it.
type nodeHeader struct {
	kind      byte
	keyCount  int
	maxKeyLen int
	sibling   storage.PageRef
}

func (h nodeHeader) isLeaf() bool { return h.kind == kindLeaf }

func (h nodeHeader) encode(buf []byte) {
	buf[0] = h.kind
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.keyCount))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(h.maxKeyLen))
	putTreeRef(buf[6:12], h.sibling)
}

func decodeNodeHeader(rec []byte) (nodeHeader, error) {
	if len(rec) < nodeHeaderSize {
		return nodeHeader{}, fmt.Errorf("%w: node header is %d bytes", storage.ErrCorruptPage, len(rec))
	}
	h := nodeHeader{
		kind:      rec[0],
		keyCount:  int(binary.LittleEndian.Uint16(rec[2:4])),
		maxKeyLen: int(binary.LittleEndian.Uint16(rec[4:6])),
		sibling:   getTreeRef(rec[6:12]),
	}
	if h.kind != kindLeaf && h.kind != kindBranch {
		return nodeHeader{}, fmt.Errorf("%w: node kind %d", storage.ErrCorruptPage, h.kind)
	}
	return h, nil
}

// rootExt is the index descriptor appended to the node header on the
// root page. It stays at the same record offsets whether the root is a
// leaf or a branch.
// Layout, relative to the extension start:
//   - Byte 0:      flags
//   - Byte 1:      reserved
//   - Bytes 2-9:   total OIDs (uint64)
//   - Bytes 10-17: null-key OIDs (uint64)
//   - Bytes 18-25: distinct keys (uint64)
//   - Bytes 26-27: overflow volume (uint16)
//   - Bytes 28-31: class (uint32)
//   - Bytes 32-35: revision (uint32)
//   - Bytes 36-37: domain length (uint16)
//   - Bytes 38-:   encoded domain
type rootExt struct {
	flags    byte
	numOIDs  uint64
	numNulls uint64
	numKeys  uint64
	ovflVol  uint16
	classID  uint32
	revision uint32
	domain   []byte
}

func (e rootExt) unique() bool  { return e.flags&rootFlagUnique != 0 }
func (e rootExt) newFile() bool { return e.flags&rootFlagNewFile != 0 }

func (e rootExt) size() int { return rootExtSize + len(e.domain) }

func (e rootExt) encode(buf []byte) {
	buf[0] = e.flags
	buf[1] = 0
	binary.LittleEndian.PutUint64(buf[2:10], e.numOIDs)
	binary.LittleEndian.PutUint64(buf[10:18], e.numNulls)
	binary.LittleEndian.PutUint64(buf[18:26], e.numKeys)
	binary.LittleEndian.PutUint16(buf[26:28], e.ovflVol)
	binary.LittleEndian.PutUint32(buf[28:32], e.classID)
	binary.LittleEndian.PutUint32(buf[32:36], e.revision)
	binary.LittleEndian.PutUint16(buf[36:38], uint16(len(e.domain)))
	copy(buf[38:], e.domain)
}

// decodeRootExt decodes the extension from a full root record. The
// domain aliases rec.
func decodeRootExt(rec []byte) (rootExt, error) {
	if len(rec) < nodeHeaderSize+rootExtSize {
		return rootExt{}, fmt.Errorf("%w: root record is %d bytes", storage.ErrCorruptPage, len(rec))
	}
	ext := rec[nodeHeaderSize:]
	domLen := int(binary.LittleEndian.Uint16(ext[36:38]))
	if len(ext) < rootExtSize+domLen {
		return rootExt{}, fmt.Errorf("%w: root domain of %d bytes truncated", storage.ErrCorruptPage, domLen)
	}
	return rootExt{
		flags:    ext[0],
		numOIDs:  binary.LittleEndian.Uint64(ext[2:10]),
		numNulls: binary.LittleEndian.Uint64(ext[10:18]),
		numKeys:  binary.LittleEndian.Uint64(ext[18:26]),
		ovflVol:  binary.LittleEndian.Uint16(ext[26:28]),
		classID:  binary.LittleEndian.Uint32(ext[28:32]),
		revision: binary.LittleEndian.Uint32(ext[32:36]),
		domain:   ext[rootExtSize : rootExtSize+domLen],
	}, nil
}

// encodeRootRecord builds record 0 for the root page.
func encodeRootRecord(h nodeHeader, e rootExt) []byte {
	buf := make([]byte, nodeHeaderSize+e.size())
	h.encode(buf)
	e.encode(buf[nodeHeaderSize:])
	return buf
}

// encodeNodeRecord builds record 0 for a non-root page.
func encodeNodeRecord(h nodeHeader) []byte {
	buf := make([]byte, nodeHeaderSize)
	h.encode(buf)
	return buf
}

// leafEntrySize returns the record size of a leaf entry with a key of
// keyLen bytes and the given OID count.
func leafEntrySize(keyLen, oids int) int {
	size := treeRefSize + 2
	if keyLen > maxInlineKeyLen {
		size += treeRefSize
	} else {
		size += keyLen
	}
	return size + oids*storage.OIDSize
}

// branchEntrySize returns the record size of a non-leaf entry with a
// separator of keyLen bytes.
func branchEntrySize(keyLen int) int {
	size := treeRefSize + 2
	if keyLen > maxInlineKeyLen {
		size += treeRefSize
	} else {
		size += keyLen
	}
	return size
}

// leafEntry is the decoded form of one leaf record. Slices alias the
// page and are only valid while it stays fixed.
// Layout:
//   - Bytes 0-5: OID overflow chain head, nil when every OID is inline
//   - Bytes 6-7: key length, keyLenOvfl when the key is in overflow
//   - Then:      key bytes, or the chain head holding the key
//   - Then:      inline OIDs, 8 bytes each, never empty
//
// The first inline OID is the entry's representative: the object whose
// lock guards the key against concurrent writers and scanners.
type leafEntry struct {
	ovflOIDs storage.PageRef
	keyOvfl  storage.PageRef
	key      []byte
	oids     []byte
}

func decodeLeafEntry(rec []byte) (leafEntry, error) {
	if len(rec) < treeRefSize+2 {
		return leafEntry{}, fmt.Errorf("%w: leaf entry is %d bytes", storage.ErrCorruptPage, len(rec))
	}
	var e leafEntry
	e.ovflOIDs = getTreeRef(rec)
	kl := binary.LittleEndian.Uint16(rec[6:8])
	body := rec[treeRefSize+2:]
	if kl == keyLenOvfl {
		if len(body) < treeRefSize {
			return leafEntry{}, fmt.Errorf("%w: leaf entry truncates its key reference", storage.ErrCorruptPage)
		}
		e.keyOvfl = getTreeRef(body)
		if e.keyOvfl.IsNil() {
			return leafEntry{}, fmt.Errorf("%w: leaf entry has a nil key reference", storage.ErrCorruptPage)
		}
		body = body[treeRefSize:]
	} else {
		if kl == 0 || int(kl) > maxInlineKeyLen || int(kl) > len(body) {
			return leafEntry{}, fmt.Errorf("%w: leaf key length %d", storage.ErrCorruptPage, kl)
		}
		e.key = body[:kl]
		body = body[kl:]
	}
	if len(body) == 0 || len(body)%storage.OIDSize != 0 {
		return leafEntry{}, fmt.Errorf("%w: leaf OID area is %d bytes", storage.ErrCorruptPage, len(body))
	}
	e.oids = body
	return e, nil
}

func (e leafEntry) hasOvflKey() bool { return !e.keyOvfl.IsNil() }

func (e leafEntry) inlineCount() int { return len(e.oids) / storage.OIDSize }

func (e leafEntry) oidAt(i int) storage.OID {
	return storage.GetOID(e.oids[i*storage.OIDSize:])
}

// rep returns the representative OID.
func (e leafEntry) rep() storage.OID { return e.oidAt(0) }

// indexOfInline returns the inline position of oid, or -1.
func (e leafEntry) indexOfInline(oid storage.OID) int {
	for i := 0; i < e.inlineCount(); i++ {
		if e.oidAt(i) == oid {
			return i
		}
	}
	return -1
}

// encodeLeafEntry builds the record bytes for a leaf entry. The key is
// stored inline unless keyOvfl names its chain.
func encodeLeafEntry(e leafEntry) []byte {
	inline := e.keyOvfl.IsNil()
	size := treeRefSize + 2 + len(e.oids)
	if inline {
		size += len(e.key)
	} else {
		size += treeRefSize
	}

	buf := make([]byte, size)
	putTreeRef(buf, e.ovflOIDs)
	off := treeRefSize + 2
	if inline {
		binary.LittleEndian.PutUint16(buf[6:8], uint16(len(e.key)))
		copy(buf[off:], e.key)
		off += len(e.key)
	} else {
		binary.LittleEndian.PutUint16(buf[6:8], keyLenOvfl)
		putTreeRef(buf[off:], e.keyOvfl)
		off += treeRefSize
	}
	copy(buf[off:], e.oids)
	return buf
}

// branchEntry is the decoded form of one non-leaf record. Slices alias
// the page.
// Layout:
//   - Bytes 0-5: child reference
//   - Bytes 6-7: separator length; 0 only on the first entry
//   - Then:      separator bytes or the chain head holding it
//
// The separator of entry i bounds child i from the left: every key in
// that subtree compares at or above it. The first child has no lower
// bound on its own page.
type branchEntry struct {
	child   storage.PageRef
	keyOvfl storage.PageRef
	key     []byte
}

func decodeBranchEntry(rec []byte) (branchEntry, error) {
	if len(rec) < treeRefSize+2 {
		return branchEntry{}, fmt.Errorf("%w: branch entry is %d bytes", storage.ErrCorruptPage, len(rec))
	}
	var e branchEntry
	e.child = getTreeRef(rec)
	if e.child.IsNil() {
		return branchEntry{}, fmt.Errorf("%w: branch entry has a nil child", storage.ErrCorruptPage)
	}
	kl := binary.LittleEndian.Uint16(rec[6:8])
	body := rec[treeRefSize+2:]
	switch {
	case kl == keyLenOvfl:
		if len(body) < treeRefSize {
			return branchEntry{}, fmt.Errorf("%w: branch entry truncates its separator reference", storage.ErrCorruptPage)
		}
		e.keyOvfl = getTreeRef(body)
		if e.keyOvfl.IsNil() {
			return branchEntry{}, fmt.Errorf("%w: branch entry has a nil separator reference", storage.ErrCorruptPage)
		}
	case kl == 0:
		// First entry of the node; no separator.
	default:
		if int(kl) > maxInlineKeyLen || int(kl) > len(body) {
			return branchEntry{}, fmt.Errorf("%w: branch separator length %d", storage.ErrCorruptPage, kl)
		}
		e.key = body[:kl]
	}
	return e, nil
}

func (e branchEntry) hasOvflKey() bool { return !e.keyOvfl.IsNil() }

func (e branchEntry) keyless() bool { return len(e.key) == 0 && e.keyOvfl.IsNil() }

// encodeBranchEntry builds the record bytes for a non-leaf entry. An
// entry with neither key nor keyOvfl encodes the keyless first entry.
func encodeBranchEntry(e branchEntry) []byte {
	inline := e.keyOvfl.IsNil()
	size := treeRefSize + 2
	if inline {
		size += len(e.key)
	} else {
		size += treeRefSize
	}

	buf := make([]byte, size)
	putTreeRef(buf, e.child)
	if inline {
		binary.LittleEndian.PutUint16(buf[6:8], uint16(len(e.key)))
		copy(buf[treeRefSize+2:], e.key)
	} else {
		binary.LittleEndian.PutUint16(buf[6:8], keyLenOvfl)
		putTreeRef(buf[treeRefSize+2:], e.keyOvfl)
	}
	return buf
}

// entrySlot maps an entry index to its record slot; slot 0 is the node
// header.
func entrySlot(i int) int { return i + 1 }

// entryCount returns the number of entries on a node page.
func entryCount(page *storage.Page) int {
	n := page.RecordCount() - 1
	if n < 0 {
		return 0
	}
	return n
}

// readNodeHeader decodes and validates record 0 of a node page,
// including the key count against the entry count.
func readNodeHeader(page *storage.Page) (nodeHeader, error) {
	if page.Header.PageType != storage.PageTypeNode {
		return nodeHeader{}, fmt.Errorf("%w: %s is a %s page", storage.ErrCorruptPage, page.Header.Ref, page.Header.PageType)
	}
	rec, err := page.Record(0)
	if err != nil {
		return nodeHeader{}, fmt.Errorf("%w: node %s has no header record", storage.ErrCorruptPage, page.Header.Ref)
	}
	h, err := decodeNodeHeader(rec)
	if err != nil {
		return nodeHeader{}, fmt.Errorf("node %s: %w", page.Header.Ref, err)
	}

	entries := entryCount(page)
	if h.isLeaf() {
		if h.keyCount != entries {
			return nodeHeader{}, fmt.Errorf("%w: leaf %s counts %d keys over %d entries",
				storage.ErrCorruptPage, page.Header.Ref, h.keyCount, entries)
		}
	} else {
		if entries < 1 || h.keyCount != entries-1 {
			return nodeHeader{}, fmt.Errorf("%w: branch %s counts %d keys over %d entries",
				storage.ErrCorruptPage, page.Header.Ref, h.keyCount, entries)
		}
	}
	return h, nil
}

// leafEntryAt decodes entry i of a leaf page.
func leafEntryAt(page *storage.Page, i int) (leafEntry, error) {
	rec, err := page.Record(entrySlot(i))
	if err != nil {
		return leafEntry{}, fmt.Errorf("%w: leaf %s has no entry %d", storage.ErrCorruptPage, page.Header.Ref, i)
	}
	e, err := decodeLeafEntry(rec)
	if err != nil {
		return leafEntry{}, fmt.Errorf("leaf %s entry %d: %w", page.Header.Ref, i, err)
	}
	return e, nil
}

// branchEntryAt decodes entry i of a non-leaf page.
func branchEntryAt(page *storage.Page, i int) (branchEntry, error) {
	rec, err := page.Record(entrySlot(i))
	if err != nil {
		return branchEntry{}, fmt.Errorf("%w: branch %s has no entry %d", storage.ErrCorruptPage, page.Header.Ref, i)
	}
	e, err := decodeBranchEntry(rec)
	if err != nil {
		return branchEntry{}, fmt.Errorf("branch %s entry %d: %w", page.Header.Ref, i, err)
	}
	if i == 0 && !e.keyless() {
		return branchEntry{}, fmt.Errorf("%w: branch %s first entry carries a separator", storage.ErrCorruptPage, page.Header.Ref)
	}
	if i > 0 && e.keyless() {
		return branchEntry{}, fmt.Errorf("%w: branch %s entry %d has no separator", storage.ErrCorruptPage, page.Header.Ref, i)
	}
	return e, nil
}
