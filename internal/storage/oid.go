package storage

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// OIDSize is the on-disk size of an encoded OID.
const OIDSize = 8

// OID identifies an object stored in a slotted page: a page reference
// plus the slot index within the page. Index leaves map keys to sets
// of OIDs; the index itself never dereferences them.
type OID struct {
	Vol  uint16
	Page uint32
	Slot uint16
}

// NilOID is the nil object identifier.
var NilOID = OID{}

// IsNil reports whether the OID is the nil identifier.
func (o OID) IsNil() bool {
	return o == NilOID
}

// PageRef returns the page portion of the OID.
func (o OID) PageRef() PageRef {
	return PageRef{Vol: o.Vol, Page: o.Page}
}

// String returns "vol:page:slot".
func (o OID) String() string {
	return fmt.Sprintf("%d:%d:%d", o.Vol, o.Page, o.Slot)
}

// ParseOID parses the "vol:page:slot" form produced by String.
func ParseOID(s string) (OID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return OID{}, fmt.Errorf("invalid object id %q: want vol:page:slot", s)
	}
	vol, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return OID{}, fmt.Errorf("invalid object id %q: bad volume: %v", s, err)
	}
	page, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return OID{}, fmt.Errorf("invalid object id %q: bad page: %v", s, err)
	}
	slot, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return OID{}, fmt.Errorf("invalid object id %q: bad slot: %v", s, err)
	}
	return OID{Vol: uint16(vol), Page: uint32(page), Slot: uint16(slot)}, nil
}

// Compare orders OIDs by volume, then page, then slot.
func (o OID) Compare(other OID) int {
	switch {
	case o.Vol < other.Vol:
		return -1
	case o.Vol > other.Vol:
		return 1
	case o.Page < other.Page:
		return -1
	case o.Page > other.Page:
		return 1
	case o.Slot < other.Slot:
		return -1
	case o.Slot > other.Slot:
		return 1
	default:
		return 0
	}
}

// PutOID encodes an OID into buf.
// Layout:
//   - Bytes 0-1: Vol (uint16)
//   - Bytes 2-5: Page (uint32)
//   - Bytes 6-7: Slot (uint16)
func PutOID(buf []byte, o OID) {
	binary.LittleEndian.PutUint16(buf[0:2], o.Vol)
	binary.LittleEndian.PutUint32(buf[2:6], o.Page)
	binary.LittleEndian.PutUint16(buf[6:8], o.Slot)
}

// GetOID decodes an OID from buf.
func GetOID(buf []byte) OID {
	return OID{
		Vol:  binary.LittleEndian.Uint16(buf[0:2]),
		Page: binary.LittleEndian.Uint32(buf[2:6]),
		Slot: binary.LittleEndian.Uint16(buf[6:8]),
	}
}
