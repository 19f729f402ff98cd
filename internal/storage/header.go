package storage

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
)

// File header constants.
const (
	// FileHeaderSize is the serialized size of the volume header. The
	// header occupies the start of the first page of every volume; the
	// rest of that page is reserved.
	FileHeaderSize = 64

	// MagicNumber is the magic bytes identifying a Tern volume.
	// "TRN\x00" in bytes.
	MagicByte0 = 'T'
	MagicByte1 = 'R'
	MagicByte2 = 'N'
	MagicByte3 = 0x00

	// CurrentVersion is the current volume format version.
	CurrentVersion uint32 = 1

	// headerChecksumRange is the number of bytes covered by the header
	// checksum.
	headerChecksumRange = 60
)

// Magic is the magic number for Tern volumes.
var Magic = [4]byte{MagicByte0, MagicByte1, MagicByte2, MagicByte3}

// FileHeader represents the header of a Tern volume file.
// Layout:
//   - Bytes 0-3:   Magic number ("TRN\x00")
//   - Bytes 4-7:   Version (uint32)
//   - Bytes 8-11:  PageSize (uint32)
//   - Bytes 12-13: Vol (uint16, volume identifier)
//   - Byte 14:     CleanShutdown (1 = volume was closed cleanly)
//   - Byte 15:     Reserved
//   - Bytes 16-23: PageCount (uint64, pages allocated including page 0)
//   - Bytes 24-27: FreeListHead (uint32, first free-list page, 0 = none)
//   - Bytes 28-31: FreePageCount (uint32)
//   - Bytes 32-47: VolumeID (UUID)
//   - Bytes 48-55: CreatedAt (int64, unix seconds)
//   - Bytes 56-59: RootPage (uint32, index root page in this volume, 0 = none)
//   - Bytes 60-63: Checksum (uint32, CRC32 of bytes 0-59)
type FileHeader struct {
	Magic         [4]byte
	Version       uint32
	PageSize      uint32
	Vol           uint16
	CleanShutdown bool
	PageCount     uint64
	FreeListHead  uint32
	FreePageCount uint32
	VolumeID      uuid.UUID
	CreatedAt     time.Time
	RootPage      uint32
	Checksum      uint32
}

// Errors for file header operations.
var (
	ErrInvalidMagic       = errors.New("invalid magic number: not a tern volume")
	ErrUnsupportedVersion = errors.New("unsupported volume format version")
	ErrHeaderChecksum     = errors.New("volume header checksum mismatch")
	ErrInvalidHeaderSize  = errors.New("invalid header size")
)

// NewFileHeader creates a new FileHeader for a fresh volume.
func NewFileHeader(vol uint16, pageSize int) *FileHeader {
	return &FileHeader{
		Magic:         Magic,
		Version:       CurrentVersion,
		PageSize:      uint32(pageSize),
		Vol:           vol,
		CleanShutdown: true,
		PageCount:     1, // at least the header page
		FreeListHead:  0,
		FreePageCount: 0,
		VolumeID:      uuid.New(),
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		RootPage:      0,
	}
}

// SerializeTo writes the FileHeader to an existing byte slice.
// The slice must be at least FileHeaderSize bytes.
func (h *FileHeader) SerializeTo(buf []byte) error {
	if len(buf) < FileHeaderSize {
		return ErrInvalidHeaderSize
	}

	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint16(buf[12:14], h.Vol)
	if h.CleanShutdown {
		buf[14] = 1
	} else {
		buf[14] = 0
	}
	buf[15] = 0
	binary.LittleEndian.PutUint64(buf[16:24], h.PageCount)
	binary.LittleEndian.PutUint32(buf[24:28], h.FreeListHead)
	binary.LittleEndian.PutUint32(buf[28:32], h.FreePageCount)
	copy(buf[32:48], h.VolumeID[:])
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.CreatedAt.Unix()))
	binary.LittleEndian.PutUint32(buf[56:60], h.RootPage)

	// Checksum covers everything before the checksum field.
	checksum := crc32.ChecksumIEEE(buf[0:headerChecksumRange])
	binary.LittleEndian.PutUint32(buf[60:64], checksum)
	h.Checksum = checksum

	return nil
}

// Deserialize reads the FileHeader from a byte slice.
// The slice must be at least FileHeaderSize bytes.
func (h *FileHeader) Deserialize(buf []byte) error {
	if len(buf) < FileHeaderSize {
		return ErrInvalidHeaderSize
	}

	copy(h.Magic[:], buf[0:4])
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	h.PageSize = binary.LittleEndian.Uint32(buf[8:12])
	h.Vol = binary.LittleEndian.Uint16(buf[12:14])
	h.CleanShutdown = buf[14] == 1
	h.PageCount = binary.LittleEndian.Uint64(buf[16:24])
	h.FreeListHead = binary.LittleEndian.Uint32(buf[24:28])
	h.FreePageCount = binary.LittleEndian.Uint32(buf[28:32])
	copy(h.VolumeID[:], buf[32:48])
	h.CreatedAt = time.Unix(int64(binary.LittleEndian.Uint64(buf[48:56])), 0).UTC()
	h.RootPage = binary.LittleEndian.Uint32(buf[56:60])
	h.Checksum = binary.LittleEndian.Uint32(buf[60:64])

	return nil
}

// ValidateMagic checks if the magic number is valid.
func (h *FileHeader) ValidateMagic() error {
	if h.Magic != Magic {
		return ErrInvalidMagic
	}
	return nil
}

// ValidateVersion checks if the volume format version is supported.
func (h *FileHeader) ValidateVersion() error {
	if h.Version > CurrentVersion || h.Version == 0 {
		return ErrUnsupportedVersion
	}
	return nil
}

// CalculateChecksum computes the CRC32 checksum of the header fields.
func (h *FileHeader) CalculateChecksum() uint32 {
	buf := make([]byte, FileHeaderSize)

	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint16(buf[12:14], h.Vol)
	if h.CleanShutdown {
		buf[14] = 1
	}
	binary.LittleEndian.PutUint64(buf[16:24], h.PageCount)
	binary.LittleEndian.PutUint32(buf[24:28], h.FreeListHead)
	binary.LittleEndian.PutUint32(buf[28:32], h.FreePageCount)
	copy(buf[32:48], h.VolumeID[:])
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.CreatedAt.Unix()))
	binary.LittleEndian.PutUint32(buf[56:60], h.RootPage)

	return crc32.ChecksumIEEE(buf[0:headerChecksumRange])
}

// ValidateChecksum verifies the header checksum matches the stored value.
func (h *FileHeader) ValidateChecksum() bool {
	return h.Checksum == h.CalculateChecksum()
}

// Validate performs all validation checks on the header.
func (h *FileHeader) Validate() error {
	if err := h.ValidateMagic(); err != nil {
		return err
	}

	if err := h.ValidateVersion(); err != nil {
		return err
	}

	if !h.ValidateChecksum() {
		return ErrHeaderChecksum
	}

	return nil
}

// DeserializeAndValidate reads the header and performs all validation
// checks.
func (h *FileHeader) DeserializeAndValidate(buf []byte) error {
	if err := h.Deserialize(buf); err != nil {
		return err
	}

	return h.Validate()
}

// ReadMagicFromBuffer extracts the magic number from a buffer.
// Returns an error if the buffer is too small.
func ReadMagicFromBuffer(buf []byte) ([4]byte, error) {
	var magic [4]byte
	if len(buf) < 4 {
		return magic, ErrInvalidHeaderSize
	}
	copy(magic[:], buf[0:4])
	return magic, nil
}

// IsTernVolume checks if the given buffer starts with the Tern magic
// number. Useful for quick file type detection without full
// deserialization.
func IsTernVolume(buf []byte) bool {
	magic, err := ReadMagicFromBuffer(buf)
	if err != nil {
		return false
	}
	return magic == Magic
}
