package nod

import (
	"encoding/binary"
	"io"
)

const (
	// HeaderSize is the size in bytes of the fixed disc header region.
	HeaderSize = 0x440

	// BI2Size is the size in bytes of the BI2 debug header block.
	BI2Size = 0x2000

	// WiiMagic identifies a Wii disc image, big-endian u32 at offset 0x18.
	WiiMagic uint32 = 0x5D1C9EA3

	// GCNMagic identifies a GameCube disc image, big-endian u32 at offset 0x1C.
	GCNMagic uint32 = 0xC2339F3D

	apploaderOffset = 0x2440
	bootTableOffset = 0x420

	gcnCapacity       uint64 = 0x57058000
	gcnUserLowWater   uint64 = 0x30000
	wiiSLCapacity     uint64 = 0x118240000
	wiiDLCapacity     uint64 = 0x1FB4E0000
	wiiUserPlaintext  uint64 = 0x1F0000
	wiiPartitionBase  uint64 = 0x200000
	wiiPartTableOff   uint64 = 0x40000
	wiiPartEntryOff   uint64 = 0x40020
	wiiRegionInfoOff  uint64 = 0x4E000
	wiiRatingBlockOff uint64 = 0x4E010
)

// RegionCode is the single byte stored at wiiRegionInfoOff+3 (the low byte
// of the big-endian region word) that the console uses to pick a display
// region.
type RegionCode byte

// Region codes derived from the game ID's country character.
const (
	RegionNTSCU RegionCode = 1
	RegionNTSCJ RegionCode = 0
	RegionPAL   RegionCode = 2
)

// regionForCountry maps the fourth byte of a game ID (the country
// character) to the byte written into the region info block.
func regionForCountry(country byte) RegionCode {
	switch country {
	case 'P':
		return RegionPAL
	case 'J':
		return RegionNTSCJ
	default:
		return RegionNTSCU
	}
}

// Header is the fixed 0x440 byte region at the start of every GameCube and
// Wii partition (and, for GCN, the start of the disc image itself).
type Header struct {
	GameID            [6]byte
	DiscNum           uint8
	DiscVersion       uint8
	AudioStreaming    uint8
	StreamBufSz       uint8
	_                 [14]byte
	WiiMagic          uint32
	GCNMagic          uint32
	GameTitle         [64]byte
	DisableHashVerify uint8
	DisableDiscEnc    uint8
	_                 [bootTableOffset - 0x62]byte // reserved up to the boot table
	DOLOffset         uint32
	FSTOffset         uint32
	FSTSize           uint32
	FSTMaxSize        uint32
	FSTMemoryAddress  uint32
	UserPosition      uint32
	UserSize          uint32
	_                 uint32 // pad HeaderSize out to 0x440
}

// ReadHeader reads a Header from r at its current position, which must
// already be at the start of the header region.
func ReadHeader(r io.Reader) (*Header, error) {
	h := new(Header)
	if err := binary.Read(r, binary.BigEndian, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Write serialises h in its on-disc big-endian layout.
func (h *Header) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, h)
}

// IsWii reports whether the header's Wii magic is set.
func (h *Header) IsWii() bool {
	return h.WiiMagic == WiiMagic
}

// IsGCN reports whether the header's GameCube magic is set.
func (h *Header) IsGCN() bool {
	return h.GCNMagic == GCNMagic
}

// BI2Header is the 0x2000 byte debug/trk block immediately following the
// disc header inside a partition. The individual debug fields are kept
// opaque; only the country code is named.
type BI2Header struct {
	Raw [BI2Size]byte
}

// CountryCode returns the single country-code byte embedded in BI2. The
// disc assembler derives the region info block from the game ID's fourth
// byte (see regionForCountry), not from this field.
func (b *BI2Header) CountryCode() byte {
	return b.Raw[0x18]
}

// ReadBI2Header reads the fixed-size BI2 block from r.
func ReadBI2Header(r io.Reader) (*BI2Header, error) {
	b := new(BI2Header)
	if _, err := io.ReadFull(r, b.Raw[:]); err != nil {
		return nil, err
	}
	return b, nil
}

// Write serialises b verbatim.
func (b *BI2Header) Write(w io.Writer) error {
	_, err := w.Write(b.Raw[:])
	return err
}

// DOLHeader describes the segment layout of a DOL executable: up to seven
// text segments and eleven data segments, a BSS region and an entry point.
type DOLHeader struct {
	TextOffset  [7]uint32
	DataOffset  [11]uint32
	TextAddress [7]uint32
	DataAddress [11]uint32
	TextSize    [7]uint32
	DataSize    [11]uint32
	BSSAddress  uint32
	BSSSize     uint32
	EntryPoint  uint32
	_           [0x1C]byte
}

// ReadDOLHeader reads the fixed-size header from the start of a DOL image.
func ReadDOLHeader(r io.Reader) (*DOLHeader, error) {
	d := new(DOLHeader)
	if err := binary.Read(r, binary.BigEndian, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Size returns the total size of the DOL image: the highest
// offset+size across every text and data segment.
func (d *DOLHeader) Size() uint32 {
	var max uint32
	for i, off := range d.TextOffset {
		if end := off + d.TextSize[i]; end > max {
			max = end
		}
	}
	for i, off := range d.DataOffset {
		if end := off + d.DataSize[i]; end > max {
			max = end
		}
	}
	return max
}
