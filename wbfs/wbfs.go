// Package wbfs implements a read-only container adapter for the WBFS
// sector-remapped disc archive format: a fixed header plus, per stored
// game, a copy of its disc header and a table remapping logical
// wbfs-sectors onto physical ones so unused regions of a Wii disc image
// need not be stored at all.
package wbfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

const (
	magic = "WBFS"

	headerNHDSecOff      = 4
	headerHDSecSzShiftOff = 8
	headerWBFSSecSzShiftOff = 9
	headerFixedSize      = 12

	discHeaderCopySize = 0x100
)

var (
	// ErrNotWBFS indicates the file does not begin with the WBFS magic.
	ErrNotWBFS = fmt.Errorf("wbfs: not a WBFS container")
	// ErrUnmapped indicates a read fell on a wbfs-sector with a zero
	// wlba-table entry, i.e. a region the archive never stored.
	ErrUnmapped = fmt.Errorf("wbfs: read from unmapped wbfs sector")
)

// Container is an opened WBFS archive's first disc slot, exposed as a
// flat random-access byte stream the way an uncompressed ISO would be.
type Container struct {
	r afero.File

	hdSecSz   uint32
	wbfsSecSz uint32
	wlba      []uint16 // logical wbfs-sector -> physical wbfs-sector, 0 = unmapped
}

// Open parses the WBFS header and the first disc slot's WBFSDiscInfo out
// of name, returning a Container ready for ReadAt. The header's disc
// table is not consulted to check that the slot is in use.
func Open(fs afero.Fs, name string) (*Container, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, err
	}

	c, err := openFrom(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func openFrom(f afero.File) (*Container, error) {
	var hdr [headerFixedSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[:4]) != magic {
		return nil, ErrNotWBFS
	}

	hdSecSzShift := hdr[headerHDSecSzShiftOff]
	wbfsSecSzShift := hdr[headerWBFSSecSzShiftOff]
	hdSecSz := uint32(1) << hdSecSzShift
	wbfsSecSz := uint32(1) << wbfsSecSzShift

	// The header and its disc-slot bitmap are sized to fit within the
	// first hd-sector; the first disc slot's WBFSDiscInfo immediately
	// follows at the next hd-sector boundary.
	discInfoOff := int64(hdSecSz)

	wlbaOff := discInfoOff + discHeaderCopySize
	capacitySectors := (0x1FB4E0000 + int64(wbfsSecSz) - 1) / int64(wbfsSecSz) // dual-layer upper bound

	wlbaBytes := make([]byte, capacitySectors*2)
	n, err := f.ReadAt(wlbaBytes, wlbaOff)
	if err != nil && err != io.EOF {
		return nil, err
	}
	wlbaBytes = wlbaBytes[:n-(n%2)]

	wlba := make([]uint16, len(wlbaBytes)/2)
	for i := range wlba {
		wlba[i] = binary.BigEndian.Uint16(wlbaBytes[i*2:])
	}

	return &Container{r: f, hdSecSz: hdSecSz, wbfsSecSz: wbfsSecSz, wlba: wlba}, nil
}

// Size returns the logical address space the wlba table can address.
func (c *Container) Size() int64 {
	return int64(len(c.wlba)) * int64(c.wbfsSecSz)
}

// Close releases the underlying file handle.
func (c *Container) Close() error {
	return c.r.Close()
}

// ReadAt implements io.ReaderAt over the logical, sector-remapped
// address space: a logical offset decomposes into a wbfs-sector index
// and a byte offset within it; the index is translated through the
// wlba table to a physical wbfs-sector before reading. Reads spanning
// more than one wbfs-sector are split at each boundary since the next
// sector may map to a discontiguous physical location.
func (c *Container) ReadAt(p []byte, off int64) (int, error) {
	var total int
	for len(p) > 0 {
		wlbaIdx := uint64(off) >> shiftFor(c.wbfsSecSz)
		if int(wlbaIdx) >= len(c.wlba) {
			return total, io.EOF
		}
		physSector := c.wlba[wlbaIdx]
		if physSector == 0 {
			return total, ErrUnmapped
		}

		secSz := int64(c.wbfsSecSz)
		byteInSec := off % secSz
		chunk := secSz - byteInSec
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}

		physOff := int64(physSector)*secSz + byteInSec
		n, err := c.r.ReadAt(p[:chunk], physOff)
		total += n
		if err != nil {
			return total, err
		}

		p = p[chunk:]
		off += chunk
	}
	return total, nil
}

func shiftFor(pow2 uint32) uint {
	var shift uint
	for v := pow2; v > 1; v >>= 1 {
		shift++
	}
	return shift
}
