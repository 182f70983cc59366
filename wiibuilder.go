package nod

import (
	"bytes"
	"crypto/aes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/spf13/afero"
)

// WiiBuildOptions describes the inputs needed to assemble a single-
// partition Wii disc image, mirroring the makewiisl/makewiidl CLI
// surface.
type WiiBuildOptions struct {
	GameID            string
	GameTitle         string
	SourceDir         string
	DOLPath           string
	ApploaderPath     string
	PartitionHeadPath string
	DualLayer         bool
	ImagePath         string
	CommonKeys        CommonKeyTable
	Progress          ProgressFunc
}

// BuildWii assembles a Wii disc image containing a single Data partition.
// The partition-head template supplies the ticket, TMD skeleton and
// certificate chain verbatim (treated as opaque passthrough); this
// function overwrites only the TMD's content-size/hash fields, its
// signature field (zeroed) and the brute-force fill words, and the
// partition header's data offset/size fields, recomputing the hash tree
// and performing the cosmetic TMD hash brute-force.
func BuildWii(fs afero.Fs, opt WiiBuildOptions) error {
	capacity := uint64(wiiSLCapacity)
	if opt.DualLayer {
		capacity = wiiDLCapacity
	}

	template, err := afero.ReadFile(fs, opt.PartitionHeadPath)
	if err != nil {
		return err
	}
	if len(template) < partHeadFixedSize {
		return fmt.Errorf("%w: partition-head template too small", ErrInvalidFormat)
	}

	ticket, err := parseTicket(template[partHeadTicketOff:partHeadTMDSizeOff])
	if err != nil {
		return err
	}
	tmdSize := binary.BigEndian.Uint32(template[partHeadTMDSizeOff:])
	tmdOff := int64(binary.BigEndian.Uint32(template[partHeadTMDOffOff:])) << 2
	certSize := binary.BigEndian.Uint32(template[partHeadCertSizeOff:])
	certOff := int64(binary.BigEndian.Uint32(template[partHeadCertOffOff:])) << 2
	h3Off := int64(binary.BigEndian.Uint32(template[partHeadH3OffOff:])) << 2

	if int64(len(template)) < tmdOff+int64(tmdSize) {
		return fmt.Errorf("%w: partition-head template missing TMD body", ErrInvalidFormat)
	}
	tmd, err := parseTMD(template[tmdOff : tmdOff+int64(tmdSize)])
	if err != nil {
		return err
	}

	headSize := h3Off + h3TableSize
	if certOff+int64(certSize) > headSize {
		headSize = certOff + int64(certSize)
	}
	if tmdOff+int64(tmdSize) > headSize {
		headSize = tmdOff + int64(tmdSize)
	}
	dataOff := alignUp(uint64(headSize), 0x20)

	key, err := ticket.titleKey(opt.CommonKeys)
	if err != nil {
		return err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return err
	}

	apploaderInfo, err := fs.Stat(opt.ApploaderPath)
	if err != nil {
		return err
	}
	dolInfo, err := fs.Stat(opt.DOLPath)
	if err != nil {
		return err
	}
	apploaderSize := uint64(apploaderInfo.Size())
	dolSize := uint64(dolInfo.Size())

	dolOff := alignUp(apploaderOffset+apploaderSize, 4)
	fstOffPlain := alignUp(dolOff+dolSize, 32)

	root, err := scanHostTree(fs, opt.SourceDir, opt.Progress)
	if err != nil {
		return err
	}

	bottomUp := &bottomUpAllocator{ptr: wiiUserPlaintext}
	builder := newFSTBuilder(2, bottomUp.allocate, opt.Progress)
	if err := builder.build(root.children); err != nil {
		return err
	}
	fstBytes, err := builder.Bytes()
	if err != nil {
		return err
	}
	if fstOffPlain+uint64(len(fstBytes)) > wiiUserPlaintext {
		return fmt.Errorf("%w: FST collides with the fixed user-data boundary", ErrDiskFull)
	}

	out, err := fs.Create(opt.ImagePath)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := writeWiiOuterLayout(out, opt.GameID); err != nil {
		return err
	}
	if _, err := out.WriteAt(template[:headSize], int64(wiiPartitionBase)); err != nil {
		return err
	}

	partOffset := int64(wiiPartitionBase)
	stream := newWiiWriteStream(out, partOffset+int64(dataOff), block)

	h := &Header{WiiMagic: WiiMagic}
	copy(h.GameID[:], opt.GameID)
	copy(h.GameTitle[:], opt.GameTitle)
	h.DOLOffset = uint32(dolOff >> 2)
	h.FSTOffset = uint32(fstOffPlain >> 2)
	h.FSTSize = uint32(alignUp(uint64(len(fstBytes)), 4) >> 2)
	h.FSTMaxSize = h.FSTSize
	h.UserPosition = uint32(wiiUserPlaintext >> 2)

	// The outer disc begins with a plaintext copy of the header, which
	// carries the Wii magic Open identifies the image by.
	if err := writeAtWriter(out, 0, h.Write); err != nil {
		return err
	}

	var cursor uint64
	write := func(at uint64, p []byte) error {
		if at < cursor {
			return fmt.Errorf("%w: write at %#x is behind %#x", ErrClosed, at, cursor)
		}
		if at > cursor {
			if err := stream.Pad(int64(at - cursor)); err != nil {
				return err
			}
			cursor = at
		}
		n, err := stream.Write(p)
		cursor += uint64(n)
		return err
	}

	headerBuf := new(bytes.Buffer)
	if err := h.Write(headerBuf); err != nil {
		return err
	}
	if err := write(0, headerBuf.Bytes()); err != nil {
		return err
	}

	bi2 := new(BI2Header)
	bi2Buf := new(bytes.Buffer)
	if err := bi2.Write(bi2Buf); err != nil {
		return err
	}
	if err := write(HeaderSize, bi2Buf.Bytes()); err != nil {
		return err
	}

	if err := writeHostFileThrough(fs, opt.ApploaderPath, apploaderOffset, write); err != nil {
		return err
	}
	if err := writeHostFileThrough(fs, opt.DOLPath, dolOff, write); err != nil {
		return err
	}
	if err := write(fstOffPlain, fstBytes); err != nil {
		return err
	}

	var sent, total int64
	for _, n := range root.children {
		total += sumSize(n)
	}
	sortChildren(root.children)
	idx := 1
	var walkFiles func([]*buildSource) error
	walkFiles = func(nodes []*buildSource) error {
		for _, n := range nodes {
			raw := builder.raw[idx]
			idx++
			if n.isDir {
				if err := walkFiles(n.children); err != nil {
					return err
				}
				continue
			}
			off := uint64(raw.offset) << 2
			if err := writeHostFileThrough(fs, n.path, off, write); err != nil {
				return err
			}
			sent += int64(n.size)
			if opt.Progress != nil {
				opt.Progress(fraction(sent, total), n.name, int64(n.size))
			}
		}
		return nil
	}
	if err := walkFiles(root.children); err != nil {
		return err
	}

	if err := stream.Close(); err != nil {
		return err
	}

	groupCount := stream.GroupCount()
	dataSizePhysical := uint64(groupCount) * groupSize
	contentSize := uint64(groupCount) * groupDataSize

	h3Table := stream.H3Table()
	if _, err := out.WriteAt(h3Table, partOffset+h3Off); err != nil {
		return err
	}
	h3Hash := sha1.Sum(h3Table)
	tmd.setDataContent(contentSize, h3Hash)
	tmd.zeroSignature()
	tmd.bruteForceHash()

	var patched [16]byte
	binary.BigEndian.PutUint32(patched[0:], uint32(dataOff>>2))
	binary.BigEndian.PutUint32(patched[4:], uint32(dataSizePhysical>>2))
	if _, err := out.WriteAt(patched[0:4], partOffset+partHeadDataOffOff); err != nil {
		return err
	}
	if _, err := out.WriteAt(patched[4:8], partOffset+partHeadDataSizeOff); err != nil {
		return err
	}
	if _, err := out.WriteAt(tmd.bytes(), partOffset+tmdOff); err != nil {
		return err
	}

	totalPartitionPhysical := dataOff + dataSizePhysical
	padEnd := capacity
	if padTo := uint64(partOffset) + totalPartitionPhysical; padTo > padEnd {
		return fmt.Errorf("%w: disc capacity exceeded", ErrDiskFull)
	}
	return padTailWithFF(out, int64(uint64(partOffset)+totalPartitionPhysical), int64(padEnd))
}

// bottomUpAllocator hands out consecutive 4-byte-aligned offsets
// starting at ptr, used for the Wii inner layout's user-file region
// which (unlike GCN) is packed upward from a fixed boundary.
type bottomUpAllocator struct {
	ptr uint64
}

func (a *bottomUpAllocator) allocate(size uint64) (uint64, error) {
	off := a.ptr
	a.ptr = alignUp(off+size, 4)
	return off, nil
}

func writeWiiOuterLayout(out afero.File, gameID string) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:], 1)
	binary.BigEndian.PutUint32(hdr[4:], uint32(wiiPartEntryOff>>2))
	if _, err := out.WriteAt(hdr[:], int64(wiiPartTableOff)); err != nil {
		return err
	}

	var entry [8]byte
	binary.BigEndian.PutUint32(entry[0:], uint32(wiiPartitionBase>>2))
	binary.BigEndian.PutUint32(entry[4:], uint32(PartitionData))
	if _, err := out.WriteAt(entry[:], int64(wiiPartEntryOff)); err != nil {
		return err
	}

	var region [32]byte
	if len(gameID) >= 4 {
		region[3] = byte(regionForCountry(gameID[3]))
	}
	for i := 16; i < 32; i++ {
		region[i] = 0x80
	}
	_, err := out.WriteAt(region[:], int64(wiiRegionInfoOff))
	return err
}

func writeHostFileThrough(fs afero.Fs, path string, at uint64, write func(uint64, []byte) error) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, bounceBufferSize)
	pos := at
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := write(pos, buf[:n]); werr != nil {
				return werr
			}
			pos += uint64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func padTailWithFF(out afero.File, from, to int64) error {
	const chunk = 1 << 16
	filler := make([]byte, chunk)
	for i := range filler {
		filler[i] = 0xFF
	}
	for from < to {
		n := int64(chunk)
		if n > to-from {
			n = to - from
		}
		if _, err := out.WriteAt(filler[:n], from); err != nil {
			return err
		}
		from += n
	}
	return nil
}
