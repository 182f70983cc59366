// Package nfs implements a read-only container adapter for the NFS
// multi-file AES-encrypted disc redistribution format used by Wii
// homebrew loaders: a sequence of hif_NNNNNN.nfs files, each holding
// 8000 logical 0x8000-byte blocks, encrypted with a disc-wide title key
// loaded from htk.bin, and remapped through a range table so unused
// regions of the original disc are never stored.
package nfs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"

	"github.com/connesc/cipherio"
	"github.com/spf13/afero"
)

const (
	headerMagic = "EGGS"

	blockSize          = 0x8000
	blocksPerFile      = 8000
	straddleBlockIndex = blocksPerFile - 1 // block 7999 splits across files
	straddleHeadSize   = 0x7E00
	straddleTailSize   = 0x200

	headerSize        = 0x200
	lbaRangeCountOff  = 0x4
	lbaRangesOff      = 0x8
	maxLBARanges      = 61
)

// ErrNotNFS indicates the first file's header does not carry the
// expected magic.
var ErrNotNFS = fmt.Errorf("nfs: not an NFS container")

// wiiDLCapacity mirrors the dual-layer Wii disc capacity the crypto and
// partition layers expect the container's logical address space to
// cover; duplicated here (rather than imported) to keep this package
// free of a dependency on the root module.
const wiiDLCapacity = 0x1FB4E0000

type lbaRange struct {
	startBlock uint32
	numBlocks  uint32
}

// Container is an opened NFS archive, exposed as a flat random-access
// byte stream over its logical, decrypted address space.
type Container struct {
	fs    afero.Fs
	dir   string
	files map[int]afero.File

	block cipher.Block

	ranges []lbaRange
}

// Open loads dir's hif_000000.nfs header and htk.bin key, and returns a
// Container ready for ReadAt. Additional hif_NNNNNN.nfs files are opened
// lazily as reads reach them.
func Open(fs afero.Fs, dir string) (*Container, error) {
	key, err := loadTitleKey(fs, dir)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	c := &Container{fs: fs, dir: dir, files: map[int]afero.File{}, block: block}

	f, err := c.fileAt(0)
	if err != nil {
		return nil, err
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, err
	}
	if string(hdr[:4]) != headerMagic {
		return nil, ErrNotNFS
	}

	count := int(binary.BigEndian.Uint32(hdr[lbaRangeCountOff:]))
	if count > maxLBARanges {
		return nil, fmt.Errorf("%w: lbaRangeCount %d exceeds maximum", ErrNotNFS, count)
	}

	for i := 0; i < count; i++ {
		base := lbaRangesOff + i*8
		c.ranges = append(c.ranges, lbaRange{
			startBlock: binary.BigEndian.Uint32(hdr[base:]),
			numBlocks:  binary.BigEndian.Uint32(hdr[base+4:]),
		})
	}

	return c, nil
}

// loadTitleKey reads the 16-byte title key from htk.bin in dir, falling
// back to ../code/htk.bin, matching the two locations real loaders use.
func loadTitleKey(fs afero.Fs, dir string) ([]byte, error) {
	for _, candidate := range []string{
		filepath.Join(dir, "htk.bin"),
		filepath.Join(dir, "..", "code", "htk.bin"),
	} {
		key, err := afero.ReadFile(fs, candidate)
		if err == nil {
			if len(key) < 16 {
				return nil, fmt.Errorf("%w: htk.bin too small", ErrNotNFS)
			}
			return key[:16], nil
		}
	}
	return nil, fmt.Errorf("%w: htk.bin not found", ErrNotNFS)
}

func (c *Container) fileAt(index int) (afero.File, error) {
	if f, ok := c.files[index]; ok {
		return f, nil
	}
	name := filepath.Join(c.dir, fmt.Sprintf("hif_%06d.nfs", index))
	f, err := c.fs.Open(name)
	if err != nil {
		return nil, err
	}
	c.files[index] = f
	return f, nil
}

// Size returns the logical address space a Wii disc image can occupy;
// the range table only ever covers a subset of it.
func (c *Container) Size() int64 {
	return wiiDLCapacity
}

// Close releases every opened hif_*.nfs file handle.
func (c *Container) Close() error {
	var first error
	for _, f := range c.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReadAt implements io.ReaderAt over the original disc's decrypted
// logical address space: each 0x8000-byte logical block is located in
// the LBA range table and translated to its storage position in the
// concatenation of hif files; blocks outside every range were never
// captured and read back as zero.
func (c *Container) ReadAt(p []byte, off int64) (int, error) {
	var total int
	for len(p) > 0 {
		logicalBlock := off / blockSize
		byteInBlock := off % blockSize

		chunk := int64(blockSize) - byteInBlock
		if chunk > int64(len(p)) {
			chunk = int64(len(p))
		}

		storagePos, ok := c.translate(uint32(logicalBlock))
		if !ok {
			for i := int64(0); i < chunk; i++ {
				p[i] = 0
			}
		} else {
			plaintext, err := c.readBlock(storagePos, uint32(logicalBlock))
			if err != nil {
				return total, err
			}
			copy(p[:chunk], plaintext[byteInBlock:])
		}

		total += int(chunk)
		p = p[chunk:]
		off += chunk
	}
	return total, nil
}

// translate maps an original-disc logical block number to its storage
// position within the concatenation of hif files: the count of blocks
// from every earlier range plus the offset into the range containing
// logical, or false if logical falls in no configured range.
func (c *Container) translate(logical uint32) (uint32, bool) {
	var preceding uint32
	for _, r := range c.ranges {
		if logical >= r.startBlock && logical < r.startBlock+r.numBlocks {
			return preceding + (logical - r.startBlock), true
		}
		preceding += r.numBlocks
	}
	return 0, false
}

// readBlock reads and decrypts physical block physBlock, which is
// stored at position (physBlock % blocksPerFile) within
// hif_{physBlock/blocksPerFile}.nfs, except for the last block of every
// file (index 7999) whose trailing 0x200 bytes spill into the next
// file's first 0x200 bytes. The ciphertext source (one or two sections
// concatenated) is streamed through a cipherio block reader rather than
// read whole and decrypted in place.
func (c *Container) readBlock(physBlock, logicalIndexForIV uint32) ([]byte, error) {
	fileIdx := int(physBlock / blocksPerFile)
	blockInFile := int(physBlock % blocksPerFile)

	f, err := c.fileAt(fileIdx)
	if err != nil {
		return nil, err
	}
	at := headerSize + int64(blockInFile)*blockSize

	var src io.Reader
	if blockInFile != straddleBlockIndex {
		src = io.NewSectionReader(f, at, blockSize)
	} else {
		next, err := c.fileAt(fileIdx + 1)
		if err != nil {
			return nil, err
		}
		src = io.MultiReader(
			io.NewSectionReader(f, at, straddleHeadSize),
			io.NewSectionReader(next, 0, straddleTailSize),
		)
	}

	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[12:], logicalIndexForIV)

	reader := cipherio.NewBlockReader(src, cipher.NewCBCDecrypter(c.block, iv))
	plaintext := make([]byte, blockSize)
	if _, err := io.ReadFull(reader, plaintext); err != nil {
		return nil, err
	}
	return plaintext, nil
}
