package nod

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/afero"
)

// alignUp rounds off up to the next multiple of to (a power of two).
func alignUp(off uint64, to uint64) uint64 {
	return (off + to - 1) &^ (to - 1)
}

// scanHostTree reads fsRoot into the buildSource tree the FST builder's
// pre-pass walks, recording every file's size for allocation planning and
// reporting discovery progress through progress as each file is found —
// this is the first of the builder's two progress-bearing DFS passes,
// running entirely before layout (fstBuilder.build) and the byte-copy pass.
func scanHostTree(fs afero.Fs, root string, progress ProgressFunc) (*buildSource, error) {
	var walk func(path string) (*buildSource, error)
	walk = func(path string) (*buildSource, error) {
		entries, err := afero.ReadDir(fs, path)
		if err != nil {
			return nil, err
		}
		node := &buildSource{name: filepath.Base(path), isDir: true}
		for _, e := range entries {
			childPath := filepath.Join(path, e.Name())
			if e.IsDir() {
				child, err := walk(childPath)
				if err != nil {
					return nil, err
				}
				node.children = append(node.children, child)
				continue
			}
			node.children = append(node.children, &buildSource{
				name: e.Name(),
				path: childPath,
				size: uint64(e.Size()),
			})
			if progress != nil {
				progress(0, e.Name(), 0)
			}
		}
		return node, nil
	}
	return walk(root)
}

// topDownAllocator allocates user-region space from the top of the disc
// downward, failing once the running pointer drops below lowWater.
type topDownAllocator struct {
	ptr      uint64
	lowWater uint64
}

func (a *topDownAllocator) allocate(size uint64) (uint64, error) {
	n := alignUp(size, 0x10)
	if a.ptr < n || a.ptr-n < a.lowWater {
		return 0, fmt.Errorf("%w: user region allocator below low watermark", ErrDiskFull)
	}
	a.ptr -= n
	return a.ptr, nil
}

// GCNBuildOptions describes the inputs needed to assemble a GameCube disc
// image, mirroring the makegcn CLI surface.
type GCNBuildOptions struct {
	GameID       string
	GameTitle    string
	SourceDir    string
	DOLPath      string
	ApploaderPath string
	ImagePath    string
	Progress     ProgressFunc
}

// BuildGCN assembles a GameCube disc image from a host directory tree, a
// DOL executable and an apploader blob, following the fixed GCN layout:
// header, apploader at 0x2440, DOL, FST, and user files allocated
// top-down from the disc's fixed 0x57058000 byte capacity.
func BuildGCN(fs afero.Fs, opt GCNBuildOptions) error {
	if len(opt.GameID) < 6 {
		return fmt.Errorf("%w: game ID must be at least 6 bytes", ErrInvalidFormat)
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
	if dolOff+dolSize > gcnCapacity {
		return ErrDiskFull
	}
	fstOff := alignUp(dolOff+dolSize, 32)

	root, err := scanHostTree(fs, opt.SourceDir, opt.Progress)
	if err != nil {
		return err
	}

	alloc := &topDownAllocator{ptr: gcnCapacity, lowWater: gcnUserLowWater}
	builder := newFSTBuilder(0, alloc.allocate, opt.Progress)
	if err := builder.build(root.children); err != nil {
		return err
	}
	fstBytes, err := builder.Bytes()
	if err != nil {
		return err
	}
	if fstOff+uint64(len(fstBytes)) > alloc.ptr {
		return fmt.Errorf("%w: FST collides with user region", ErrDiskFull)
	}

	out, err := fs.Create(opt.ImagePath)
	if err != nil {
		return err
	}
	defer out.Close()

	h := &Header{GCNMagic: GCNMagic}
	copy(h.GameID[:], opt.GameID)
	copy(h.GameTitle[:], opt.GameTitle)
	h.DOLOffset = uint32(dolOff)
	h.FSTOffset = uint32(fstOff)
	h.FSTSize = uint32(len(fstBytes))
	h.FSTMaxSize = uint32(len(fstBytes))
	h.UserPosition = uint32(alloc.ptr)
	h.UserSize = uint32(gcnCapacity - alloc.ptr)

	if err := writeAtWriter(out, 0, func(w io.Writer) error { return h.Write(w) }); err != nil {
		return err
	}

	bi2 := new(BI2Header)
	if err := writeAtWriter(out, HeaderSize, bi2.Write); err != nil {
		return err
	}

	if err := copyFileInto(fs, out, opt.ApploaderPath, int64(apploaderOffset)); err != nil {
		return err
	}
	if err := copyFileInto(fs, out, opt.DOLPath, int64(dolOff)); err != nil {
		return err
	}
	if _, err := out.WriteAt(fstBytes, int64(fstOff)); err != nil {
		return err
	}

	if err := writeBootTable(out, h); err != nil {
		return err
	}

	var sent, total int64
	for _, n := range root.children {
		total += sumSize(n)
	}
	if err := writeUserFiles(fs, out, root.children, builder, &sent, total, opt.Progress); err != nil {
		return err
	}

	return out.Truncate(int64(gcnCapacity))
}

func sumSize(n *buildSource) int64 {
	if !n.isDir {
		return int64(n.size)
	}
	var total int64
	for _, c := range n.children {
		total += sumSize(c)
	}
	return total
}

// writeUserFiles streams every source file's bytes to the offset the FST
// builder already allocated for it. Offsets were recorded back into the
// serialized FST, so this walks the host tree a second time in the same
// DFS order, reading the offsets back out of the FST builder's raw node
// array to stay consistent with what was actually written to disk.
func writeUserFiles(fs afero.Fs, out afero.File, sources []*buildSource, b *fstBuilder, sent *int64, total int64, progress ProgressFunc) error {
	sortChildren(sources)

	idx := 1 // raw[0] is the root
	var walk func([]*buildSource) error
	walk = func(nodes []*buildSource) error {
		for _, n := range nodes {
			raw := b.raw[idx]
			idx++
			if n.isDir {
				if err := walk(n.children); err != nil {
					return err
				}
				continue
			}
			off := int64(raw.offset) // GCN shift is 0
			if err := copyFileInto(fs, out, n.path, off); err != nil {
				return err
			}
			*sent += int64(n.size)
			if progress != nil {
				progress(fraction(*sent, total), n.name, int64(n.size))
			}
		}
		return nil
	}
	return walk(sources)
}

func copyFileInto(fs afero.Fs, out afero.File, path string, offset int64) error {
	f, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, bounceBufferSize)
	pos := offset
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := out.WriteAt(buf[:n], pos); werr != nil {
				return werr
			}
			pos += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func writeAtWriter(out afero.File, offset uint64, fn func(io.Writer) error) error {
	pw := &offsetWriter{f: out, off: int64(offset)}
	return fn(pw)
}

type offsetWriter struct {
	f   afero.File
	off int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.off)
	w.off += int64(n)
	return n, err
}

func writeBootTable(out afero.File, h *Header) error {
	var buf [28]byte
	putBE32 := func(off int, v uint32) {
		buf[off], buf[off+1], buf[off+2], buf[off+3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	}
	putBE32(0, h.DOLOffset)
	putBE32(4, h.FSTOffset)
	putBE32(8, h.FSTSize)
	putBE32(12, h.FSTSize)
	putBE32(16, h.FSTMemoryAddress)
	putBE32(20, h.UserPosition)
	putBE32(24, h.UserSize)
	_, err := out.WriteAt(buf[:], bootTableOffset)
	return err
}
