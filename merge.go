package nod

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// MergeOptions describes a merge build: a source disc image plus a
// directory of host files that override or add to its filesystem tree.
// Matching is by path relative to the partition root; an override file
// replaces the source file at the same path, and any override file with
// no counterpart in the source tree is added.
type MergeOptions struct {
	SourceImage   string
	SourceKeys    CommonKeyTable
	OverrideDir   string
	ImagePath     string
	DOLPath       string // empty: keep the source disc's DOL
	ApploaderPath string // empty: keep the source disc's apploader
	Progress      ProgressFunc
}

// MergeGCN rebuilds a GameCube disc image, taking every file from
// srcImage's data partition except where OverrideDir supplies a file of
// the same relative path, in which case the host copy is used instead.
// The source partition is extracted into a scratch directory beside
// ImagePath, overlaid with OverrideDir, and fed straight into BuildGCN;
// this keeps the merge logic itself free of any partition-specific
// bookkeeping and lets BuildGCN's allocator plan the result exactly as
// it would a disc assembled from scratch.
func MergeGCN(fs afero.Fs, opt MergeOptions) error {
	scratch, dolPath, apploaderPath, part, disc, err := prepareMergeScratch(fs, opt)
	if err != nil {
		return err
	}
	defer disc.Close()
	defer fs.RemoveAll(scratch)

	return BuildGCN(fs, GCNBuildOptions{
		GameID:        string(part.Header().GameID[:]),
		GameTitle:     nullTrim(part.Header().GameTitle[:]),
		SourceDir:     scratch,
		DOLPath:       dolPath,
		ApploaderPath: apploaderPath,
		ImagePath:     opt.ImagePath,
		Progress:      opt.Progress,
	})
}

// MergeWii is MergeGCN's Wii counterpart: it additionally carries the
// source partition's ticket/TMD/certificate-chain template through to
// BuildWii unchanged, per the partition-head opaque-passthrough contract.
func MergeWii(fs afero.Fs, opt MergeOptions, dualLayer bool) error {
	scratch, dolPath, apploaderPath, part, disc, err := prepareMergeScratch(fs, opt)
	if err != nil {
		return err
	}
	defer disc.Close()
	defer fs.RemoveAll(scratch)

	headPath := filepath.Join(scratch, ".partition_head.bin")
	if err := afero.WriteFile(fs, headPath, part.PartitionHead(), 0o600); err != nil {
		return err
	}

	return BuildWii(fs, WiiBuildOptions{
		GameID:            string(part.Header().GameID[:]),
		GameTitle:         nullTrim(part.Header().GameTitle[:]),
		SourceDir:         scratch,
		DOLPath:           dolPath,
		ApploaderPath:     apploaderPath,
		PartitionHeadPath: headPath,
		DualLayer:         dualLayer,
		ImagePath:         opt.ImagePath,
		CommonKeys:        opt.SourceKeys,
		Progress:          opt.Progress,
	})
}

// prepareMergeScratch opens the source image, extracts its data
// partition's tree into a scratch directory beside ImagePath, overlays
// OverrideDir on top of it, and resolves which DOL/apploader bytes the
// build should use. The returned Disc must be closed by the caller once
// the build using its DOL/apploader files has completed.
func prepareMergeScratch(fs afero.Fs, opt MergeOptions) (scratch, dolPath, apploaderPath string, part Partition, disc *Disc, err error) {
	disc, err = Open(fs, opt.SourceImage, opt.SourceKeys)
	if err != nil {
		return "", "", "", nil, nil, err
	}

	part, err = disc.DataPartition()
	if err != nil {
		disc.Close()
		return "", "", "", nil, nil, err
	}

	scratch = opt.ImagePath + ".merge-scratch"
	if err := fs.RemoveAll(scratch); err != nil {
		disc.Close()
		return "", "", "", nil, nil, err
	}
	if err := Extract(fs, part, scratch, true, nil); err != nil {
		disc.Close()
		return "", "", "", nil, nil, err
	}
	// The partition_head.bin Extract drops for Wii partitions isn't part
	// of the filesystem tree the builders scan for user files.
	fs.Remove(filepath.Join(scratch, "partition_head.bin"))

	if opt.OverrideDir != "" {
		if err := overlayTree(fs, opt.OverrideDir, scratch); err != nil {
			disc.Close()
			return "", "", "", nil, nil, err
		}
	}

	dolPath = opt.DOLPath
	if dolPath == "" {
		dolPath, err = extractDOL(fs, part, scratch)
		if err != nil {
			disc.Close()
			return "", "", "", nil, nil, err
		}
	}

	apploaderPath = opt.ApploaderPath
	if apploaderPath == "" {
		apploaderPath, err = extractApploader(fs, part, scratch)
		if err != nil {
			disc.Close()
			return "", "", "", nil, nil, err
		}
	}

	return scratch, dolPath, apploaderPath, part, disc, nil
}

// overlayTree copies every file under src into dst, creating directories
// as needed and replacing any file already there of the same relative
// path, implementing the override-by-path-match part of a merge.
func overlayTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, os.ModePerm|os.ModeDir)
		}
		return copyHostFile(fs, path, target)
	})
}

func copyHostFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := fs.MkdirAll(filepath.Dir(dst), os.ModePerm|os.ModeDir); err != nil {
		return err
	}
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// extractDOL copies the source partition's DOL executable into scratch
// as a sibling file the builder can read, sized via the partition's
// already-parsed DOL header.
func extractDOL(fs afero.Fs, part Partition, scratch string) (string, error) {
	dh, err := part.DOLHeader()
	if err != nil {
		return "", err
	}
	stream, err := part.Open()
	if err != nil {
		return "", err
	}
	dolOff := shiftedOffset(part, int64(part.Header().DOLOffset))
	return extractBlob(fs, stream, dolOff, int64(dh.Size()), filepath.Join(scratch, ".dol"))
}

// extractApploader copies the source partition's apploader blob, whose
// length isn't recorded anywhere in the header, so this reads the
// apploader's own 0x20-byte prologue (two trailing size fields) to learn
// how much follows it.
func extractApploader(fs afero.Fs, part Partition, scratch string) (string, error) {
	stream, err := part.Open()
	if err != nil {
		return "", err
	}
	if _, err := stream.Seek(apploaderOffset, io.SeekStart); err != nil {
		return "", err
	}
	var prologue [0x20]byte
	if err := readExact(stream, prologue[:]); err != nil {
		return "", err
	}
	bodySize := be32(prologue[0x14:]) + be32(prologue[0x18:])
	total := int64(0x20) + int64(bodySize)

	return extractBlob(fs, stream, apploaderOffset, total, filepath.Join(scratch, ".apploader"))
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func shiftedOffset(part Partition, off int64) int64 {
	if part.Kind() == PartitionData && part.Offset() == 0 {
		return off // GCN: absolute already
	}
	return off << 2
}

func extractBlob(fs afero.Fs, stream io.ReadSeeker, off, size int64, dst string) (string, error) {
	if _, err := stream.Seek(off, io.SeekStart); err != nil {
		return "", err
	}
	out, err := fs.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.CopyN(out, stream, size); err != nil {
		return "", err
	}
	return dst, nil
}

func nullTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
