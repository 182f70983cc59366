package nod

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const bounceBufferSize = 0x7C00

// ProgressFunc is invoked once per extracted file with the fraction of
// total bytes transferred so far, the file's path relative to the
// partition root, and the number of bytes just copied for that file.
type ProgressFunc func(fraction float64, name string, xferred int64)

// Extract walks p's filesystem tree and copies every file into
// directory, which is created if necessary. Existing files are skipped
// unless force is true. If p carries a Wii partition-header template, it
// is also written out as partition_head.bin alongside the extracted
// tree, matching the original tool's merge-template passthrough.
func Extract(fs afero.Fs, p Partition, directory string, force bool, progress ProgressFunc) error {
	if err := fs.MkdirAll(directory, os.ModePerm|os.ModeDir); err != nil {
		return err
	}

	if head := p.PartitionHead(); head != nil {
		if err := writeFile(fs, filepath.Join(directory, "partition_head.bin"), head, force); err != nil {
			return err
		}
	}

	root := p.Root()

	var total int64
	if err := root.Walk(func(_ string, n Node) error {
		if !n.IsDir {
			total += int64(n.Length)
		}
		return nil
	}); err != nil {
		return err
	}

	stream, err := p.Open()
	if err != nil {
		return err
	}

	var sent int64
	return root.Walk(func(path string, n Node) error {
		target := filepath.Join(directory, filepath.FromSlash(path))

		if n.IsDir {
			return fs.MkdirAll(target, os.ModePerm|os.ModeDir)
		}

		if !force {
			if _, err := fs.Stat(target); err == nil {
				if progress != nil {
					progress(fraction(sent, total), path, 0)
				}
				return nil
			}
		}

		if _, err := stream.Seek(int64(n.Offset), io.SeekStart); err != nil {
			return err
		}

		w, err := fs.Create(target)
		if err != nil {
			return err
		}
		defer w.Close()

		buf := make([]byte, bounceBufferSize)
		remaining := int64(n.Length)
		for remaining > 0 {
			chunk := int64(len(buf))
			if chunk > remaining {
				chunk = remaining
			}
			if _, err := io.ReadFull(stream, buf[:chunk]); err != nil {
				return err
			}
			if _, err := w.Write(buf[:chunk]); err != nil {
				return err
			}
			remaining -= chunk
		}

		sent += int64(n.Length)
		if progress != nil {
			progress(fraction(sent, total), path, int64(n.Length))
		}
		return nil
	})
}

// ExtractAll extracts every partition on disc. A single-partition disc
// (every GCN image, and most Wii images) is extracted flat into directory,
// same as calling Extract on its one partition directly. A disc carrying
// more than one partition is extracted one subdirectory per partition kind
// (directory/DATA, directory/UPDATE, directory/CHANNEL, ...) to avoid
// collisions between partitions of different kinds sharing file layouts.
func ExtractAll(fs afero.Fs, disc *Disc, directory string, force bool, progress ProgressFunc) error {
	partitions := disc.Partitions()
	if len(partitions) == 1 {
		return Extract(fs, partitions[0], directory, force, progress)
	}

	for _, p := range partitions {
		sub := filepath.Join(directory, p.Kind().String())
		if err := Extract(fs, p, sub, force, progress); err != nil {
			return err
		}
	}
	return nil
}

func fraction(sent, total int64) float64 {
	if total == 0 {
		return 1
	}
	return float64(sent) / float64(total)
}

func writeFile(fs afero.Fs, path string, data []byte, force bool) error {
	if !force {
		if _, err := fs.Stat(path); err == nil {
			return nil
		}
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}
