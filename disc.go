package nod

import (
	"encoding/binary"
	"io"

	"github.com/bodgit/nod/wbfs"
	"github.com/spf13/afero"
)

// Disc is an opened GameCube or Wii image: a container reader plus the
// list of partitions found in it (always exactly one, PartitionData, for
// GCN).
type Disc struct {
	container  ContainerReader
	closer     io.Closer
	partitions []Partition
	isWii      bool
}

// Partitions returns every partition found on the disc.
func (d *Disc) Partitions() []Partition {
	return d.partitions
}

// IsWii reports whether the opened image is a Wii disc.
func (d *Disc) IsWii() bool {
	return d.isWii
}

// DataPartition returns the first partition of kind PartitionData, the
// partition extraction and the builders operate on by default.
func (d *Disc) DataPartition() (Partition, error) {
	for _, p := range d.partitions {
		if p.Kind() == PartitionData {
			return p, nil
		}
	}
	return nil, ErrPartitionNotFound
}

// Close releases the underlying container, if Open opened one itself.
func (d *Disc) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}

// Open identifies the image format backing name by magic/offset and
// returns an opened Disc: 'WBFS' at offset 0 selects the WBFS container
// (always a Wii image); otherwise the big-endian u32 at offset 0x18
// (0x5D1C9EA3) selects a Wii ISO and at 0x1C (0xC2339F3D) a GCN ISO.
// Unknown magic returns ErrNotAnImage.
//
// keys is required to open Wii images and ignored for GCN.
func Open(fs afero.Fs, name string, keys CommonKeyTable) (*Disc, error) {
	var magic4 [4]byte
	if f, err := fs.Open(name); err == nil {
		_, _ = f.Read(magic4[:])
		f.Close()
	}

	if string(magic4[:]) == "WBFS" {
		w, err := wbfs.Open(fs, name)
		if err != nil {
			return nil, err
		}
		disc, err := OpenContainer(w, keys)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		disc.closer = w
		return disc, nil
	}

	container, closer, err := openISO(fs, name)
	if err != nil {
		return nil, err
	}

	disc, err := OpenContainer(container, keys)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	disc.closer = closer
	return disc, nil
}

// OpenContainer identifies and opens an already-open ContainerReader,
// used when the container came from the wbfs or nfs packages instead of
// a plain host file.
func OpenContainer(container ContainerReader, keys CommonKeyTable) (*Disc, error) {
	var magic [4]byte
	if _, err := container.ReadAt(magic[:], 0x18); err != nil {
		return nil, err
	}

	wiiMagic := binary.BigEndian.Uint32(magic[:])
	if wiiMagic == WiiMagic {
		return openWiiDisc(container, keys)
	}

	var gcnMagic [4]byte
	if _, err := container.ReadAt(gcnMagic[:], 0x1C); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(gcnMagic[:]) == GCNMagic {
		return openGCNDisc(container)
	}

	return nil, ErrNotAnImage
}

func openGCNDisc(container ContainerReader) (*Disc, error) {
	p, err := openGCNPartition(container)
	if err != nil {
		return nil, err
	}
	return &Disc{container: container, partitions: []Partition{p}, isWii: false}, nil
}

func openWiiDisc(container ContainerReader, keys CommonKeyTable) (*Disc, error) {
	entries, err := readWiiPartitionTable(container)
	if err != nil {
		return nil, err
	}

	partitions := make([]Partition, 0, len(entries))
	for _, e := range entries {
		p, err := openWiiPartition(container, int64(e.Offset)<<2, PartitionKind(e.Kind), keys)
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, p)
	}

	return &Disc{container: container, partitions: partitions, isWii: true}, nil
}
