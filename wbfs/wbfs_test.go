package wbfs

import (
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
)

// buildImage assembles a minimal synthetic WBFS file: a 12-byte fixed
// header (hd_sec_sz_s=9 -> 512, wbfs_sec_sz_s=21 -> 2MiB), a disc-info slot
// at the first hd-sector with a 0x100-byte header placeholder followed by a
// wlba table, and physical sector payloads written at their mapped
// locations.
func buildImage(fs afero.Fs, name string, wlba []uint16, sectorPayload map[uint16][]byte) error {
	const hdSecSz = 512
	const wbfsSecSz = 1 << 21

	f, err := fs.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [12]byte
	copy(hdr[:4], "WBFS")
	binary.BigEndian.PutUint32(hdr[4:], 1)
	hdr[8] = 9  // hd_sec_sz_s: 1<<9 = 512
	hdr[9] = 21 // wbfs_sec_sz_s: 1<<21 = 2MiB
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return err
	}

	wlbaOff := int64(hdSecSz) + 0x100
	buf := make([]byte, len(wlba)*2)
	for i, v := range wlba {
		binary.BigEndian.PutUint16(buf[i*2:], v)
	}
	if _, err := f.WriteAt(buf, wlbaOff); err != nil {
		return err
	}

	for sector, payload := range sectorPayload {
		at := int64(sector) * wbfsSecSz
		if _, err := f.WriteAt(payload, at); err != nil {
			return err
		}
	}
	return nil
}

func TestOpenRejectsBadMagic(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "bad.wbfs", []byte("NOPE12345678"), 0o644)

	if _, err := Open(fs, "bad.wbfs"); err == nil {
		t.Fatalf("expected an error opening a file without the WBFS magic")
	}
}

func TestReadAtTranslatesThroughWLBA(t *testing.T) {
	fs := afero.NewMemMapFs()

	payload := make([]byte, 512)
	copy(payload[0x100:], []byte("hello disc sector"))

	// wlba[3] = 3: logical wbfs-sector 3 maps to physical sector 3.
	wlba := []uint16{0, 0, 0, 3}
	if err := buildImage(fs, "game.wbfs", wlba, map[uint16][]byte{3: payload}); err != nil {
		t.Fatalf("buildImage: %v", err)
	}

	c, err := Open(fs, "game.wbfs")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	// Logical offset within wbfs-sector 3: 3*2MiB + 0x100.
	logicalOff := int64(3)*(1<<21) + 0x100
	got := make([]byte, len("hello disc sector"))
	if _, err := c.ReadAt(got, logicalOff); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello disc sector" {
		t.Fatalf("ReadAt returned %q, want %q", got, "hello disc sector")
	}
}

func TestReadAtUnmappedSectorErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	wlba := []uint16{0, 0} // both unmapped
	if err := buildImage(fs, "game.wbfs", wlba, nil); err != nil {
		t.Fatalf("buildImage: %v", err)
	}

	c, err := Open(fs, "game.wbfs")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	buf := make([]byte, 16)
	if _, err := c.ReadAt(buf, 0); err != ErrUnmapped {
		t.Fatalf("ReadAt on an unmapped sector returned %v, want ErrUnmapped", err)
	}
}

func TestReadAtSpansSectorBoundary(t *testing.T) {
	fs := afero.NewMemMapFs()
	const wbfsSecSz = 1 << 21

	first := make([]byte, wbfsSecSz)
	first[wbfsSecSz-3] = 'a'
	first[wbfsSecSz-2] = 'b'
	first[wbfsSecSz-1] = 'c'
	second := make([]byte, wbfsSecSz)
	second[0] = 'd'
	second[1] = 'e'

	wlba := []uint16{1, 2}
	if err := buildImage(fs, "game.wbfs", wlba, map[uint16][]byte{1: first, 2: second}); err != nil {
		t.Fatalf("buildImage: %v", err)
	}

	c, err := Open(fs, "game.wbfs")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	got := make([]byte, 5)
	if _, err := c.ReadAt(got, int64(wbfsSecSz-3)); err != nil {
		t.Fatalf("ReadAt spanning wbfs sectors: %v", err)
	}
	if string(got) != "abcde" {
		t.Fatalf("ReadAt across a sector boundary returned %q, want %q", got, "abcde")
	}
}
