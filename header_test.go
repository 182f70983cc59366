package nod

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{WiiMagic: WiiMagic}
	copy(h.GameID[:], "RMCE01")
	copy(h.GameTitle[:], "Mario Kart Wii")
	h.DOLOffset = 0x10000
	h.FSTOffset = 0x20000
	h.FSTSize = 0x1000
	h.FSTMaxSize = 0x1000

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("serialised header is %d bytes, want %d", buf.Len(), HeaderSize)
	}

	got, err := ReadHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if !got.IsWii() || got.IsGCN() {
		t.Fatalf("round-tripped header lost its Wii magic")
	}
	if string(got.GameID[:]) != "RMCE01" {
		t.Fatalf("GameID = %q, want RMCE01", got.GameID)
	}
	if got.DOLOffset != h.DOLOffset || got.FSTOffset != h.FSTOffset {
		t.Fatalf("boot table fields did not round-trip: %+v", got)
	}
}

func TestRegionForCountry(t *testing.T) {
	cases := map[byte]RegionCode{
		'P': RegionPAL,
		'J': RegionNTSCJ,
		'E': RegionNTSCU,
		'K': RegionNTSCU,
	}
	for country, want := range cases {
		if got := regionForCountry(country); got != want {
			t.Errorf("regionForCountry(%q) = %d, want %d", country, got, want)
		}
	}
}

func TestDOLHeaderSize(t *testing.T) {
	d := &DOLHeader{}
	d.TextOffset[0] = 0x100
	d.TextSize[0] = 0x200
	d.DataOffset[0] = 0x400
	d.DataSize[0] = 0x50
	if got, want := d.Size(), uint32(0x450); got != want {
		t.Fatalf("Size() = %#x, want %#x", got, want)
	}
}

func TestBI2CountryCode(t *testing.T) {
	b := &BI2Header{}
	b.Raw[0x18] = 'E'
	if got := b.CountryCode(); got != 'E' {
		t.Fatalf("CountryCode() = %q, want 'E'", got)
	}

	var buf bytes.Buffer
	if err := b.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := ReadBI2Header(&buf)
	if err != nil {
		t.Fatalf("ReadBI2Header: %v", err)
	}
	if got.CountryCode() != 'E' {
		t.Fatalf("round-tripped CountryCode() = %q, want 'E'", got.CountryCode())
	}
}
