package nod

import (
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
)

// writeBootFiles writes src/apploader.img and src/main.dol with headers
// that describe their own sizes, since a merge that keeps the source
// disc's apploader and DOL reads both sizes back out of those headers:
// the 0x80-byte apploader's prologue records a 0x60-byte body, and the
// DOL's header describes one 0x100-byte text segment filled with dolFill.
func writeBootFiles(t *testing.T, fs afero.Fs, dolFill byte) {
	t.Helper()

	apploader := make([]byte, 0x80)
	for i := range apploader {
		apploader[i] = 0x11
	}
	binary.BigEndian.PutUint32(apploader[0x14:], 0x80-0x20)
	binary.BigEndian.PutUint32(apploader[0x18:], 0)
	if err := afero.WriteFile(fs, "src/apploader.img", apploader, 0o644); err != nil {
		t.Fatalf("WriteFile src/apploader.img: %v", err)
	}

	dol := make([]byte, 0x200)
	for i := 0x100; i < len(dol); i++ {
		dol[i] = dolFill
	}
	binary.BigEndian.PutUint32(dol[0x00:], 0x100) // text segment 0 offset
	binary.BigEndian.PutUint32(dol[0x90:], 0x100) // text segment 0 size
	if err := afero.WriteFile(fs, "src/main.dol", dol, 0o644); err != nil {
		t.Fatalf("WriteFile src/main.dol: %v", err)
	}
}

func TestMergeGCNOverridesAndAddsFiles(t *testing.T) {
	fs := afero.NewMemMapFs()

	writeBootFiles(t, fs, 0x22)
	if err := fs.MkdirAll("src/files", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeHostFile(t, fs, "src/files/keep.txt", 10, 'k')
	writeHostFile(t, fs, "src/files/replace.txt", 10, 'o')

	if err := BuildGCN(fs, GCNBuildOptions{
		GameID:        "GALE01",
		GameTitle:     "Merge Source",
		SourceDir:     "src/files",
		DOLPath:       "src/main.dol",
		ApploaderPath: "src/apploader.img",
		ImagePath:     "src.iso",
	}); err != nil {
		t.Fatalf("BuildGCN source: %v", err)
	}

	if err := fs.MkdirAll("overrides", 0o755); err != nil {
		t.Fatalf("MkdirAll overrides: %v", err)
	}
	writeHostFile(t, fs, "overrides/replace.txt", 10, 'n')
	writeHostFile(t, fs, "overrides/added.txt", 10, 'a')

	if err := MergeGCN(fs, MergeOptions{
		SourceImage: "src.iso",
		OverrideDir: "overrides",
		ImagePath:   "merged.iso",
	}); err != nil {
		t.Fatalf("MergeGCN: %v", err)
	}

	disc, err := Open(fs, "merged.iso", CommonKeyTable{})
	if err != nil {
		t.Fatalf("Open merged.iso: %v", err)
	}
	defer disc.Close()

	part, err := disc.DataPartition()
	if err != nil {
		t.Fatalf("DataPartition: %v", err)
	}
	if string(part.Header().GameID[:]) != "GALE01" {
		t.Fatalf("GameID = %q, want the source disc's GALE01", part.Header().GameID)
	}

	if err := Extract(fs, part, "ext", true, nil); err != nil {
		t.Fatalf("Extract: %v", err)
	}

	keep, err := afero.ReadFile(fs, "ext/keep.txt")
	if err != nil {
		t.Fatalf("ReadFile keep.txt: %v", err)
	}
	if len(keep) != 10 || keep[0] != 'k' {
		t.Fatalf("keep.txt not carried through unmodified: %q", keep)
	}

	replaced, err := afero.ReadFile(fs, "ext/replace.txt")
	if err != nil {
		t.Fatalf("ReadFile replace.txt: %v", err)
	}
	if len(replaced) != 10 || replaced[0] != 'n' {
		t.Fatalf("replace.txt = %q, want the override content starting with 'n'", replaced)
	}

	added, err := afero.ReadFile(fs, "ext/added.txt")
	if err != nil {
		t.Fatalf("ReadFile added.txt: %v", err)
	}
	if len(added) != 10 || added[0] != 'a' {
		t.Fatalf("added.txt = %q, want the override-only content starting with 'a'", added)
	}
}

func TestMergeGCNKeepsSourceDOLWhenNotOverridden(t *testing.T) {
	fs := afero.NewMemMapFs()

	writeBootFiles(t, fs, 0x33)
	if err := fs.MkdirAll("src/files", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeHostFile(t, fs, "src/files/a.txt", 8, 'x')

	if err := BuildGCN(fs, GCNBuildOptions{
		GameID:        "GALE01",
		GameTitle:     "Merge Source",
		SourceDir:     "src/files",
		DOLPath:       "src/main.dol",
		ApploaderPath: "src/apploader.img",
		ImagePath:     "src.iso",
	}); err != nil {
		t.Fatalf("BuildGCN source: %v", err)
	}

	if err := MergeGCN(fs, MergeOptions{
		SourceImage: "src.iso",
		ImagePath:   "merged.iso",
	}); err != nil {
		t.Fatalf("MergeGCN with no overrides: %v", err)
	}

	if _, err := fs.Stat("merged.iso"); err != nil {
		t.Fatalf("Stat merged.iso: %v", err)
	}

	// The scratch directory is always cleaned up, win or lose.
	if exists, _ := afero.DirExists(fs, "merged.iso.merge-scratch"); exists {
		t.Fatalf("merge scratch directory was not removed after a successful merge")
	}
}
