package nod

import (
	"testing"

	"github.com/spf13/afero"
)

// buildSimpleGCNImage assembles a tiny GCN disc image for extraction tests,
// returning the disc so callers can call DataPartition/Extract against it.
func buildSimpleGCNImage(t *testing.T, fs afero.Fs, imagePath string) *Disc {
	t.Helper()

	writeHostFile(t, fs, "extsrc/apploader.img", 0x80, 0x11)
	writeHostFile(t, fs, "extsrc/main.dol", 0x100, 0x22)
	if err := fs.MkdirAll("extsrc/files", 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeHostFile(t, fs, "extsrc/files/a.txt", 16, 'a')

	opt := GCNBuildOptions{
		GameID:        "GALE01",
		GameTitle:     "Extract Test",
		SourceDir:     "extsrc/files",
		DOLPath:       "extsrc/main.dol",
		ApploaderPath: "extsrc/apploader.img",
		ImagePath:     imagePath,
	}
	if err := BuildGCN(fs, opt); err != nil {
		t.Fatalf("BuildGCN: %v", err)
	}

	disc, err := Open(fs, imagePath, CommonKeyTable{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return disc
}

func TestExtractIsIdempotentWithoutForce(t *testing.T) {
	fs := afero.NewMemMapFs()
	disc := buildSimpleGCNImage(t, fs, "a.iso")
	defer disc.Close()

	part, err := disc.DataPartition()
	if err != nil {
		t.Fatalf("DataPartition: %v", err)
	}

	if err := Extract(fs, part, "ext", false, nil); err != nil {
		t.Fatalf("first Extract: %v", err)
	}

	// Replace the extracted file's content on disk, then extract again
	// without force: the existing file must be left untouched.
	if err := afero.WriteFile(fs, "ext/a.txt", []byte("clobbered!!!!!!!"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := Extract(fs, part, "ext", false, nil); err != nil {
		t.Fatalf("second Extract: %v", err)
	}

	got, err := afero.ReadFile(fs, "ext/a.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "clobbered!!!!!!!" {
		t.Fatalf("a non-forced re-extract overwrote an existing file: got %q", got)
	}
}

func TestExtractForceOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	disc := buildSimpleGCNImage(t, fs, "a.iso")
	defer disc.Close()

	part, err := disc.DataPartition()
	if err != nil {
		t.Fatalf("DataPartition: %v", err)
	}

	if err := Extract(fs, part, "ext", false, nil); err != nil {
		t.Fatalf("first Extract: %v", err)
	}
	if err := afero.WriteFile(fs, "ext/a.txt", []byte("clobbered!!!!!!!"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := Extract(fs, part, "ext", true, nil); err != nil {
		t.Fatalf("forced Extract: %v", err)
	}

	got, err := afero.ReadFile(fs, "ext/a.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 16 || got[0] != 'a' {
		t.Fatalf("forced re-extract did not restore the original content: %q", got)
	}
}
