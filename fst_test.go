package nod

import (
	"fmt"
	"testing"
)

// buildTestTree constructs a small buildSource tree:
//
//	root/
//	  apple.txt  (5 bytes)
//	  sub/
//	    banana.bin (10 bytes)
//	  zebra.txt  (3 bytes)
func buildTestTree() []*buildSource {
	return []*buildSource{
		{name: "zebra.txt", size: 3},
		{name: "sub", isDir: true, children: []*buildSource{
			{name: "banana.bin", size: 10},
		}},
		{name: "apple.txt", size: 5},
	}
}

func TestFSTBuildParseRoundTrip(t *testing.T) {
	var allocated uint64
	allocate := func(size uint64) (uint64, error) {
		off := allocated
		allocated += size
		return off, nil
	}

	builder := newFSTBuilder(0, allocate, nil)
	if err := builder.build(buildTestTree()); err != nil {
		t.Fatalf("build: %v", err)
	}

	data, err := builder.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	nodes, err := parseFST(data, 0)
	if err != nil {
		t.Fatalf("parseFST: %v", err)
	}
	if len(nodes) != builder.NodeCount() {
		t.Fatalf("parsed %d nodes, built %d", len(nodes), builder.NodeCount())
	}

	root := nodes[0]
	root.nodes = nodes
	children := root.Children()

	// sortChildren orders case-insensitively: apple.txt, sub, zebra.txt.
	wantNames := []string{"apple.txt", "sub", "zebra.txt"}
	if len(children) != len(wantNames) {
		t.Fatalf("got %d top-level children, want %d", len(children), len(wantNames))
	}
	for i, name := range wantNames {
		if children[i].Name != name {
			t.Errorf("children[%d].Name = %q, want %q", i, children[i].Name, name)
		}
	}

	var found []string
	err = root.Walk(func(path string, n Node) error {
		found = append(found, path)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	wantPaths := []string{"apple.txt", "sub", "sub/banana.bin", "zebra.txt"}
	if fmt.Sprint(found) != fmt.Sprint(wantPaths) {
		t.Fatalf("Walk order = %v, want %v", found, wantPaths)
	}

	for _, c := range children {
		if c.Name == "sub" {
			sub := c.Children()
			if len(sub) != 1 || sub[0].Name != "banana.bin" || sub[0].Length != 10 {
				t.Fatalf("sub/ children = %+v", sub)
			}
		}
	}
}

func TestFSTAllocatorErrorPropagates(t *testing.T) {
	wantErr := ErrDiskFull
	allocate := func(size uint64) (uint64, error) {
		return 0, wantErr
	}

	builder := newFSTBuilder(2, allocate, nil)
	err := builder.build([]*buildSource{{name: "big.bin", size: 1 << 30}})
	if err != wantErr {
		t.Fatalf("build error = %v, want %v", err, wantErr)
	}
}

// TestFSTBuildReportsLayoutProgress checks that the allocation pass itself
// drives the progress callback, before any byte is copied.
func TestFSTBuildReportsLayoutProgress(t *testing.T) {
	var allocated uint64
	allocate := func(size uint64) (uint64, error) {
		off := allocated
		allocated += size
		return off, nil
	}

	var names []string
	progress := func(fraction float64, name string, xferred int64) {
		if xferred != 0 {
			t.Errorf("layout progress reported a non-zero transfer for %q: %d", name, xferred)
		}
		names = append(names, name)
	}

	builder := newFSTBuilder(0, allocate, progress)
	if err := builder.build(buildTestTree()); err != nil {
		t.Fatalf("build: %v", err)
	}

	// Three files in the tree (apple.txt, zebra.txt, banana.bin); the
	// directory "sub" itself isn't allocated, so it never reports.
	wantCount := 3
	if len(names) != wantCount {
		t.Fatalf("progress fired %d times, want %d (got %v)", len(names), wantCount, names)
	}
}

func TestFSTRootRejectsNonDirectory(t *testing.T) {
	raw := newRawFSTNode(false, 0, 0, 0)
	var buf [fstNodeSize]byte
	_ = raw.write(sliceWriter{buf[:]})
	if _, err := parseFST(buf[:], 0); err == nil {
		t.Fatalf("expected error parsing an FST whose root is not a directory")
	}
}

// sliceWriter adapts a fixed byte slice to io.Writer for the single write
// rawFSTNode.write performs.
type sliceWriter struct{ b []byte }

func (w sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.b, p)
	return n, nil
}
