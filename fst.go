package nod

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

const fstNodeSize = 12

// rawFSTNode is the 12-byte on-disc record: (kind:1 bit | nameOffset:24
// bits), offset:32, length:32, all big-endian.
type rawFSTNode struct {
	kindAndName uint32
	offset      uint32
	length      uint32
}

func (n rawFSTNode) isDir() bool {
	return n.kindAndName>>24 != 0
}

func (n rawFSTNode) nameOffset() uint32 {
	return n.kindAndName & 0xFFFFFF
}

func newRawFSTNode(isDir bool, nameOffset, offset, length uint32) rawFSTNode {
	var kind uint32
	if isDir {
		kind = 1
	}
	return rawFSTNode{
		kindAndName: kind<<24 | (nameOffset & 0xFFFFFF),
		offset:      offset,
		length:      length,
	}
}

func readRawFSTNode(r io.Reader) (rawFSTNode, error) {
	var buf [fstNodeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return rawFSTNode{}, err
	}
	return rawFSTNode{
		kindAndName: binary.BigEndian.Uint32(buf[0:4]),
		offset:      binary.BigEndian.Uint32(buf[4:8]),
		length:      binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

func (n rawFSTNode) write(w io.Writer) error {
	var buf [fstNodeSize]byte
	binary.BigEndian.PutUint32(buf[0:4], n.kindAndName)
	binary.BigEndian.PutUint32(buf[4:8], n.offset)
	binary.BigEndian.PutUint32(buf[8:12], n.length)
	_, err := w.Write(buf[:])
	return err
}

// Node is a materialised file or directory inside a partition's
// filesystem. Directories hold their children by index range into the
// owning partition's flat node slice rather than by pointer, so the
// slice can be freely copied without invalidating cross-references.
type Node struct {
	Name   string
	IsDir  bool
	Offset uint64 // disc offset for files; unused for directories
	Length uint64 // file size; exclusive end index into Nodes for directories

	index int
	nodes []Node // shared backing slice for the whole tree
}

// Children returns the immediate children of a directory node. It is a
// programming error to call this on a file node.
func (n Node) Children() []Node {
	if !n.IsDir {
		return nil
	}
	begin := n.index + 1
	end := int(n.Length)
	var out []Node
	for i := begin; i < end; {
		child := n.nodes[i]
		child.index = i
		out = append(out, child)
		if child.IsDir {
			i = int(child.Length)
		} else {
			i++
		}
	}
	return out
}

// Walk invokes fn for every descendant of n (n itself is not visited), in
// DFS pre-order, with a host-relative path built up from each directory
// name.
func (n Node) Walk(fn func(path string, node Node) error) error {
	return walk(n, "", fn)
}

func walk(n Node, prefix string, fn func(string, Node) error) error {
	for _, c := range n.Children() {
		p := c.Name
		if prefix != "" {
			p = prefix + "/" + c.Name
		}
		if err := fn(p, c); err != nil {
			return err
		}
		if c.IsDir {
			if err := walk(c, p, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseFST parses the raw FST blob (node array followed by a NUL-delimited
// string table) into a flat slice of Nodes, index 0 being the synthetic
// root directory. shift encodes the Wii offset right-shift (2) or the GCN
// identity (0).
func parseFST(data []byte, shift uint) ([]Node, error) {
	if len(data) < fstNodeSize {
		return nil, fmt.Errorf("%w: FST too small", ErrInvalidFormat)
	}

	root, err := readRawFSTNode(bytes.NewReader(data[:fstNodeSize]))
	if err != nil {
		return nil, err
	}
	if !root.isDir() {
		return nil, fmt.Errorf("%w: FST root is not a directory", ErrInvalidFormat)
	}

	count := int(root.length)
	if count <= 0 || count*fstNodeSize > len(data) {
		return nil, fmt.Errorf("%w: FST node count out of range", ErrInvalidFormat)
	}

	raw := make([]rawFSTNode, count)
	r := bytes.NewReader(data)
	for i := range raw {
		raw[i], err = readRawFSTNode(r)
		if err != nil {
			return nil, err
		}
	}

	stringTable := data[count*fstNodeSize:]

	nodes := make([]Node, count)
	for i, rn := range raw {
		name := ""
		if i != 0 {
			name, err = readCString(stringTable, rn.nameOffset())
			if err != nil {
				return nil, err
			}
		}

		if rn.isDir() {
			if i != 0 && (int(rn.length) <= i || int(rn.length) > count) {
				return nil, fmt.Errorf("%w: directory node %d has invalid end index", ErrInvalidFormat, i)
			}
			nodes[i] = Node{Name: name, IsDir: true, Length: uint64(rn.length), index: i}
		} else {
			nodes[i] = Node{Name: name, IsDir: false, Offset: uint64(rn.offset) << shift, Length: uint64(rn.length), index: i}
		}
	}

	for i := range nodes {
		nodes[i].nodes = nodes
	}

	return nodes, nil
}

func readCString(table []byte, offset uint32) (string, error) {
	if int(offset) >= len(table) {
		return "", fmt.Errorf("%w: name offset out of range", ErrInvalidFormat)
	}
	end := bytes.IndexByte(table[offset:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated FST name", ErrInvalidFormat)
	}
	return string(table[offset : int(offset)+end]), nil
}

// buildSource is a single file or directory discovered while walking a
// host directory tree during the disc-assembler's pre-pass.
type buildSource struct {
	name     string
	isDir    bool
	size     uint64 // file size, valid for !isDir
	path     string // host path, valid for !isDir
	children []*buildSource
}

// sortChildren orders children case-insensitively by name, so that builder
// output is the same byte-for-byte regardless of host directory
// enumeration order. parseFST does not sort; it keeps the on-disc order.
func sortChildren(children []*buildSource) {
	sort.Slice(children, func(i, j int) bool {
		return strings.ToLower(children[i].name) < strings.ToLower(children[j].name)
	})
	for _, c := range children {
		if c.isDir {
			sortChildren(c.children)
		}
	}
}

// fstBuilder accumulates the node array and string table during the
// DFS build pass, and resolves each file's user-region offset through an
// allocator callback supplied by the disc assembler.
type fstBuilder struct {
	raw      []rawFSTNode
	names    bytes.Buffer
	shift    uint
	allocate func(size uint64) (uint64, error)
	progress ProgressFunc

	allocated int
	total     int
}

func newFSTBuilder(shift uint, allocate func(uint64) (uint64, error), progress ProgressFunc) *fstBuilder {
	b := &fstBuilder{shift: shift, allocate: allocate, progress: progress}
	// Reserve the root entry; patched once the whole tree is emitted.
	b.raw = append(b.raw, rawFSTNode{})
	return b
}

// build emits the DFS node array for the top-level entries of root
// (root itself is not emitted; its children become index 1..N), reporting
// layout progress through b.progress as each file's disc offset is
// allocated — this runs entirely before the byte-copy pass begins.
func (b *fstBuilder) build(root []*buildSource) error {
	sortChildren(root)
	b.total = countFiles(root)
	for _, c := range root {
		if err := b.emit(c); err != nil {
			return err
		}
	}
	b.raw[0] = newRawFSTNode(true, 0, 0, uint32(len(b.raw)))
	return nil
}

func countFiles(nodes []*buildSource) int {
	n := 0
	for _, c := range nodes {
		if c.isDir {
			n += countFiles(c.children)
		} else {
			n++
		}
	}
	return n
}

func (b *fstBuilder) emit(n *buildSource) error {
	nameOff := uint32(b.names.Len())
	b.names.WriteString(n.name)
	b.names.WriteByte(0)

	if !n.isDir {
		off, err := b.allocate(n.size)
		if err != nil {
			return err
		}
		b.raw = append(b.raw, newRawFSTNode(false, nameOff, uint32(off>>b.shift), uint32(n.size)))
		b.allocated++
		if b.progress != nil {
			b.progress(fraction(int64(b.allocated), int64(b.total)), n.name, 0)
		}
		return nil
	}

	idx := len(b.raw)
	b.raw = append(b.raw, rawFSTNode{}) // placeholder, patched below

	for _, c := range n.children {
		if err := b.emit(c); err != nil {
			return err
		}
	}

	b.raw[idx] = newRawFSTNode(true, nameOff, 0, uint32(len(b.raw)))
	return nil
}

// Bytes serialises the accumulated node array followed by the string
// table, ready to be written at fstOff.
func (b *fstBuilder) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, n := range b.raw {
		if err := n.write(buf); err != nil {
			return nil, err
		}
	}
	buf.Write(b.names.Bytes())
	return buf.Bytes(), nil
}

// NodeCount returns the number of FSTNode records, including the root.
func (b *fstBuilder) NodeCount() int {
	return len(b.raw)
}
