package nod

import (
	"fmt"
	"io"
)

// PartitionKind identifies the role a Wii partition plays on a disc. GCN
// discs have an implicit single Data partition and never materialise a
// PartitionKind of their own.
type PartitionKind uint32

// Partition kinds as stored in the outer partition table.
const (
	PartitionData PartitionKind = iota
	PartitionUpdate
	PartitionChannel
)

// String renders the kind the way diagnostic output and per-partition
// extraction subdirectories name it.
func (k PartitionKind) String() string {
	switch k {
	case PartitionData:
		return "DATA"
	case PartitionUpdate:
		return "UPDATE"
	case PartitionChannel:
		return "CHANNEL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(k))
	}
}

// Partition is a single filesystem tree on a disc: the GCN disc's
// implicit partition, or one entry of a Wii disc's outer partition table.
type Partition interface {
	// Kind identifies the partition's role; always PartitionData for GCN.
	Kind() PartitionKind

	// Offset is the partition's absolute byte offset within the
	// container (0 for GCN).
	Offset() uint64

	// Header returns the partition's disc header.
	Header() *Header

	// BI2 returns the partition's BI2 debug header.
	BI2() *BI2Header

	// Root returns the synthetic root directory Node of the partition's
	// filesystem tree.
	Root() Node

	// DOLHeader parses and returns the partition's DOL executable header.
	DOLHeader() (*DOLHeader, error)

	// Open returns a seekable stream over the partition's logical
	// plaintext data region.
	Open() (io.ReadSeeker, error)

	// PartitionHead returns the raw encrypted partition-header template
	// bytes (ticket..H3-table boundary) for Wii partitions, and nil for
	// GCN, matching the extraction orchestrator's optional
	// partition_head.bin passthrough.
	PartitionHead() []byte
}
