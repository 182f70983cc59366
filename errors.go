package nod

import "errors"

// Sentinel errors returned by the various layers of the package. Callers
// should use errors.Is against these rather than comparing strings.
var (
	// ErrNotAnImage is returned by Open when the magic bytes at the start
	// of the container don't match any known disc format.
	ErrNotAnImage = errors.New("nod: not a GameCube or Wii disc image")

	// ErrInvalidFormat covers structural problems found while parsing a
	// header, FST, ticket, TMD or container-specific table.
	ErrInvalidFormat = errors.New("nod: invalid format")

	// ErrCryptoMismatch covers key material that can't be resolved, such
	// as an out of range common-key index or a missing title key file.
	ErrCryptoMismatch = errors.New("nod: crypto mismatch")

	// ErrDiskFull is returned by a builder when the planned image would
	// exceed the target disc's capacity.
	ErrDiskFull = errors.New("nod: disk full")

	// ErrCapacityExceeded names a region overrunning the next fixed
	// boundary during layout planning. The builders in this package
	// report such overruns as ErrDiskFull and do not return it.
	ErrCapacityExceeded = errors.New("nod: capacity exceeded")

	// ErrPartitionNotFound is returned when a requested partition kind
	// isn't present in the disc's outer partition table.
	ErrPartitionNotFound = errors.New("nod: partition not found")

	// ErrClosed is returned by a write stream once it has already been
	// closed, and by BuildWii when a write targets an offset behind data
	// already written to the stream.
	ErrClosed = errors.New("nod: stream closed or seek out of order")
)
