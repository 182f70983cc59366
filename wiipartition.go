package nod

import (
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

// wiiReadStream implements the logical-to-physical translation described
// for the Wii partition crypto layer: logical offset L maps onto
// (group, sector, byte) and each sector is decrypted and cached whole.
type wiiReadStream struct {
	container ContainerReader
	dataOff   int64 // physical offset of sector 0 within the container
	block     cipher.Block
	limit     int64 // logical size of the plaintext data region

	off int64

	haveCache  bool
	cacheGroup int64
	cacheSect  int64
	cache      []byte // sectorDataSize bytes of decrypted payload
}

func newWiiReadStream(container ContainerReader, dataOff int64, block cipher.Block, limit int64) *wiiReadStream {
	return &wiiReadStream{container: container, dataOff: dataOff, block: block, limit: limit}
}

func (s *wiiReadStream) fill(group, sector int64) error {
	if s.haveCache && s.cacheGroup == group && s.cacheSect == sector {
		return nil
	}

	physOff := s.dataOff + group*groupSize + sector*sectorSize
	buf := make([]byte, sectorSize)
	if _, err := s.container.ReadAt(buf, physOff); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	_, payload, err := decryptSector(s.block, buf)
	if err != nil {
		return err
	}
	s.cache = payload
	s.cacheGroup = group
	s.cacheSect = sector
	s.haveCache = true
	return nil
}

func (s *wiiReadStream) Read(p []byte) (int, error) {
	if s.off >= s.limit {
		return 0, io.EOF
	}
	if max := s.limit - s.off; int64(len(p)) > max {
		p = p[:max]
	}

	var total int
	for len(p) > 0 {
		group := s.off / groupDataSize
		sector := (s.off % groupDataSize) / sectorDataSize
		byteInSector := s.off % sectorDataSize

		if err := s.fill(group, sector); err != nil {
			return total, err
		}

		n := copy(p, s.cache[byteInSector:])
		p = p[n:]
		total += n
		s.off += int64(n)
	}
	return total, nil
}

func (s *wiiReadStream) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.off
	case io.SeekEnd:
		offset += s.limit
	default:
		return 0, errors.New("nod: invalid whence")
	}
	if offset < 0 {
		return 0, errors.New("nod: invalid offset")
	}
	s.off = offset
	return offset, nil
}

// wiiWriteStream accumulates plaintext into a group buffer and flushes
// each completed group through the hash-tree + AES-CBC encryption
// pipeline described for the Wii partition crypto layer. It is
// append-only: callers may seek forward (padding with 0xFF) but never
// backward past data already flushed.
type wiiWriteStream struct {
	w       io.WriterAt
	dataOff int64
	block   cipher.Block

	off        int64 // logical write position
	groupIndex int64
	buf        [groupDataSize]byte // plaintext accumulator for the current group
	bufLen     int64

	h3      [][sha1Size]byte
	closed  bool
}

const sha1Size = 20

func newWiiWriteStream(w io.WriterAt, dataOff int64, block cipher.Block) *wiiWriteStream {
	return &wiiWriteStream{w: w, dataOff: dataOff, block: block}
}

func (s *wiiWriteStream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	total := len(p)
	for len(p) > 0 {
		room := int64(groupDataSize) - s.bufLen
		n := int64(len(p))
		if n > room {
			n = room
		}
		copy(s.buf[s.bufLen:], p[:n])
		s.bufLen += n
		p = p[n:]
		s.off += n

		if s.bufLen == groupDataSize {
			if err := s.flushGroup(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// Pad writes n bytes of 0xFF, used when the layout planner leaves a gap
// between regions (e.g. FST padding, or a forward seek).
func (s *wiiWriteStream) Pad(n int64) error {
	const chunk = 4096
	filler := make([]byte, chunk)
	for i := range filler {
		filler[i] = 0xFF
	}
	for n > 0 {
		c := int64(chunk)
		if c > n {
			c = n
		}
		if _, err := s.Write(filler[:c]); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

func (s *wiiWriteStream) flushGroup() error {
	var payload [sectorsPerGroup][sectorDataSize]byte
	for i := 0; i < sectorsPerGroup; i++ {
		copy(payload[i][:], s.buf[i*sectorDataSize:(i+1)*sectorDataSize])
	}

	sectors, h3 := computeGroupHashes(payload)

	physOff := s.dataOff + s.groupIndex*groupSize
	for i := 0; i < sectorsPerGroup; i++ {
		prefix := sectors[i].marshal()
		cipherSector := encryptSector(s.block, prefix, payload[i][:])
		if _, err := s.w.WriteAt(cipherSector, physOff+int64(i)*sectorSize); err != nil {
			return err
		}
	}

	s.h3 = append(s.h3, h3)
	s.groupIndex++
	s.bufLen = 0
	return nil
}

// Close flushes any partial final group, padding it out to a full group
// boundary with 0xFF first.
func (s *wiiWriteStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.bufLen > 0 {
		for i := s.bufLen; i < groupDataSize; i++ {
			s.buf[i] = 0xFF
		}
		s.bufLen = groupDataSize
		if err := s.flushGroup(); err != nil {
			return err
		}
	}
	return nil
}

// GroupCount returns the number of complete groups written so far.
func (s *wiiWriteStream) GroupCount() int64 {
	return s.groupIndex
}

// H3Table returns the accumulated per-group SHA-1 digests, padded with
// zero digests out to the fixed h3TableCount slots the on-disc table
// reserves.
func (s *wiiWriteStream) H3Table() []byte {
	out := make([]byte, h3TableSize)
	for i, h := range s.h3 {
		copy(out[i*sha1Size:], h[:])
	}
	return out
}
