package nod

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	partHeadFixedSize = partHeadTMDBodyOff // 0x2C0, before the variable-length TMD body
)

// wiiPartitionTableEntry is one 8-byte record in the outer partition
// table: an absolute offset (shifted right by 2) and a PartitionKind.
type wiiPartitionTableEntry struct {
	Offset uint32
	Kind   uint32
}

// readWiiPartitionTable parses the outer partition table header at
// wiiPartTableOff and its entry array.
func readWiiPartitionTable(container ContainerReader) ([]wiiPartitionTableEntry, error) {
	var hdr [8]byte
	if _, err := container.ReadAt(hdr[:], int64(wiiPartTableOff)); err != nil {
		return nil, fmt.Errorf("%w: reading partition table header: %v", ErrInvalidFormat, err)
	}
	count := binary.BigEndian.Uint32(hdr[0:4])
	entriesOff := int64(binary.BigEndian.Uint32(hdr[4:8])) << 2

	entries := make([]wiiPartitionTableEntry, count)
	buf := make([]byte, 8*count)
	if _, err := container.ReadAt(buf, entriesOff); err != nil {
		return nil, fmt.Errorf("%w: reading partition table entries: %v", ErrInvalidFormat, err)
	}
	for i := range entries {
		entries[i].Offset = binary.BigEndian.Uint32(buf[i*8:])
		entries[i].Kind = binary.BigEndian.Uint32(buf[i*8+4:])
	}
	return entries, nil
}

// wiiPartition is one entry of a Wii disc's outer partition table: a
// ticket/TMD/cert-chain header followed by an AES-128-CBC encrypted,
// hash-tree protected content stream.
type wiiPartition struct {
	container ContainerReader
	offset    int64 // absolute container offset of the partition start
	kind      PartitionKind

	partHead []byte // ticket..H3-table boundary, verbatim
	ticket   *wiiTicket
	tmd      *wiiTMD
	dataOff  int64
	dataSize int64

	block cipher.Block

	header *Header
	bi2    *BI2Header
	nodes  []Node

	dolHeader *DOLHeader
}

func openWiiPartition(container ContainerReader, offset int64, kind PartitionKind, keys CommonKeyTable) (*wiiPartition, error) {
	p := &wiiPartition{container: container, offset: offset, kind: kind}

	var fixed [partHeadFixedSize]byte
	if _, err := container.ReadAt(fixed[:], offset); err != nil {
		return nil, fmt.Errorf("%w: reading partition header: %v", ErrInvalidFormat, err)
	}

	ticket, err := parseTicket(fixed[partHeadTicketOff:partHeadTMDSizeOff])
	if err != nil {
		return nil, err
	}
	p.ticket = ticket

	tmdSize := binary.BigEndian.Uint32(fixed[partHeadTMDSizeOff:])
	certSize := binary.BigEndian.Uint32(fixed[partHeadCertSizeOff:])
	h3Off := int64(binary.BigEndian.Uint32(fixed[partHeadH3OffOff:])) << 2
	dataOff := int64(binary.BigEndian.Uint32(fixed[partHeadDataOffOff:])) << 2
	dataSize := int64(binary.BigEndian.Uint32(fixed[partHeadDataSizeOff:])) << 2

	p.dataOff = offset + dataOff
	p.dataSize = dataSize

	headSize := partHeadTMDBodyOff + int64(tmdSize)
	if h3Off+h3TableSize > headSize {
		headSize = h3Off + h3TableSize
	}
	if int64(certSize) > headSize {
		headSize = int64(certSize)
	}
	p.partHead = make([]byte, headSize)
	if _, err := container.ReadAt(p.partHead, offset); err != nil {
		return nil, fmt.Errorf("%w: reading partition header template: %v", ErrInvalidFormat, err)
	}

	tmd, err := parseTMD(p.partHead[partHeadTMDBodyOff : partHeadTMDBodyOff+int64(tmdSize)])
	if err != nil {
		return nil, err
	}
	p.tmd = tmd

	key, err := ticket.titleKey(keys)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	p.block = block

	if err := p.parseInnerLayout(); err != nil {
		return nil, err
	}

	return p, nil
}

// parseInnerLayout decrypts the partition's early plaintext region to
// recover the disc header, BI2 header and FST, exactly as the GCN layer
// does but through the decrypting stream instead of the raw container.
func (p *wiiPartition) parseInnerLayout() error {
	stream := newWiiReadStream(p.container, p.dataOff, p.block, p.dataSize/groupSize*groupDataSize)

	headerBuf := make([]byte, HeaderSize)
	if err := readExact(stream, headerBuf); err != nil {
		return err
	}
	h, err := ReadHeader(bytes.NewReader(headerBuf))
	if err != nil {
		return err
	}
	if !h.IsWii() {
		return fmt.Errorf("%w: bad Wii magic", ErrInvalidFormat)
	}
	p.header = h

	bi2Buf := make([]byte, BI2Size)
	if err := readExact(stream, bi2Buf); err != nil {
		return err
	}
	bi2, err := ReadBI2Header(bytes.NewReader(bi2Buf))
	if err != nil {
		return err
	}
	p.bi2 = bi2

	if h.FSTSize == 0 {
		return fmt.Errorf("%w: zero length FST", ErrInvalidFormat)
	}
	if _, err := stream.Seek(int64(h.FSTOffset)<<2, io.SeekStart); err != nil {
		return err
	}
	fstData := make([]byte, int64(h.FSTSize)<<2)
	if err := readExact(stream, fstData); err != nil {
		return err
	}
	nodes, err := parseFST(fstData, 2)
	if err != nil {
		return err
	}
	p.nodes = nodes

	return nil
}

func (p *wiiPartition) Kind() PartitionKind { return p.kind }
func (p *wiiPartition) Offset() uint64      { return uint64(p.offset) }
func (p *wiiPartition) Header() *Header     { return p.header }
func (p *wiiPartition) BI2() *BI2Header     { return p.bi2 }

func (p *wiiPartition) Root() Node {
	r := p.nodes[0]
	r.nodes = p.nodes
	r.index = 0
	return r
}

func (p *wiiPartition) DOLHeader() (*DOLHeader, error) {
	if p.dolHeader != nil {
		return p.dolHeader, nil
	}
	r, err := p.Open()
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(int64(p.header.DOLOffset)<<2, io.SeekStart); err != nil {
		return nil, err
	}
	d, err := ReadDOLHeader(io.LimitReader(r, 0x100))
	if err != nil {
		return nil, err
	}
	p.dolHeader = d
	return d, nil
}

func (p *wiiPartition) Open() (io.ReadSeeker, error) {
	limit := p.dataSize / groupSize * groupDataSize
	return newWiiReadStream(p.container, p.dataOff, p.block, limit), nil
}

func (p *wiiPartition) PartitionHead() []byte {
	return p.partHead
}
