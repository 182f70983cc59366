package nod

import (
	"fmt"
	"io"
)

// gcnPartition is the GameCube disc's single, implicit, unencrypted
// partition: the whole container serves as its logical address space.
type gcnPartition struct {
	container ContainerReader
	header    *Header
	bi2       *BI2Header
	nodes     []Node
	dolHeader *DOLHeader
}

func openGCNPartition(container ContainerReader) (*gcnPartition, error) {
	p := &gcnPartition{container: container}

	hr := io.NewSectionReader(container, 0, HeaderSize)
	h, err := ReadHeader(hr)
	if err != nil {
		return nil, err
	}
	if !h.IsGCN() {
		return nil, fmt.Errorf("%w: bad GameCube magic", ErrInvalidFormat)
	}
	p.header = h

	bi2r := io.NewSectionReader(container, HeaderSize, BI2Size)
	bi2, err := ReadBI2Header(bi2r)
	if err != nil {
		return nil, err
	}
	p.bi2 = bi2

	if h.FSTSize == 0 {
		return nil, fmt.Errorf("%w: zero length FST", ErrInvalidFormat)
	}
	fstData := make([]byte, h.FSTSize)
	if _, err := container.ReadAt(fstData, int64(h.FSTOffset)); err != nil {
		return nil, fmt.Errorf("%w: reading FST: %v", ErrInvalidFormat, err)
	}
	nodes, err := parseFST(fstData, 0)
	if err != nil {
		return nil, err
	}
	p.nodes = nodes

	return p, nil
}

func (p *gcnPartition) Kind() PartitionKind { return PartitionData }
func (p *gcnPartition) Offset() uint64      { return 0 }
func (p *gcnPartition) Header() *Header     { return p.header }
func (p *gcnPartition) BI2() *BI2Header     { return p.bi2 }

func (p *gcnPartition) Root() Node {
	r := p.nodes[0]
	r.nodes = p.nodes
	r.index = 0
	return r
}

func (p *gcnPartition) DOLHeader() (*DOLHeader, error) {
	if p.dolHeader != nil {
		return p.dolHeader, nil
	}
	r := io.NewSectionReader(p.container, int64(p.header.DOLOffset), 0x100)
	d, err := ReadDOLHeader(r)
	if err != nil {
		return nil, err
	}
	p.dolHeader = d
	return d, nil
}

func (p *gcnPartition) Open() (io.ReadSeeker, error) {
	return io.NewSectionReader(p.container, 0, p.container.Size()), nil
}

func (p *gcnPartition) PartitionHead() []byte { return nil }
