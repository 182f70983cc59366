package nod

import (
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"go4.org/readerutil"
)

// ContainerReader is a byte-addressable random-access view over an image
// container, regardless of whether it's backed by a plain ISO file, a
// WBFS archive or a split NFS container.
type ContainerReader interface {
	io.ReaderAt
	Size() int64
}

// containerReadCloser adapts one or more afero file handles, already
// concatenated into a single readerutil.SizeReaderAt by the caller, into a
// ContainerReader that also knows how to release its underlying handles.
type containerReadCloser struct {
	r readerutil.SizeReaderAt
	c []io.Closer
}

// openISO opens name as a single, uncompressed disc image file.
func openISO(fs afero.Fs, name string) (ContainerReader, io.Closer, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, nil, multierror.Append(err, f.Close())
	}

	r := &containerReadCloser{
		r: io.NewSectionReader(f, 0, info.Size()),
		c: []io.Closer{f},
	}
	return r, r, nil
}

func (r *containerReadCloser) Size() int64 {
	return r.r.Size()
}

func (r *containerReadCloser) ReadAt(p []byte, off int64) (int, error) {
	return r.r.ReadAt(p, off)
}

func (r *containerReadCloser) Close() (err error) {
	for _, c := range r.c {
		err = multierror.Append(err, c.Close())
	}
	return
}
