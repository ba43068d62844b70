// Package archive streams gzip-compressed tar archives into a staging
// directory, rejecting any entry that would land outside it.
package archive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"errors"
	"io"
	"io/fs"

	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

type EntryKind int

const (
	EntryFile EntryKind = iota
	EntryDir
	EntrySymlink
	EntryHardlink
	EntryOther
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	case EntrySymlink:
		return "symlink"
	case EntryHardlink:
		return "hardlink"
	}
	return "other"
}

// Entry is one archive member. Its content can be read until the next
// call to Reader.Next.
type Entry struct {
	Name     string
	Kind     EntryKind
	Mode     fs.FileMode
	Size     int64
	Linkname string

	r io.Reader
}

func (e *Entry) Read(p []byte) (int, error) {
	if e.r == nil {
		return 0, io.EOF
	}
	return e.r.Read(p)
}

// Reader yields the entries of a tar.gz stream in order, once.
type Reader struct {
	gz   *gzip.Reader
	tr   *tar.Reader
	done error
}

var gzipMagic = [2]byte{0x1f, 0x8b}

// NewReader checks the gzip magic and opens the stream. An empty body is
// KindBadRequest, anything that is not gzip is KindNotGzipped.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	switch {
	case len(magic) == 0 && (err == io.EOF || err == nil):
		return nil, xerrors.E(xerrors.KindBadRequest, "request body is empty", nil)
	case len(magic) < 2 && err == io.EOF:
		return nil, xerrors.E(xerrors.KindNotGzipped, "request body is not gzip compressed", nil)
	case err != nil:
		return nil, xerrors.E(xerrors.KindExtractionFailed, "read request body", err)
	case magic[0] != gzipMagic[0] || magic[1] != gzipMagic[1]:
		return nil, xerrors.E(xerrors.KindNotGzipped, "request body is not gzip compressed", nil)
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		if errors.Is(err, gzip.ErrHeader) {
			return nil, xerrors.E(xerrors.KindNotGzipped, "request body is not gzip compressed", err)
		}
		return nil, xerrors.E(xerrors.KindExtractionFailed, "open gzip stream", err)
	}
	return &Reader{gz: gz, tr: tar.NewReader(gz)}, nil
}

// Next advances to the next entry. It returns io.EOF after the last one,
// once the gzip trailer (CRC32 and size) has been read and verified.
func (r *Reader) Next() (*Entry, error) {
	if r.done != nil {
		return nil, r.done
	}
	hdr, err := r.tr.Next()
	if err == io.EOF {
		r.done = r.finish()
		return nil, r.done
	}
	if err != nil {
		return nil, xerrors.E(xerrors.KindExtractionFailed, "read tar header", err)
	}

	e := &Entry{
		Name:     hdr.Name,
		Mode:     hdr.FileInfo().Mode(),
		Size:     hdr.Size,
		Linkname: hdr.Linkname,
	}
	switch hdr.Typeflag {
	case tar.TypeReg:
		e.Kind = EntryFile
		e.r = r.tr
	case tar.TypeDir:
		e.Kind = EntryDir
	case tar.TypeSymlink:
		e.Kind = EntrySymlink
	case tar.TypeLink:
		e.Kind = EntryHardlink
	default:
		e.Kind = EntryOther
	}
	return e, nil
}

// finish reads the rest of the gzip stream; gzip only checks its trailer
// when the stream is read to EOF.
func (r *Reader) finish() error {
	if _, err := io.Copy(io.Discard, r.gz); err != nil {
		return xerrors.E(xerrors.KindExtractionFailed, "verify gzip trailer", err)
	}
	return io.EOF
}

// Close releases the gzip stream. It does not close the underlying reader.
func (r *Reader) Close() error {
	return r.gz.Close()
}
