package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/keithlinneman/sitedeploy/internal/pathutil"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// Stats summarises one extraction.
type Stats struct {
	Files   int
	Dirs    int
	Skipped int
	Bytes   int64
}

// Extractor writes archives onto FS. MaxBytes bounds the total extracted
// file content; zero means unbounded.
type Extractor struct {
	FS       afero.Fs
	MaxBytes int64
}

// Extract streams r into dest on fsys with no size bound.
func Extract(ctx context.Context, r io.Reader, fsys afero.Fs, dest string) (Stats, error) {
	return Extractor{FS: fsys}.Extract(ctx, r, dest)
}

// Extract streams the tar.gz in r into dest, which must already exist.
// Partial output is left in place on failure; the caller owns dest.
func (x Extractor) Extract(ctx context.Context, r io.Reader, dest string) (Stats, error) {
	var st Stats

	ar, err := NewReader(r)
	if err != nil {
		return st, err
	}
	defer ar.Close()

	for {
		if err := ctx.Err(); err != nil {
			return st, xerrors.E(xerrors.KindExtractionFailed, "extraction cancelled", err)
		}

		e, err := ar.Next()
		if err == io.EOF {
			return st, nil
		}
		if err != nil {
			return st, err
		}

		target, err := SafeJoin(dest, e.Name)
		if err != nil {
			return st, err
		}

		switch e.Kind {
		case EntryDir:
			if err := x.FS.MkdirAll(target, 0o755); err != nil {
				return st, xerrors.E(xerrors.KindExtractionFailed, "create directory", xerrors.Wrapf(err, "mkdir %s", target))
			}
			st.Dirs++

		case EntryFile:
			if target == filepath.Clean(dest) {
				return st, xerrors.E(xerrors.KindExtractionFailed, "archive file entry has no name", nil)
			}
			n, err := x.writeFile(target, e, fileMode(e.Mode), x.remaining(st.Bytes))
			st.Bytes += n
			if err != nil {
				return st, err
			}
			st.Files++

		case EntrySymlink, EntryHardlink:
			return st, xerrors.E(xerrors.KindPathTraversal,
				fmt.Sprintf("archive entry %q is a link, links are not allowed", e.Name), nil)

		default:
			st.Skipped++
		}
	}
}

func (x Extractor) remaining(used int64) int64 {
	if x.MaxBytes <= 0 {
		return -1
	}
	return x.MaxBytes - used
}

// writeFile copies r into target, creating parents. limit < 0 is unbounded.
func (x Extractor) writeFile(target string, r io.Reader, mode os.FileMode, limit int64) (int64, error) {
	if err := x.FS.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, xerrors.E(xerrors.KindExtractionFailed, "create directory", xerrors.Wrapf(err, "mkdir %s", filepath.Dir(target)))
	}

	f, err := x.FS.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, xerrors.E(xerrors.KindExtractionFailed, "create file", xerrors.Wrapf(err, "create %s", target))
	}
	defer f.Close()

	src := r
	if limit >= 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		return n, xerrors.E(xerrors.KindExtractionFailed, "write file", xerrors.Wrapf(err, "write %s", target))
	}
	if limit >= 0 && n > limit {
		return n, xerrors.E(xerrors.KindTooLarge, "archive expands beyond the deploy size limit", nil)
	}
	if err := f.Close(); err != nil {
		return n, xerrors.E(xerrors.KindExtractionFailed, "close file", xerrors.Wrapf(err, "close %s", target))
	}
	return n, nil
}

func fileMode(m os.FileMode) os.FileMode {
	perm := m.Perm()
	if perm == 0 {
		return 0o644
	}
	return perm | 0o600
}

// SafeJoin resolves an archive entry name inside dest. Absolute names,
// ".." segments and anything resolving outside dest are KindPathTraversal.
// Names that clean to "." resolve to dest itself.
func SafeJoin(dest, name string) (string, error) {
	bad := func(reason string) (string, error) {
		return "", xerrors.E(xerrors.KindPathTraversal,
			fmt.Sprintf("archive entry %q %s", name, reason), nil)
	}

	if strings.ContainsRune(name, 0) {
		return bad("contains a NUL byte")
	}
	slashed := strings.ReplaceAll(name, `\`, "/")
	if path.IsAbs(slashed) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return bad("is an absolute path")
	}
	if pathutil.HasParentSegment(slashed) {
		return bad("escapes the destination")
	}

	root := filepath.Clean(dest)
	clean := path.Clean(slashed)
	if clean == "." {
		return root, nil
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return bad("escapes the destination")
	}
	return target, nil
}
