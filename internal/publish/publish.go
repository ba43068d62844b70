// Package publish replaces channel serving trees with freshly extracted
// content by copying into a private directory and renaming it into place.
package publish

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/keithlinneman/sitedeploy/internal/archive"
	"github.com/keithlinneman/sitedeploy/internal/channel"
	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// TargetError records the failure of a single publish target.
type TargetError struct {
	Target string
	Err    error
}

func (e *TargetError) Error() string { return "publish " + e.Target + ": " + e.Err.Error() }
func (e *TargetError) Unwrap() error { return e.Err }

// Publisher swaps trees under Root. Work directories live in Root/.staging
// so every rename stays on one filesystem and never becomes servable.
type Publisher struct {
	FS   afero.Fs
	Root string
}

func New(fsys afero.Fs, root string) *Publisher {
	return &Publisher{FS: fsys, Root: filepath.Clean(root)}
}

func (p *Publisher) stagingDir() string {
	return filepath.Join(p.Root, channel.StagingDir)
}

// Publish makes each target, relative to Root, an exact copy of src.
// Targets are independent: a failure is recorded and the rest are still
// attempted. Successful targets are not rolled back. The returned error is
// KindPublishFailed and unwraps to one *TargetError per failed target.
func (p *Publisher) Publish(ctx context.Context, src string, targets []string) error {
	if len(targets) == 0 {
		return xerrors.E(xerrors.KindPublishFailed, "no publish targets", nil)
	}

	var errs []error
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, &TargetError{Target: t, Err: err})
			continue
		}
		if err := p.publishOne(ctx, src, t); err != nil {
			errs = append(errs, &TargetError{Target: t, Err: err})
		}
	}
	if len(errs) > 0 {
		return xerrors.E(xerrors.KindPublishFailed, "publish failed", errors.Join(errs...))
	}
	return nil
}

func (p *Publisher) publishOne(ctx context.Context, src, rel string) error {
	target, err := archive.SafeJoin(p.Root, rel)
	if err != nil {
		return err
	}
	relClean, err := filepath.Rel(p.Root, target)
	if err != nil {
		return xerrors.Wrapf(err, "relative path of %s", target)
	}
	if first, _, _ := strings.Cut(filepath.ToSlash(relClean), "/"); first == "." || first == channel.StagingDir {
		return xerrors.Newf("refusing to publish onto %q", rel)
	}

	if err := p.FS.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return xerrors.Wrapf(err, "create parent of %s", target)
	}
	if err := p.FS.MkdirAll(p.stagingDir(), 0o755); err != nil {
		return xerrors.Wrap(err, "create staging dir")
	}

	incoming, err := afero.TempDir(p.FS, p.stagingDir(), "incoming-")
	if err != nil {
		return xerrors.Wrap(err, "create incoming dir")
	}
	defer func() { _ = p.FS.RemoveAll(incoming) }()

	if err := CopyTree(p.FS, src, incoming); err != nil {
		return err
	}

	retired := ""
	switch _, err := p.FS.Stat(target); {
	case err == nil:
		retired = filepath.Join(p.stagingDir(), "retired-"+uuid.NewString())
		if err := p.FS.Rename(target, retired); err != nil {
			return xerrors.Wrapf(err, "retire %s", target)
		}
	case !os.IsNotExist(err):
		return xerrors.Wrapf(err, "stat %s", target)
	}

	if err := p.FS.Rename(incoming, target); err != nil {
		if retired != "" {
			if rerr := p.FS.Rename(retired, target); rerr != nil {
				log.FromContext(ctx).Error(ctx, rerr, "restore previous tree failed", "target", target)
			}
		}
		return xerrors.Wrapf(err, "swap in %s", target)
	}

	if retired != "" {
		if err := p.FS.RemoveAll(retired); err != nil {
			log.FromContext(ctx).Warn(ctx, "remove retired tree failed", "path", retired, "err", err)
		}
	}
	return nil
}

// CopyTree copies the regular files and directories under src into dst,
// which must exist.
func CopyTree(fsys afero.Fs, src, dst string) error {
	return afero.Walk(fsys, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return xerrors.Wrapf(err, "walk %s", p)
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return xerrors.Wrapf(err, "relative path of %s", p)
		}
		out := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			if err := fsys.MkdirAll(out, 0o755); err != nil {
				return xerrors.Wrapf(err, "mkdir %s", out)
			}
		case info.Mode().IsRegular():
			if err := copyFile(fsys, p, out, info.Mode().Perm()); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyFile(fsys afero.Fs, src, dst string, mode os.FileMode) error {
	in, err := fsys.Open(src)
	if err != nil {
		return xerrors.Wrapf(err, "open %s", src)
	}
	defer in.Close()

	out, err := fsys.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return xerrors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return xerrors.Wrapf(err, "copy %s", dst)
	}
	if err := out.Close(); err != nil {
		return xerrors.Wrapf(err, "close %s", dst)
	}
	return nil
}
