package health

import (
	"context"
	"time"

	"github.com/spf13/afero"

	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// WritableDir fails unless a file can be created and removed in dir.
// Deploys stage under the content root, so a read-only or full volume
// makes the server unready even while it can still serve pages.
func WritableDir(fsys afero.Fs, dir string) CheckFunc {
	return func(context.Context) error {
		f, err := afero.TempFile(fsys, dir, ".probe-")
		if err != nil {
			return xerrors.Wrapf(err, "content root %s not writable", dir)
		}
		name := f.Name()
		_ = f.Close()
		if err := fsys.Remove(name); err != nil {
			return xerrors.Wrapf(err, "remove probe file %s", name)
		}
		return nil
	}
}

// Pinger is satisfied by *history.Store and by a thin adapter over a redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping bounds p.Ping by timeout and names the dependency in the error.
// A nil p passes, so optional backends can be wired unconditionally.
func Ping(name string, p Pinger, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		if p == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return xerrors.Wrapf(err, "%s unreachable", name)
		}
		return nil
	}
}
