package health

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestWritableDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/srv/sites", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := WritableDir(fs, "/srv/sites").Check(context.Background()); err != nil {
		t.Fatalf("writable dir: %v", err)
	}
	entries, _ := afero.ReadDir(fs, "/srv/sites")
	if len(entries) != 0 {
		t.Fatalf("probe file left behind: %v", entries)
	}

	ro := afero.NewReadOnlyFs(fs)
	if err := WritableDir(ro, "/srv/sites").Check(context.Background()); err == nil {
		t.Fatal("read-only fs should fail")
	}
}

func TestWritableDir_RealDir(t *testing.T) {
	dir := t.TempDir()
	if err := WritableDir(afero.NewOsFs(), dir).Check(context.Background()); err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	if err := WritableDir(afero.NewOsFs(), dir+string(os.PathSeparator)+"missing").Check(context.Background()); err == nil {
		t.Fatal("missing dir should fail")
	}
}

type fakePinger struct {
	err      error
	deadline bool
}

func (f *fakePinger) Ping(ctx context.Context) error {
	_, f.deadline = ctx.Deadline()
	return f.err
}

func TestPing(t *testing.T) {
	ok := &fakePinger{}
	if err := Ping("history", ok, time.Second).Check(context.Background()); err != nil {
		t.Fatalf("healthy pinger: %v", err)
	}
	if !ok.deadline {
		t.Fatal("ping should run under a deadline")
	}

	bad := &fakePinger{err: errors.New("connection refused")}
	err := Ping("redis", bad, time.Second).Check(context.Background())
	if err == nil || !errors.Is(err, bad.err) {
		t.Fatalf("err = %v", err)
	}

	if err := Ping("history", nil, time.Second).Check(context.Background()); err != nil {
		t.Fatalf("nil pinger should pass: %v", err)
	}
}
