package archivestore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"github.com/keithlinneman/sitedeploy/internal/cryptoutil"
)

type putCall struct {
	bucket, key string
	body        string
	size        int64
	meta        map[string]string
}

type fakeS3 struct {
	calls  []putCall
	failOn string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if aws.ToString(in.Key) == f.failOn {
		return nil, errors.New("AccessDenied")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, putCall{
		bucket: aws.ToString(in.Bucket),
		key:    aws.ToString(in.Key),
		body:   string(b),
		size:   aws.ToInt64(in.ContentLength),
		meta:   in.Metadata,
	})
	return &s3.PutObjectOutput{}, nil
}

func spoolWith(t *testing.T, body string) afero.File {
	t.Helper()
	fsys := afero.NewMemMapFs()
	f, err := Spool(fsys, "/root/.staging")
	if err != nil {
		t.Fatalf("Spool: %v", err)
	}
	if _, err := io.Copy(f, strings.NewReader(body)); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMirror_Disabled(t *testing.T) {
	var nilMirror *Mirror
	for _, m := range []*Mirror{nilMirror, New(nil, "b", "p"), New(&fakeS3{}, "", "p")} {
		if m.Enabled() {
			t.Fatal("Enabled() = true")
		}
		keys, err := m.Upload(context.Background(), strings.NewReader("x"), []string{"canary"}, "id")
		if err != nil || keys != nil {
			t.Fatalf("disabled Upload = %v, %v", keys, err)
		}
	}
}

func TestMirror_Key(t *testing.T) {
	m := New(&fakeS3{}, "bucket", "/sites/archives/")
	if got := m.Key("commits/abc", "d-1"); got != "sites/archives/commits/abc/d-1.tar.gz" {
		t.Fatalf("Key = %q", got)
	}
	if got := New(&fakeS3{}, "bucket", "").Key("canary", "d-1"); got != "canary/d-1.tar.gz" {
		t.Fatalf("Key without prefix = %q", got)
	}
}

func TestMirror_UploadEveryTarget(t *testing.T) {
	fake := &fakeS3{}
	spool := spoolWith(t, "gzipped-bytes")
	defer spool.Close()

	keys, err := New(fake, "bucket", "p").Upload(context.Background(), spool, []string{"canary", "commits/abc"}, "d-1")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if len(keys) != 2 || len(fake.calls) != 2 {
		t.Fatalf("keys = %v, calls = %d", keys, len(fake.calls))
	}
	for _, c := range fake.calls {
		if c.bucket != "bucket" || c.body != "gzipped-bytes" || c.size != int64(len("gzipped-bytes")) {
			t.Fatalf("call = %+v", c)
		}
		if c.meta["sha256"] != cryptoutil.SHA256Hex([]byte("gzipped-bytes")) || c.meta["deploy-id"] != "d-1" {
			t.Fatalf("metadata = %v", c.meta)
		}
	}
	if fake.calls[1].key != "p/commits/abc/d-1.tar.gz" {
		t.Fatalf("second key = %q", fake.calls[1].key)
	}
}

func TestMirror_PartialFailure(t *testing.T) {
	fake := &fakeS3{failOn: "p/canary/d-2.tar.gz"}
	spool := spoolWith(t, "bytes")
	defer spool.Close()

	keys, err := New(fake, "bucket", "p").Upload(context.Background(), spool, []string{"canary", "commits/x"}, "d-2")
	if err == nil || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("err = %v, want AccessDenied", err)
	}
	if len(keys) != 1 || keys[0] != "p/commits/x/d-2.tar.gz" {
		t.Fatalf("keys = %v, later targets must still upload", keys)
	}
}
