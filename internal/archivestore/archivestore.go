// Package archivestore mirrors deployed archives to S3 so any release can
// be inspected or redeployed later.
package archivestore

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/afero"

	"github.com/keithlinneman/sitedeploy/internal/cryptoutil"
	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Mirror uploads archives to s3://Bucket/Prefix/<target>/<deploy id>.tar.gz.
// A nil Mirror or one without a bucket is disabled.
type Mirror struct {
	client PutObjectAPI
	bucket string
	prefix string
}

func New(client PutObjectAPI, bucket, prefix string) *Mirror {
	return &Mirror{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (m *Mirror) Enabled() bool {
	return m != nil && m.client != nil && m.bucket != ""
}

// Key returns the object key for target and deployID.
func (m *Mirror) Key(target, deployID string) string {
	return path.Join(m.prefix, target, deployID+".tar.gz")
}

// Spool creates a temp file in dir to tee the request body into.
func Spool(fsys afero.Fs, dir string) (afero.File, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create spool dir %s", dir)
	}
	f, err := afero.TempFile(fsys, dir, "archive-*.tar.gz")
	if err != nil {
		return nil, xerrors.Wrap(err, "create archive spool")
	}
	return f, nil
}

// Upload stores the spooled archive once per target. Every target is tried;
// the first error is returned.
func (m *Mirror) Upload(ctx context.Context, spool io.ReadSeeker, targets []string, deployID string) ([]string, error) {
	if !m.Enabled() {
		return nil, nil
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, xerrors.Wrap(err, "rewind archive spool")
	}
	sum, size, err := cryptoutil.SHA256Reader(spool)
	if err != nil {
		return nil, xerrors.Wrap(err, "hash archive spool")
	}

	var keys []string
	var first error
	for _, t := range targets {
		key := m.Key(t, deployID)
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return keys, xerrors.Wrap(err, "rewind archive spool")
		}
		_, err := m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(m.bucket),
			Key:           aws.String(key),
			Body:          spool,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/gzip"),
			Metadata: map[string]string{
				"sha256":    sum,
				"deploy-id": deployID,
				"target":    t,
			},
		})
		if err != nil {
			log.FromContext(ctx).Error(ctx, err, "mirror archive failed", "bucket", m.bucket, "key", key)
			if first == nil {
				first = xerrors.Wrapf(err, "put s3://%s/%s", m.bucket, key)
			}
			continue
		}
		keys = append(keys, key)
	}
	return keys, first
}
