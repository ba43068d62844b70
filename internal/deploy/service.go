package deploy

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/sitedeploy/internal/archive"
	"github.com/keithlinneman/sitedeploy/internal/archivestore"
	"github.com/keithlinneman/sitedeploy/internal/channel"
	"github.com/keithlinneman/sitedeploy/internal/history"
	"github.com/keithlinneman/sitedeploy/internal/httpmw"
	"github.com/keithlinneman/sitedeploy/internal/lock"
	"github.com/keithlinneman/sitedeploy/internal/log"
	"github.com/keithlinneman/sitedeploy/internal/otelx"
	"github.com/keithlinneman/sitedeploy/internal/prof"
	"github.com/keithlinneman/sitedeploy/internal/publish"
	"github.com/keithlinneman/sitedeploy/internal/purge"
	"github.com/keithlinneman/sitedeploy/internal/token"
	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

// Metrics is the subset of the server metrics the pipeline reports to.
type Metrics interface {
	DeployStarted() func()
	ObserveDeploy(channel, result string, d time.Duration, bytes int64)
	IncPurge(result string)
	IncMirrorUpload(result string)
}

// Recorder stores finished deploy attempts.
type Recorder interface {
	Add(ctx context.Context, r history.Record) (int64, error)
}

type nopMetrics struct{}

func (nopMetrics) DeployStarted() func()                              { return func() {} }
func (nopMetrics) ObserveDeploy(string, string, time.Duration, int64) {}
func (nopMetrics) IncPurge(string)                                    {}
func (nopMetrics) IncMirrorUpload(string)                             {}

// Options configures a Service. Only FS, Root and BaseDomain are required.
type Options struct {
	FS         afero.Fs
	Root       string
	BaseDomain string
	Digests    token.Digests

	// MaxBytes bounds the extracted content per deploy; zero is unbounded.
	MaxBytes int64

	Locker  lock.Locker
	Purger  purge.Purger
	Mirror  *archivestore.Mirror
	History Recorder
	Metrics Metrics

	Now func() time.Time
}

func (o *Options) validate() error {
	if o.FS == nil {
		return xerrors.E(xerrors.KindConfig, "deploy: filesystem is required", nil)
	}
	if strings.TrimSpace(o.Root) == "" {
		return xerrors.E(xerrors.KindConfig, "deploy: content root is required", nil)
	}
	if strings.TrimSpace(o.BaseDomain) == "" {
		return xerrors.E(xerrors.KindConfig, "deploy: base domain is required", nil)
	}
	if o.Locker == nil {
		o.Locker = lock.NewLocal()
	}
	if o.Purger == nil {
		o.Purger = purge.Nop{}
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

// Service runs deploys: auth, lock, stage, extract, publish, purge, record.
type Service struct {
	opts Options
	pub  *publish.Publisher
}

func NewService(opts Options) (*Service, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Service{
		opts: opts,
		pub:  publish.New(opts.FS, opts.Root),
	}, nil
}

// Plan is what a deploy request resolves to before any work happens.
type Plan struct {
	Channel channel.Channel
	Targets []string
	// PurgeHost is the public host whose service worker gets purged.
	PurgeHost string
}

// Request is one authenticated-to-be deploy.
type Request struct {
	ID       string
	Plan     Plan
	Token    string
	Body     io.Reader
	ClientIP string
}

// Result describes a successful deploy.
type Result struct {
	ID       string
	Targets  []string
	Stats    archive.Stats
	Mirrored []string
}

// Deploy validates the token and publishes Body to every target in the
// plan. Auth failures are not recorded in history; everything after is.
func (s *Service) Deploy(ctx context.Context, req Request) (Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res := Result{ID: req.ID, Targets: req.Plan.Targets}
	ch := req.Plan.Channel

	if err := token.Validate(req.Token, s.opts.Digests.For(ch.Name)); err != nil {
		return res, err
	}

	L := log.FromContext(ctx).With(
		"deploy_id", req.ID,
		"channel", ch.String(),
		"targets", req.Plan.Targets,
	)
	ctx = log.WithContext(ctx, L)

	done := s.opts.Metrics.DeployStarted()
	defer done()

	started := s.opts.Now()
	L.Info(ctx, "deploy started", "client_ip", req.ClientIP)

	stats, mirrored, err := s.run(ctx, req)
	res.Stats = stats
	res.Mirrored = mirrored

	elapsed := s.opts.Now().Sub(started)
	result := "ok"
	if err != nil {
		result = xerrors.KindOf(err).String()
	}
	s.opts.Metrics.ObserveDeploy(string(ch.Name), result, elapsed, stats.Bytes)
	s.record(ctx, req, stats, started, elapsed, err)

	if err != nil {
		return res, err
	}
	L.Info(ctx, "deploy completed",
		"files", stats.Files,
		"bytes", stats.Bytes,
		"skipped", stats.Skipped,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (s *Service) run(ctx context.Context, req Request) (archive.Stats, []string, error) {
	var stats archive.Stats
	L := log.FromContext(ctx)

	release, err := lock.All(ctx, s.opts.Locker, req.Plan.Targets)
	if err != nil {
		return stats, nil, xerrors.E(xerrors.KindInternal, "acquire deploy locks", err)
	}
	defer release()

	stagingParent := filepath.Join(s.opts.Root, channel.StagingDir)
	if err := s.opts.FS.MkdirAll(stagingParent, 0o755); err != nil {
		return stats, nil, xerrors.E(xerrors.KindExtractionFailed, "create staging parent", err)
	}
	staging, err := afero.TempDir(s.opts.FS, stagingParent, "deploying-")
	if err != nil {
		return stats, nil, xerrors.E(xerrors.KindExtractionFailed, "create staging area", err)
	}
	defer func() {
		if err := s.opts.FS.RemoveAll(staging); err != nil {
			L.Warn(ctx, "remove staging area failed", "dir", staging, "error", err.Error())
		}
	}()

	body := req.Body
	var spool afero.File
	if s.opts.Mirror.Enabled() {
		spool, err = archivestore.Spool(s.opts.FS, filepath.Join(stagingParent, "spool"))
		if err != nil {
			return stats, nil, xerrors.E(xerrors.KindInternal, "create archive spool", err)
		}
		defer func() {
			_ = spool.Close()
			_ = s.opts.FS.Remove(spool.Name())
		}()
		body = io.TeeReader(body, spool)
	}

	stats, err = s.extract(ctx, req.Plan.Channel.Name, body, staging)
	if err != nil {
		return stats, nil, err
	}
	if spool != nil {
		// tar stops at its end marker; drain the gzip trailer into the spool
		if _, err := io.Copy(io.Discard, body); err != nil {
			return stats, nil, classifyBodyErr(err, "read archive trailer")
		}
	}

	if err := s.publish(ctx, staging, req.Plan.Targets); err != nil {
		return stats, nil, err
	}

	purgeErr := s.purge(ctx, req.Plan.PurgeHost)

	var mirrored []string
	if spool != nil {
		mirrored = s.mirror(ctx, spool, req.Plan.Targets, req.ID)
	}
	return stats, mirrored, purgeErr
}

func (s *Service) extract(ctx context.Context, ch channel.Name, body io.Reader, dest string) (st archive.Stats, err error) {
	ctx, span := otelx.Start(ctx, "deploy.extract")
	defer func() {
		span.SetAttributes(
			attribute.Int("deploy.files", st.Files),
			attribute.Int64("deploy.bytes", st.Bytes),
		)
		otelx.End(span, err)
	}()

	x := archive.Extractor{FS: s.opts.FS, MaxBytes: s.opts.MaxBytes}
	prof.Do(ctx, func(ctx context.Context) {
		st, err = x.Extract(ctx, body, dest)
	}, "deploy_channel", string(ch))
	if err != nil {
		return st, classifyBodyErr(err, "extract archive")
	}
	if st.Skipped > 0 {
		log.FromContext(ctx).Warn(ctx, "archive entries skipped", "skipped", st.Skipped)
	}
	return st, nil
}

func (s *Service) publish(ctx context.Context, staging string, targets []string) (err error) {
	ctx, span := otelx.Start(ctx, "deploy.publish",
		attribute.StringSlice("deploy.targets", targets),
	)
	defer func() { otelx.End(span, err) }()

	return s.pub.Publish(ctx, staging, targets)
}

func (s *Service) purge(ctx context.Context, host string) (err error) {
	if host == "" {
		return nil
	}
	url := purge.ServiceWorkerURL(host)
	ctx, span := otelx.Start(ctx, "deploy.purge", attribute.String("purge.url", url))
	defer func() { otelx.End(span, err) }()

	if err = s.opts.Purger.Purge(ctx, url); err != nil {
		s.opts.Metrics.IncPurge("error")
		if xerrors.KindOf(err) != xerrors.KindPurgeFailed {
			err = xerrors.E(xerrors.KindPurgeFailed, "Failed to purge cache. check the server logs for details.", err)
		}
		return err
	}
	s.opts.Metrics.IncPurge("ok")
	return nil
}

// mirror failures are logged and counted but never fail the deploy.
func (s *Service) mirror(ctx context.Context, spool io.ReadSeeker, targets []string, id string) []string {
	keys, err := s.opts.Mirror.Upload(ctx, spool, targets, id)
	for range keys {
		s.opts.Metrics.IncMirrorUpload("ok")
	}
	if err != nil {
		s.opts.Metrics.IncMirrorUpload("error")
		log.FromContext(ctx).Warn(ctx, "archive mirror incomplete", "uploaded", len(keys), "error", err.Error())
	}
	return keys
}

func (s *Service) record(ctx context.Context, req Request, st archive.Stats, started time.Time, elapsed time.Duration, err error) {
	if s.opts.History == nil {
		return
	}
	rec := history.Record{
		DeployID:    req.ID,
		Channel:     req.Plan.Channel.String(),
		Targets:     req.Plan.Targets,
		Status:      history.StatusSuccess,
		Files:       st.Files,
		Bytes:       st.Bytes,
		ClientIP:    req.ClientIP,
		StartedAt:   started,
		CompletedAt: started.Add(elapsed),
		Duration:    elapsed.Seconds(),
	}
	if err != nil {
		rec.Status = history.StatusFailed
		if xerrors.Is(err, xerrors.KindPurgeFailed) {
			rec.Status = history.StatusPurgeFailed
		}
		rec.ErrorKind = xerrors.KindOf(err).String()
	}
	// recording must outlive a client that hung up mid-deploy
	if _, herr := s.opts.History.Add(context.WithoutCancel(ctx), rec); herr != nil {
		log.FromContext(ctx).Error(ctx, herr, "record deploy history failed")
	}
}

// classifyBodyErr turns body read failures into the right client error.
func classifyBodyErr(err error, msg string) error {
	switch {
	case httpmw.IsTooLarge(err):
		return xerrors.E(xerrors.KindTooLarge, "deploy archive is too large", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return xerrors.E(xerrors.KindExtractionFailed, msg+": request cancelled", err)
	case xerrors.KindOf(err) != xerrors.KindInternal:
		return err
	}
	return xerrors.E(xerrors.KindExtractionFailed, msg, err)
}
