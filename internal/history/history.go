// Package history keeps a SQLite log of deploy attempts.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keithlinneman/sitedeploy/internal/xerrors"
)

type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusPurgeFailed Status = "purge_failed"
)

// Record is one deploy attempt.
type Record struct {
	ID          int64     `json:"id"`
	DeployID    string    `json:"deploy_id"`
	Channel     string    `json:"channel"`
	Targets     []string  `json:"targets"`
	Status      Status    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Files       int       `json:"files"`
	Bytes       int64     `json:"bytes"`
	ClientIP    string    `json:"client_ip,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Duration    float64   `json:"duration_seconds"`
}

// Store is safe for concurrent use; SQLite serializes writers.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at dsn (a file path or ":memory:").
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open history db %s", dsn)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS deploys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			deploy_id TEXT NOT NULL UNIQUE,
			channel TEXT NOT NULL,
			targets TEXT NOT NULL,
			status TEXT NOT NULL,
			error_kind TEXT,
			files INTEGER NOT NULL DEFAULT 0,
			bytes INTEGER NOT NULL DEFAULT 0,
			client_ip TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT NOT NULL,
			duration_seconds REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deploys_channel ON deploys(channel, id DESC)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return xerrors.Wrap(err, "init history schema")
		}
	}
	return nil
}

// Add stores r and returns its row id.
func (s *Store) Add(ctx context.Context, r Record) (int64, error) {
	targets, err := json.Marshal(r.Targets)
	if err != nil {
		return 0, xerrors.Wrap(err, "encode targets")
	}
	var errKind sql.NullString
	if r.ErrorKind != "" {
		errKind = sql.NullString{String: r.ErrorKind, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deploys
		(deploy_id, channel, targets, status, error_kind, files, bytes,
		 client_ip, started_at, completed_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.DeployID,
		r.Channel,
		string(targets),
		string(r.Status),
		errKind,
		r.Files,
		r.Bytes,
		r.ClientIP,
		r.StartedAt.UTC().Format(time.RFC3339Nano),
		r.CompletedAt.UTC().Format(time.RFC3339Nano),
		r.Duration,
	)
	if err != nil {
		return 0, xerrors.Wrapf(err, "insert deploy %s", r.DeployID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, xerrors.Wrap(err, "last insert id")
	}
	return id, nil
}

// Query filters Recent. Zero values mean no filter; Limit defaults to 50
// and is capped at 500.
type Query struct {
	Channel string
	Limit   int
}

const selectCols = `id, deploy_id, channel, targets, status, error_kind, files, bytes,
	client_ip, started_at, completed_at, duration_seconds`

// Recent returns the newest records first.
func (s *Store) Recent(ctx context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var rows *sql.Rows
	var err error
	if q.Channel != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+selectCols+` FROM deploys WHERE channel = ? ORDER BY id DESC LIMIT ?`, q.Channel, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+selectCols+` FROM deploys ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "query deploys")
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(err, "iterate deploys")
	}
	return out, nil
}

// Latest returns the newest record for channel, or nil when there is none.
func (s *Store) Latest(ctx context.Context, channel string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM deploys WHERE channel = ? ORDER BY id DESC LIMIT 1`, channel)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var r Record
	var targets, status, started, completed string
	var errKind, clientIP sql.NullString

	err := sc.Scan(&r.ID, &r.DeployID, &r.Channel, &targets, &status, &errKind,
		&r.Files, &r.Bytes, &clientIP, &started, &completed, &r.Duration)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, xerrors.Wrap(err, "scan deploy")
	}

	r.Status = Status(status)
	r.ErrorKind = errKind.String
	r.ClientIP = clientIP.String
	if err := json.Unmarshal([]byte(targets), &r.Targets); err != nil {
		return nil, xerrors.Wrapf(err, "decode targets of %s", r.DeployID)
	}
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, xerrors.Wrap(err, "parse started_at")
	}
	if r.CompletedAt, err = time.Parse(time.RFC3339Nano, completed); err != nil {
		return nil, xerrors.Wrap(err, "parse completed_at")
	}
	return &r, nil
}
