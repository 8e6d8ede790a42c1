package jobstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/isdmx/codus/judge"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store archives finished jobs in SQLite. It implements judge.Archive.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

var _ judge.Archive = (*Store)(nil)

// Open creates or opens the database at path and applies migrations.
func Open(logger *zap.Logger, path string) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to :memory: is its own database.
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("job store opened", zap.String("path", path))
	return &Store{logger: logger, db: db}, nil
}

// Record stores the final state of job. Recording the same job twice
// replaces the earlier row.
func (s *Store) Record(ctx context.Context, job *judge.Job, res *judge.ExecutionResult) error {
	problem, err := json.Marshal(job.Problem)
	if err != nil {
		return fmt.Errorf("failed to marshal problem: %w", err)
	}
	result, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, language, status, error_kind, submitted_at, finished_at, source_digest, problem, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error_kind = excluded.error_kind,
			finished_at = excluded.finished_at,
			result = excluded.result`,
		job.ID, job.Language, string(res.Status), string(res.ErrorKind),
		job.SubmittedAt.UTC().Format(timeFormat), res.FinishedAt.UTC().Format(timeFormat),
		Digest(job.Source), string(problem), string(result),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}

	s.logger.Debug("job archived", zap.String("job_id", job.ID), zap.String("status", string(res.Status)))
	return nil
}

// Lookup returns the archived job with the given ID, or an error wrapping
// judge.ErrJobNotFound.
func (s *Store) Lookup(ctx context.Context, id string) (*judge.JobView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, language, status, submitted_at, source_digest, result
		FROM jobs WHERE id = ?`, id)
	view, err := scanView(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", judge.ErrJobNotFound, id)
	}
	return view, err
}

// Recent returns up to limit archived jobs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]judge.JobView, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, language, status, submitted_at, source_digest, result
		FROM jobs ORDER BY submitted_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var views []judge.JobView
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanView(row scanner) (*judge.JobView, error) {
	var (
		v           judge.JobView
		status      string
		submittedAt string
		result      string
	)
	if err := row.Scan(&v.ID, &v.Language, &status, &submittedAt, &v.SourceDigest, &result); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	v.Status = judge.Status(status)

	t, err := time.Parse(timeFormat, submittedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse submitted_at for %s: %w", v.ID, err)
	}
	v.SubmittedAt = t

	var res judge.ExecutionResult
	if err := json.Unmarshal([]byte(result), &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result for %s: %w", v.ID, err)
	}
	v.Result = &res
	return &v, nil
}

// Digest returns the hex BLAKE3-256 digest of source.
func Digest(source string) string {
	sum := blake3.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
