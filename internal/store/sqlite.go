package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/felixgeelhaar/canvas/internal/orchestrate"
	_ "modernc.org/sqlite"
)

// DefaultJobLimit caps RecentJobs when no limit is given.
const DefaultJobLimit = 20

// ErrNotFound is returned for unknown uploads.
var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db        *sql.DB
	uploadDir string
}

func NewSQLiteStore(dbPath, uploadDir string) (*SQLiteStore, error) {
	// Ensure directories exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}
	if err := os.MkdirAll(uploadDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:        db,
		uploadDir: uploadDir,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS configuration (
			key TEXT PRIMARY KEY,
			value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT NOT NULL,
			session_id TEXT,
			kind TEXT,
			outcome TEXT,
			attempts INTEGER,
			last_error TEXT,
			submitted_at INTEGER,
			completed_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_submitted ON jobs(submitted_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id);`,
		`CREATE TABLE IF NOT EXISTS uploads (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			filename TEXT,
			path TEXT,
			mime_type TEXT,
			size INTEGER,
			digest TEXT,
			created_at INTEGER
		);`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Configuration Implementation

func (s *SQLiteStore) SetConfig(key, value string) error {
	query := `INSERT INTO configuration (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	_, err := s.db.Exec(query, key, value)
	return err
}

func (s *SQLiteStore) GetConfig(key string) (string, error) {
	query := `SELECT value FROM configuration WHERE key = ?`
	row := s.db.QueryRow(query, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) ListConfig() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM configuration ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Job Ledger Implementation

// RecordJob appends a terminal job. It satisfies orchestrate.Recorder.
func (s *SQLiteStore) RecordJob(ctx context.Context, job orchestrate.Job, outcome orchestrate.Outcome) error {
	query := `INSERT INTO jobs (id, session_id, kind, outcome, attempts, last_error, submitted_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.SessionID, string(job.Kind), string(outcome), job.Attempts, job.LastError,
		toUnix(job.SubmittedAt), toUnix(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to record job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = DefaultJobLimit
	}
	query := `SELECT id, session_id, kind, outcome, attempts, last_error, submitted_at, completed_at
		FROM jobs ORDER BY submitted_at DESC, rowid DESC LIMIT ?`
	return s.queryJobs(ctx, query, limit)
}

func (s *SQLiteStore) SessionJobs(ctx context.Context, sessionID string) ([]JobRecord, error) {
	query := `SELECT id, session_id, kind, outcome, attempts, last_error, submitted_at, completed_at
		FROM jobs WHERE session_id = ? ORDER BY submitted_at ASC, rowid ASC`
	return s.queryJobs(ctx, query, sessionID)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []JobRecord
	for rows.Next() {
		var (
			r                    JobRecord
			submitted, completed int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Kind, &r.Outcome, &r.Attempts, &r.LastError, &submitted, &completed); err != nil {
			return nil, err
		}
		r.SubmittedAt = fromUnix(submitted)
		r.CompletedAt = fromUnix(completed)
		jobs = append(jobs, r)
	}
	return jobs, rows.Err()
}

// Upload Implementation

// SaveUpload writes content under the upload directory and records its
// metadata. It returns the absolute path of the stored file.
func (s *SQLiteStore) SaveUpload(u *Upload, content []byte) (string, error) {
	if u.ID == "" {
		return "", errors.New("upload id is required")
	}
	name := filepath.Base(strings.ReplaceAll(u.Filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}

	sum := sha256.Sum256(content)
	u.Digest = hex.EncodeToString(sum[:])
	u.Size = int64(len(content))
	u.Path = filepath.Join(u.SessionID, u.ID+"-"+name)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}

	// 1. Save content to filesystem
	fullPath := filepath.Join(s.uploadDir, u.Path)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0750); err != nil {
		return "", fmt.Errorf("failed to create upload dir: %w", err)
	}
	if err := os.WriteFile(fullPath, content, 0600); err != nil {
		return "", fmt.Errorf("failed to write upload content: %w", err)
	}

	// 2. Save metadata to DB
	query := `INSERT INTO uploads (id, session_id, filename, path, mime_type, size, digest, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.Exec(query, u.ID, u.SessionID, u.Filename, u.Path, u.MIMEType, u.Size, u.Digest, toUnix(u.CreatedAt)); err != nil {
		return "", fmt.Errorf("failed to record upload: %w", err)
	}

	abs, err := filepath.Abs(fullPath)
	if err != nil {
		return fullPath, nil
	}
	return abs, nil
}

func (s *SQLiteStore) GetUpload(id string) (*Upload, []byte, error) {
	// 1. Get metadata
	query := `SELECT id, session_id, filename, path, mime_type, size, digest, created_at FROM uploads WHERE id = ?`
	row := s.db.QueryRow(query, id)

	var (
		u       Upload
		created int64
	)
	if err := row.Scan(&u.ID, &u.SessionID, &u.Filename, &u.Path, &u.MIMEType, &u.Size, &u.Digest, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, fmt.Errorf("upload %s: %w", id, ErrNotFound)
		}
		return nil, nil, err
	}
	u.CreatedAt = fromUnix(created)

	// 2. Get content
	fullPath := filepath.Join(s.uploadDir, u.Path)
	content, err := os.ReadFile(fullPath) // #nosec G304
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upload content: %w", err)
	}

	return &u, content, nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
