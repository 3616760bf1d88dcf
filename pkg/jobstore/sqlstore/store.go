// Package sqlstore persists workflow state in SQLite or libsql.
//
// Builds without cgo use the pure-Go modernc.org/sqlite driver; cgo builds
// use go-libsql, which also reaches remote libsql/Turso databases.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/jobtrail/pkg/workflow"
)

// Store implements workflow.Store, workflow.DataFileStore and
// workflow.HeartBeatStore on a database handle.
type Store struct {
	db *sql.DB
}

var (
	_ workflow.Store          = (*Store)(nil)
	_ workflow.DataFileStore  = (*Store)(nil)
	_ workflow.HeartBeatStore = (*Store)(nil)
)

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the database described by cfg and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := OpenDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

const jobColumns = `job_id, slug, title, job_type, execution_site, release_tag, dependencies,
	archived, comment, enable_monitoring, body_ref, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*workflow.Job, error) {
	var (
		job        workflow.Job
		jobType    string
		site       string
		release    sql.NullString
		deps       string
		archived   int
		monitoring int
		bodyRef    sql.NullString
		createdAt  string
	)
	if err := row.Scan(&job.ID, &job.Slug, &job.Title, &jobType, &site, &release, &deps,
		&archived, &job.Comment, &monitoring, &bodyRef, &createdAt); err != nil {
		return nil, err
	}
	job.Type = workflow.JobType(jobType)
	job.ExecutionSite = workflow.Site(site)
	job.Release = release.String
	job.Archived = archived != 0
	job.EnableMonitoring = monitoring != 0
	job.BodyRef = bodyRef.String
	if err := json.Unmarshal([]byte(deps), &job.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies of %s: %w", job.ID, err)
	}
	if job.Dependencies == nil {
		job.Dependencies = []string{}
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = t
	return &job, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateJob inserts a job. A taken id or slug fails with ErrDuplicateJob.
func (s *Store) CreateJob(ctx context.Context, job *workflow.Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps, err := marshalJSON(nonNilStrings(job.Dependencies))
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Slug, job.Title, string(job.Type), string(job.ExecutionSite), nullString(job.Release), deps,
		boolInt(job.Archived), job.Comment, boolInt(job.EnableMonitoring), nullString(job.BodyRef), formatTime(job.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create job %s: %w", job.ID, workflow.ErrDuplicateJob)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// GetJob returns a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*workflow.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJobBySlug returns a job by slug.
func (s *Store) GetJobBySlug(ctx context.Context, slug string) (*workflow.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: slug %s", workflow.ErrJobNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get job by slug: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]*workflow.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, job_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*workflow.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// UpdateJob rewrites every mutable job column.
func (s *Store) UpdateJob(ctx context.Context, job *workflow.Job) error {
	if ctx == nil {
		ctx = context.Background()
	}
	deps, err := marshalJSON(nonNilStrings(job.Dependencies))
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET slug = ?, title = ?, job_type = ?, execution_site = ?, release_tag = ?,
		   dependencies = ?, archived = ?, comment = ?, enable_monitoring = ?, body_ref = ?
		 WHERE job_id = ?`,
		job.Slug, job.Title, string(job.Type), string(job.ExecutionSite), nullString(job.Release),
		deps, boolInt(job.Archived), job.Comment, boolInt(job.EnableMonitoring), nullString(job.BodyRef), job.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update job %s: %w", job.ID, workflow.ErrDuplicateJob)
		}
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrJobNotFound, job.ID)
	}
	return nil
}

// DeleteJob removes a job and its instances in one transaction.
func (s *Store) DeleteJob(ctx context.Context, id string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM job_instances WHERE job_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete instances: %w", err)
	}
	instances, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", workflow.ErrJobNotFound, id)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return instances, nil
}
