package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stepflow/internal/domain"
)

// IndexEntry — строка индекса job.
type IndexEntry struct {
	Path       string
	Workflow   string
	Task       string
	Name       string
	Status     domain.JobStatus
	Host       string
	PID        int
	ExternalID string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      string
	UpdatedAt  time.Time
}

// JobIndex — индекс статусов job в Postgres.
//
// Реализует наблюдателя переходов (JobTransition), поэтому его можно
// подключить к engine.Registry напрямую.
type JobIndex struct {
	pool *pgxpool.Pool
}

// NewJobIndex создаёт новый JobIndex.
func NewJobIndex(pool *pgxpool.Pool) *JobIndex {
	return &JobIndex{pool: pool}
}

// EnsureSchema создаёт таблицу индекса, если её нет.
func (r *JobIndex) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS job_index (
			path        TEXT PRIMARY KEY,
			workflow    TEXT NOT NULL,
			task        TEXT NOT NULL,
			name        TEXT NOT NULL,
			status      TEXT NOT NULL,
			host        TEXT,
			pid         INTEGER,
			external_id TEXT,
			started_at  TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			error       TEXT,
			updated_at  TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS job_index_status_idx ON job_index (status, updated_at DESC);
	`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure job_index: %w", err)
	}
	return nil
}

// Record сохраняет (upsert) строку индекса.
func (r *JobIndex) Record(ctx context.Context, e IndexEntry) error {
	query := `
		INSERT INTO job_index (path, workflow, task, name, status, host, pid,
		                       external_id, started_at, finished_at, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (path) DO UPDATE SET
			status      = EXCLUDED.status,
			host        = EXCLUDED.host,
			pid         = EXCLUDED.pid,
			external_id = EXCLUDED.external_id,
			started_at  = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			error       = EXCLUDED.error,
			updated_at  = EXCLUDED.updated_at
	`
	_, err := r.pool.Exec(ctx, query,
		e.Path,
		e.Workflow,
		e.Task,
		e.Name,
		string(e.Status),
		nullString(e.Host),
		e.PID,
		nullString(e.ExternalID),
		e.StartedAt,
		e.FinishedAt,
		nullString(e.Error),
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job_index: %w", err)
	}
	return nil
}

// JobTransition записывает переход статуса job в индекс.
func (r *JobIndex) JobTransition(ctx context.Context, ref domain.JobRef, info domain.JobInfo) error {
	return r.Record(ctx, EntryFromInfo(ref, info))
}

// Get возвращает строку индекса по пути.
func (r *JobIndex) Get(ctx context.Context, path string) (*IndexEntry, error) {
	query := `
		SELECT path, workflow, task, name, status, host, pid, external_id,
		       started_at, finished_at, error, updated_at
		FROM job_index
		WHERE path = $1
	`
	return scanEntry(r.pool.QueryRow(ctx, query, path))
}

// List возвращает строки индекса; пустой status — все статусы.
func (r *JobIndex) List(ctx context.Context, status domain.JobStatus, limit int) ([]IndexEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT path, workflow, task, name, status, host, pid, external_id,
		       started_at, finished_at, error, updated_at
		FROM job_index
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query job_index: %w", err)
	}
	defer rows.Close()

	var entries []IndexEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_index: %w", err)
	}
	return entries, nil
}

// Delete удаляет строку индекса.
func (r *JobIndex) Delete(ctx context.Context, path string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM job_index WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete job_index: %w", err)
	}
	return nil
}

// EntryFromInfo собирает строку индекса из метаданных.
func EntryFromInfo(ref domain.JobRef, info domain.JobInfo) IndexEntry {
	e := IndexEntry{
		Path:       ref.Path,
		Workflow:   ref.Workflow,
		Task:       ref.Task,
		Name:       ref.Name,
		Status:     info.Status,
		Host:       info.Host,
		PID:        info.PID,
		ExternalID: info.ExternalID,
		StartedAt:  info.StartedAt,
		FinishedAt: info.FinishedAt,
		UpdatedAt:  info.UpdatedAt,
	}
	if info.Exception != nil {
		e.Error = info.Exception.Message
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	return e
}

func scanEntry(row pgx.Row) (*IndexEntry, error) {
	var (
		e          IndexEntry
		status     string
		host       *string
		pid        *int
		externalID *string
		errMsg     *string
	)
	err := row.Scan(
		&e.Path,
		&e.Workflow,
		&e.Task,
		&e.Name,
		&status,
		&host,
		&pid,
		&externalID,
		&e.StartedAt,
		&e.FinishedAt,
		&errMsg,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job_index: %w", err)
	}

	e.Status = domain.ParseJobStatus(status)
	if host != nil {
		e.Host = *host
	}
	if pid != nil {
		e.PID = *pid
	}
	if externalID != nil {
		e.ExternalID = *externalID
	}
	if errMsg != nil {
		e.Error = *errMsg
	}
	return &e, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
