package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type CronJobRecord struct {
	ID            string
	Name          string
	Kind          string // every | cron | at
	EverySeconds  int64
	Expr          string
	TZ            string
	At            *time.Time
	Message       string
	TargetChannel string
	TargetChatID  string
	Enabled       bool
	Silent        bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	RunCount      int
	LastError     string
	CreatedAt     time.Time
}

// InsertCronJob stores a new job. An existing id yields ErrDuplicate and leaves
// the stored job untouched.
func (s *Store) InsertCronJob(ctx context.Context, job CronJobRecord) error {
	if job.ID == "" {
		return fmt.Errorf("insert cron job: id is required")
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	return s.withWriteRetry(ctx, "insert cron job", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO cron_jobs (
				id, name, kind, every_seconds, expr, tz, at, message,
				target_channel, target_chat_id, enabled, silent,
				last_run_at, next_run_at, run_count, last_error, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, job.ID, job.Name, job.Kind, job.EverySeconds, job.Expr, job.TZ, nullTime(job.At), job.Message,
			job.TargetChannel, job.TargetChatID, boolToInt(job.Enabled), boolToInt(job.Silent),
			nullTime(job.LastRunAt), nullTime(job.NextRunAt), job.RunCount, job.LastError, job.CreatedAt.UTC())
		if isUniqueViolation(err) {
			return fmt.Errorf("cron job %q: %w", job.ID, ErrDuplicate)
		}
		return err
	})
}

// UpdateCronJob replaces the mutable state of an existing job.
func (s *Store) UpdateCronJob(ctx context.Context, job CronJobRecord) error {
	return s.withWriteRetry(ctx, "update cron job", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE cron_jobs SET
				name = ?, kind = ?, every_seconds = ?, expr = ?, tz = ?, at = ?, message = ?,
				target_channel = ?, target_chat_id = ?, enabled = ?, silent = ?,
				last_run_at = ?, next_run_at = ?, run_count = ?, last_error = ?
			WHERE id = ?;
		`, job.Name, job.Kind, job.EverySeconds, job.Expr, job.TZ, nullTime(job.At), job.Message,
			job.TargetChannel, job.TargetChatID, boolToInt(job.Enabled), boolToInt(job.Silent),
			nullTime(job.LastRunAt), nullTime(job.NextRunAt), job.RunCount, job.LastError, job.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("cron job %q: %w", job.ID, ErrNotFound)
		}
		return nil
	})
}

func (s *Store) DeleteCronJob(ctx context.Context, id string) error {
	return s.withWriteRetry(ctx, "delete cron job", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("cron job %q: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (s *Store) GetCronJob(ctx context.Context, id string) (CronJobRecord, error) {
	row := s.db.QueryRowContext(ctx, cronJobSelect+` WHERE id = ?;`, id)
	job, err := scanCronJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CronJobRecord{}, fmt.Errorf("cron job %q: %w", id, ErrNotFound)
	}
	return job, err
}

func (s *Store) ListCronJobs(ctx context.Context) ([]CronJobRecord, error) {
	rows, err := s.db.QueryContext(ctx, cronJobSelect+` ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query cron jobs: %w", err)
	}
	defer rows.Close()

	var out []CronJobRecord
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cron job rows: %w", err)
	}
	return out, nil
}

const cronJobSelect = `
	SELECT id, name, kind, every_seconds, expr, tz, at, message,
		target_channel, target_chat_id, enabled, silent,
		last_run_at, next_run_at, run_count, last_error, created_at
	FROM cron_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCronJob(r rowScanner) (CronJobRecord, error) {
	var (
		job               CronJobRecord
		at, lastRun, next sql.NullTime
		enabled, silent   int
	)
	if err := r.Scan(&job.ID, &job.Name, &job.Kind, &job.EverySeconds, &job.Expr, &job.TZ, &at, &job.Message,
		&job.TargetChannel, &job.TargetChatID, &enabled, &silent,
		&lastRun, &next, &job.RunCount, &job.LastError, &job.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, err
		}
		return job, fmt.Errorf("scan cron job: %w", err)
	}
	job.At = timePtr(at)
	job.LastRunAt = timePtr(lastRun)
	job.NextRunAt = timePtr(next)
	job.Enabled = enabled != 0
	job.Silent = silent != 0
	job.CreatedAt = job.CreatedAt.UTC()
	return job, nil
}
