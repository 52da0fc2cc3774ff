package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"workerhub/internal/store"
	"workerhub/pkg/api"

	"github.com/google/uuid"
)

const jobColumns = `request_id, seq, task_type, status, worker_name, worker_machine_id, payload,
	progress_current, progress_total, progress_last_item, result, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var (
		job        store.Job
		workerName sql.NullString
		machineID  sql.NullString
		payload    []byte
		result     []byte
	)
	err := row.Scan(
		&job.RequestID, &job.Seq, &job.TaskType, &job.Status,
		&workerName, &machineID, &payload,
		&job.Progress.Current, &job.Progress.Total, &job.Progress.LastItem,
		&result, &job.CreatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.WorkerName = workerName.String
	job.WorkerMachineID = machineID.String
	job.Payload = payload
	job.Result = result
	return &job, nil
}

// Enqueue inserts a queued job. Creation never waits on dispatch.
func (s *Store) Enqueue(ctx context.Context, payload api.Payload) (*store.Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO jobs (request_id, task_type, status, payload, progress_total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + jobColumns

	// jsonb columns are written as text; lib/pq would send []byte as bytea.
	job, err := scanJob(s.db.QueryRowContext(ctx, query,
		uuid.New(),
		payload.TaskType(),
		store.JobQueued,
		string(raw),
		payload.ItemCount(),
		time.Now().UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", payload.TaskType(), err)
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, requestID uuid.UUID) (*store.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE request_id = $1", requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", requestID, err)
	}
	return job, nil
}

// NextQueued returns the oldest queued job without claiming it.
func (s *Store) NextQueued(ctx context.Context) (*store.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'queued'
		ORDER BY created_at ASC, seq ASC
		LIMIT 1
	`
	job, err := scanJob(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next queued query failed: %w", err)
	}
	return job, nil
}

// MarkProcessing is a conditional update: it only succeeds while the job is still queued.
func (s *Store) MarkProcessing(ctx context.Context, requestID uuid.UUID, workerName, machineID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', worker_name = $2, worker_machine_id = $3
		WHERE request_id = $1 AND status = 'queued'
	`, requestID, workerName, machineID)
	if err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", requestID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrAlreadyClaimed
	}
	return nil
}

// ClaimNext claims the oldest queued job in a single statement using
// SELECT ... FOR UPDATE SKIP LOCKED, so concurrent claimers never share a row.
func (s *Store) ClaimNext(ctx context.Context, workerName, machineID string) (*store.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing', worker_name = $1, worker_machine_id = $2
		WHERE request_id = (
			SELECT request_id
			FROM jobs
			WHERE status = 'queued'
			ORDER BY created_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.db.QueryRowContext(ctx, query, workerName, machineID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim query failed: %w", err)
	}
	return job, nil
}

// RecordProgress overwrites the snapshot. Terminal jobs are left untouched.
func (s *Store) RecordProgress(ctx context.Context, requestID uuid.UUID, progress api.Progress) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'processing', progress_current = $2, progress_total = $3, progress_last_item = $4
		WHERE request_id = $1 AND status IN ('queued', 'processing')
	`, requestID, progress.Current, progress.Total, progress.LastItem)
	if err != nil {
		return fmt.Errorf("failed to record progress for %s: %w", requestID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInvalidTransition
	}
	return nil
}

// Complete finishes a processing job and bumps the bound node's counter in one transaction.
func (s *Store) Complete(ctx context.Context, requestID uuid.UUID, result json.RawMessage, success bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status := store.JobFailed
	counterQuery := "UPDATE nodes SET total_failed = total_failed + 1 WHERE machine_id = $1"
	if success {
		status = store.JobCompleted
		counterQuery = "UPDATE nodes SET total_success = total_success + 1 WHERE machine_id = $1"
	}

	var resultArg interface{}
	if len(result) > 0 {
		resultArg = string(result)
	}

	var machineID sql.NullString
	err = tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, completed_at = NOW()
		WHERE request_id = $1 AND status = 'processing'
		RETURNING worker_machine_id
	`, requestID, status, resultArg).Scan(&machineID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrInvalidTransition
	}
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", requestID, err)
	}

	if machineID.Valid && machineID.String != "" {
		if _, err := tx.ExecContext(ctx, counterQuery, machineID.String); err != nil {
			return fmt.Errorf("failed to update counters for %s: %w", machineID.String, err)
		}
	}

	return tx.Commit()
}

func (s *Store) JobStats(ctx context.Context, since time.Time) (*store.JobStats, error) {
	stats := store.NewJobStats()

	if err := s.countInto(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status", nil, func(key string, n int64) {
		stats.ByStatus[store.JobStatus(key)] = n
	}); err != nil {
		return nil, err
	}

	if err := s.countInto(ctx, "SELECT status, COUNT(*) FROM jobs WHERE created_at >= $1 GROUP BY status", []interface{}{since}, func(key string, n int64) {
		stats.WindowByStatus[store.JobStatus(key)] = n
	}); err != nil {
		return nil, err
	}

	if err := s.countInto(ctx, "SELECT task_type, COUNT(*) FROM jobs GROUP BY task_type", nil, func(key string, n int64) {
		stats.ByTaskType[api.TaskType(key)] = n
	}); err != nil {
		return nil, err
	}

	return stats, nil
}

func (s *Store) countInto(ctx context.Context, query string, args []interface{}, set func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("stats query failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("stats scan failed: %w", err)
		}
		set(key, n)
	}
	return rows.Err()
}
