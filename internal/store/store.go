// Package store implements the control plane's persistent job/task store:
// transactional creation, claim, requeue, and finalize primitives plus job
// status recomputation, all serialized through a single-writer SQLite
// connection.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/steamctl/internal/apperr"
	"github.com/basket/steamctl/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

// JobStatus is one of the five job lifecycle states.
type JobStatus string

const (
	JobQueued   JobStatus = "Queued"
	JobRunning  JobStatus = "Running"
	JobFinished JobStatus = "Finished"
	JobFailed   JobStatus = "Failed"
	JobCanceled JobStatus = "Canceled"
)

// TaskStatus is one of the five task lifecycle states.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "Queued"
	TaskRunning  TaskStatus = "Running"
	TaskFinished TaskStatus = "Finished"
	TaskFailed   TaskStatus = "Failed"
	TaskCanceled TaskStatus = "Canceled"
)

// Job is a row of the jobs table plus its tasks, when loaded together.
type Job struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Region    string            `json:"region,omitempty"`
	Targets   []string          `json:"targets"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Status    JobStatus         `json:"status"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
}

// Task is a row of the tasks table.
type Task struct {
	ID        string          `json:"id"`
	JobID     string          `json:"jobId"`
	Target    string          `json:"target"`
	Action    string          `json:"action"`
	Region    string          `json:"region,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    TaskStatus      `json:"status"`
	Attempt   int             `json:"attempt"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// CreateJobRequest carries the inputs to CreateJob.
type CreateJobRequest struct {
	Action  string
	Region  string
	Targets []string
	Payload json.RawMessage
	Meta    map[string]string
}

// TaskResult carries the inputs to SetTaskResult.
type TaskResult struct {
	TaskID     string
	Success    bool
	Error      string
	Output     string
	FinishedAt time.Time
}

// Stats summarizes current store occupancy, used by the metrics exporter.
type Stats struct {
	JobsByStatus  map[JobStatus]int64
	TasksByStatus map[TaskStatus]int64
}

// Store is the single-writer SQLite-backed job/task store.
type Store struct {
	db *sql.DB
}

// DefaultDBPath mirrors the environment default documented for DB_PATH.
func DefaultDBPath() string {
	return filepath.Join("data", "controlplane.db")
}

// Open creates (if needed) and opens the store at path. path == ":memory:"
// yields an ephemeral in-process database, used by tests and one-shot runs.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying *sql.DB, mainly so tests and the metrics
// exporter can inspect connection-level state.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			region TEXT NOT NULL DEFAULT '',
			targets TEXT NOT NULL,
			payload TEXT,
			meta TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			target TEXT NOT NULL,
			action TEXT NOT NULL,
			region TEXT NOT NULL DEFAULT '',
			payload TEXT,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, region, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f while the underlying error is SQLITE_BUSY/LOCKED,
// using exponential backoff with jitter. The driver's own busy_timeout
// handles short contention; this absorbs the rest.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

func marshalMeta(meta map[string]string) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMeta(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return meta
}

func marshalTargets(targets []string) (string, error) {
	b, err := json.Marshal(targets)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTargets(raw string) []string {
	var targets []string
	if err := json.Unmarshal([]byte(raw), &targets); err != nil {
		return nil
	}
	return targets
}

// CreateJob inserts one job row and one task row per target, all Queued,
// sharing the job's created_at millisecond, in a single transaction.
func (s *Store) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, []Task, error) {
	if strings.TrimSpace(req.Action) == "" {
		return nil, nil, apperr.InvalidArgument("action must not be empty")
	}
	if len(req.Targets) == 0 {
		return nil, nil, apperr.InvalidArgument("targets must not be empty")
	}

	jobID := shared.NewID()
	now := nowMillis()
	metaJSON, err := marshalMeta(req.Meta)
	if err != nil {
		return nil, nil, apperr.Internal("marshal job meta", err)
	}
	targetsJSON, err := marshalTargets(req.Targets)
	if err != nil {
		return nil, nil, apperr.Internal("marshal job targets", err)
	}
	var payloadJSON any
	if len(req.Payload) > 0 {
		payloadJSON = string(req.Payload)
	}

	var tasks []Task
	err = retryOnBusy(ctx, 5, func() error {
		tasks = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create job tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, action, region, targets, payload, meta, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, jobID, req.Action, req.Region, targetsJSON, payloadJSON, metaJSON, string(JobQueued), now, now); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		for _, target := range req.Targets {
			taskID := shared.NewID()
			task := Task{
				ID:        taskID,
				JobID:     jobID,
				Target:    target,
				Action:    req.Action,
				Region:    req.Region,
				Payload:   req.Payload,
				Status:    TaskQueued,
				Attempt:   0,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, job_id, target, action, region, payload, status, attempt, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, task.ID, task.JobID, task.Target, task.Action, task.Region, payloadJSON, string(task.Status), task.Attempt, task.CreatedAt, task.UpdatedAt); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			tasks = append(tasks, task)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit create job tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, apperr.Internal("create job", err)
	}

	job := &Job{
		ID:        jobID,
		Action:    req.Action,
		Region:    req.Region,
		Targets:   req.Targets,
		Payload:   req.Payload,
		Meta:      req.Meta,
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return job, tasks, nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var targetsRaw, metaRaw string
	var payloadRaw sql.NullString
	if err := row.Scan(&j.ID, &j.Action, &j.Region, &targetsRaw, &payloadRaw, &metaRaw, &j.Status, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Targets = unmarshalTargets(targetsRaw)
	j.Meta = unmarshalMeta(metaRaw)
	if payloadRaw.Valid {
		j.Payload = json.RawMessage(payloadRaw.String)
	}
	return &j, nil
}

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var payloadRaw, outputRaw, errorRaw sql.NullString
	if err := row.Scan(&t.ID, &t.JobID, &t.Target, &t.Action, &t.Region, &payloadRaw, &t.Status, &t.Attempt, &outputRaw, &errorRaw, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if payloadRaw.Valid {
		t.Payload = json.RawMessage(payloadRaw.String)
	}
	t.Output = outputRaw.String
	t.Error = errorRaw.String
	return &t, nil
}

const jobColumns = `id, action, region, targets, payload, meta, status, created_at, updated_at`
const taskColumns = `id, job_id, target, action, region, payload, status, attempt, output, error, created_at, updated_at`

// GetJob returns the job and its tasks in creation order.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, []Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, apperr.NotFound("job not found")
		}
		return nil, nil, apperr.Internal("get job", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id = ? ORDER BY created_at ASC, id ASC;`, jobID)
	if err != nil {
		return nil, nil, apperr.Internal("list tasks for job", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, nil, apperr.Internal("scan task", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, apperr.Internal("iterate tasks", err)
	}
	return job, tasks, nil
}

// ListJobs returns jobs ordered by created_at descending, capped at limit
// clamped to [1, 500].
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, apperr.Internal("list jobs", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperr.Internal("scan job", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal("iterate jobs", err)
	}
	return jobs, nil
}

// CancelJob atomically cancels the job and every Queued/Running task under
// it. Once Canceled, further recomputation is a sticky no-op.
func (s *Store) CancelJob(ctx context.Context, jobID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?;`,
			string(JobCanceled), nowMillis(), jobID)
		if err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return apperr.NotFound("job not found")
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE job_id = ? AND status IN (?, ?);
		`, string(TaskCanceled), nowMillis(), jobID, string(TaskQueued), string(TaskRunning)); err != nil {
			return fmt.Errorf("cancel tasks: %w", err)
		}

		return tx.Commit()
	})
}

// ClaimNextQueuedTask atomically selects the oldest Queued task for region
// (or region-agnostic tasks, region == ""), marks it Running with
// attempt+1, and transitions its job to Running unless the job is Canceled.
func (s *Store) ClaimNextQueuedTask(ctx context.Context, region string) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ? AND (region = ? OR region = '')
			ORDER BY created_at ASC, id ASC
			LIMIT 1;
		`, string(TaskQueued), region)
		task, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select next queued task: %w", err)
		}

		now := nowMillis()
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, attempt = attempt + 1, updated_at = ?
			WHERE id = ? AND status = ?;
		`, string(TaskRunning), now, task.ID, string(TaskQueued))
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			// Lost the race to another claimer; try again next tick.
			return nil
		}

		if err := s.recomputeJobStatusTx(ctx, tx, task.JobID); err != nil {
			return fmt.Errorf("recompute job after claim: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, job_id, from_status, to_status, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, task.ID, task.JobID, string(TaskQueued), string(TaskRunning), now); err != nil {
			return fmt.Errorf("append task event: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskRunning
		task.Attempt++
		task.UpdatedAt = now
		claimed = task
		return nil
	})
	if err != nil {
		return nil, apperr.Internal("claim next queued task", err)
	}
	return claimed, nil
}

// RequeueTask sets a Running task back to Queued, preserving its attempt
// counter. A task not currently Running is left untouched.
func (s *Store) RequeueTask(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?;
		`, string(TaskQueued), nowMillis(), taskID, string(TaskRunning))
		if err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		_, err = res.RowsAffected()
		return err
	})
}

// RequeueStaleRunningTasks demotes every Running task whose updated_at is
// older than now - lease back to Queued, preserving attempt, and returns
// the number affected.
func (s *Store) RequeueStaleRunningTasks(ctx context.Context, lease time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-lease).UnixMilli()
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ?
			WHERE status = ? AND updated_at < ?;
		`, string(TaskQueued), nowMillis(), string(TaskRunning), cutoff)
		if err != nil {
			return fmt.Errorf("requeue stale tasks: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, apperr.Internal("requeue stale running tasks", err)
	}
	return affected, nil
}

// SetTaskResult finalizes a task as Finished (success) or Failed (!success)
// unconditionally — even if the task is still Queued, honoring the
// at-least-once contract — then recomputes the owning job and returns
// both rows.
func (s *Store) SetTaskResult(ctx context.Context, result TaskResult) (*Task, *Job, error) {
	var finalTask *Task
	var finalJob *Job
	err := retryOnBusy(ctx, 5, func() error {
		finalTask, finalJob = nil, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin set result tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, result.TaskID)
		task, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.NotFound("task not found")
			}
			return fmt.Errorf("select task for result: %w", err)
		}

		newStatus := TaskFinished
		if !result.Success {
			newStatus = TaskFailed
		}
		now := nowMillis()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, output = ?, error = ?, updated_at = ? WHERE id = ?;
		`, string(newStatus), result.Output, result.Error, now, task.ID); err != nil {
			return fmt.Errorf("update task result: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, job_id, from_status, to_status, created_at)
			VALUES (?, ?, ?, ?, ?);
		`, task.ID, task.JobID, string(task.Status), string(newStatus), now); err != nil {
			return fmt.Errorf("append task event: %w", err)
		}

		if err := s.recomputeJobStatusTx(ctx, tx, task.JobID); err != nil {
			return fmt.Errorf("recompute job after result: %w", err)
		}

		jobRow := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, task.JobID)
		job, err := scanJob(jobRow)
		if err != nil {
			return fmt.Errorf("reload job after result: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit set result tx: %w", err)
		}

		task.Status = newStatus
		task.Output = result.Output
		task.Error = result.Error
		task.UpdatedAt = now
		finalTask = task
		finalJob = job
		return nil
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, nil, err
		}
		return nil, nil, apperr.Internal("set task result", err)
	}
	return finalTask, finalJob, nil
}

// recomputeJobStatusTx applies the seven status recomputation rules from
// the task-status multiset, unless the job is already Canceled (sticky).
func (s *Store) recomputeJobStatusTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	var currentStatus string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?;`, jobID).Scan(&currentStatus); err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	if JobStatus(currentStatus) == JobCanceled {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE job_id = ? GROUP BY status;`, jobID)
	if err != nil {
		return fmt.Errorf("count task statuses: %w", err)
	}
	defer rows.Close()

	var q, r, f, x, c int64
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return fmt.Errorf("scan status count: %w", err)
		}
		switch TaskStatus(status) {
		case TaskQueued:
			q = count
		case TaskRunning:
			r = count
		case TaskFinished:
			f = count
		case TaskFailed:
			x = count
		case TaskCanceled:
			c = count
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate status counts: %w", err)
	}

	newStatus := computeJobStatus(q, r, f, x, c)
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?;`,
		string(newStatus), nowMillis(), jobID); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// computeJobStatus derives a job's aggregate status from its tasks' status
// counts, in priority order: any Running task makes the job Running, else
// any Queued task keeps it Queued, else it's Finished/Failed/Canceled based
// on whether every task succeeded. q, r, f, x, c are counts of Queued,
// Running, Finished, Failed, Canceled tasks respectively. The caller is
// responsible for the sticky-Canceled check.
func computeJobStatus(q, r, f, x, c int64) JobStatus {
	switch {
	case r > 0:
		return JobRunning
	case q > 0 && (f > 0 || x > 0 || c > 0):
		return JobRunning
	case q > 0:
		return JobQueued
	case x > 0:
		return JobFailed
	case c > 0 && f == 0 && x == 0:
		return JobCanceled
	default:
		return JobFinished
	}
}

// Stats summarizes current job/task counts by status, for the metrics
// exporter's periodic gauge refresh.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		JobsByStatus:  map[JobStatus]int64{},
		TasksByStatus: map[TaskStatus]int64{},
	}
	jobRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status;`)
	if err != nil {
		return stats, apperr.Internal("job stats", err)
	}
	defer jobRows.Close()
	for jobRows.Next() {
		var status string
		var count int64
		if err := jobRows.Scan(&status, &count); err != nil {
			return stats, apperr.Internal("scan job stat", err)
		}
		stats.JobsByStatus[JobStatus(status)] = count
	}

	taskRows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return stats, apperr.Internal("task stats", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var status string
		var count int64
		if err := taskRows.Scan(&status, &count); err != nil {
			return stats, apperr.Internal("scan task stat", err)
		}
		stats.TasksByStatus[TaskStatus(status)] = count
	}
	return stats, nil
}
