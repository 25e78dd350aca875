package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TaskRecord mirrors one row of the tasks table.
type TaskRecord struct {
	TaskID           string
	Type             string
	Priority         string
	RequirementsJSON string
	ParametersJSON   string
	TimeoutMS        int64
	MaxRetries       int
	CreatedAt        time.Time
}

// ExecutionRecord mirrors one row of the executions table.
type ExecutionRecord struct {
	TaskID       string
	DeviceSerial string
	Status       string
	RetryCount   int
	Result       string
	Error        string
	AssignedAt   time.Time
	FinishedAt   time.Time
}

// RecoverableTask pairs a task with its execution, if one was written.
type RecoverableTask struct {
	Task      TaskRecord
	Execution *ExecutionRecord
}

// SaveTask inserts or replaces a task definition row.
func (s *Store) SaveTask(ctx context.Context, rec TaskRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("storage: store is nil")
	}
	if rec.TaskID == "" {
		return errors.New("storage: task id is required")
	}
	if rec.Type == "" {
		return errors.New("storage: task type is required")
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const query = `INSERT INTO tasks (
		task_id, type, priority, requirements_json, parameters_json, timeout_ms, max_retries, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		type = excluded.type,
		priority = excluded.priority,
		requirements_json = excluded.requirements_json,
		parameters_json = excluded.parameters_json,
		timeout_ms = excluded.timeout_ms,
		max_retries = excluded.max_retries`
	args := []any{
		rec.TaskID,
		rec.Type,
		rec.Priority,
		nullIfEmpty(rec.RequirementsJSON),
		nullIfEmpty(rec.ParametersJSON),
		rec.TimeoutMS,
		rec.MaxRetries,
		formatTime(createdAt),
	}
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		log.Debug().Str("stmt", formatSQLForLog(query, args...)).Msg("storage: statement failed")
		return errors.Wrapf(err, "storage: save task %s", rec.TaskID)
	}
	return nil
}

// UpsertExecution inserts or updates the execution row for a task.
func (s *Store) UpsertExecution(ctx context.Context, rec ExecutionRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("storage: store is nil")
	}
	if rec.TaskID == "" {
		return errors.New("storage: task id is required")
	}
	if rec.Status == "" {
		return errors.New("storage: execution status is required")
	}
	const query = `INSERT INTO executions (
		task_id, device_serial, status, retry_count, result, error, assigned_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id) DO UPDATE SET
		device_serial = excluded.device_serial,
		status = excluded.status,
		retry_count = excluded.retry_count,
		result = excluded.result,
		error = excluded.error,
		assigned_at = excluded.assigned_at,
		finished_at = excluded.finished_at`
	args := []any{
		rec.TaskID,
		nullIfEmpty(rec.DeviceSerial),
		rec.Status,
		rec.RetryCount,
		nullIfEmpty(rec.Result),
		nullIfEmpty(rec.Error),
		nullIfEmpty(formatTime(rec.AssignedAt)),
		nullIfEmpty(formatTime(rec.FinishedAt)),
	}
	if _, err := s.DB.ExecContext(ctx, query, args...); err != nil {
		log.Debug().Str("stmt", formatSQLForLog(query, args...)).Msg("storage: statement failed")
		return errors.Wrapf(err, "storage: upsert execution %s", rec.TaskID)
	}
	return nil
}

// GetExecution loads the execution row for a task id.
func (s *Store) GetExecution(ctx context.Context, taskID string) (ExecutionRecord, error) {
	if s == nil || s.DB == nil {
		return ExecutionRecord{}, errors.New("storage: store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT task_id, device_serial, status, retry_count, result, error, assigned_at, finished_at
		FROM executions WHERE task_id = ?`, taskID)
	rec, err := scanExecutionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutionRecord{}, errors.Wrapf(ErrNotFound, "execution %s", taskID)
	}
	return rec, err
}

// LoadRecoverable returns tasks whose execution is absent or whose status is
// not in terminal, oldest first.
func (s *Store) LoadRecoverable(ctx context.Context, terminal []string) ([]RecoverableTask, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("storage: store is nil")
	}
	query := `SELECT t.task_id, t.type, t.priority, t.requirements_json, t.parameters_json, t.timeout_ms, t.max_retries, t.created_at,
		e.task_id, e.device_serial, e.status, e.retry_count, e.result, e.error, e.assigned_at, e.finished_at
		FROM tasks t LEFT JOIN executions e ON e.task_id = t.task_id`
	args := make([]any, 0, len(terminal))
	if len(terminal) > 0 {
		query += ` WHERE e.task_id IS NULL OR e.status NOT IN (` + placeholders(len(terminal)) + `)`
		for _, status := range terminal {
			args = append(args, status)
		}
	}
	query += ` ORDER BY t.created_at ASC`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query recoverable tasks")
	}
	defer rows.Close()

	var out []RecoverableTask
	for rows.Next() {
		var (
			task         TaskRecord
			createdAt    string
			reqJSON      sql.NullString
			paramsJSON   sql.NullString
			execID       sql.NullString
			deviceSerial sql.NullString
			status       sql.NullString
			retryCount   sql.NullInt64
			result       sql.NullString
			execErr      sql.NullString
			assignedAt   sql.NullString
			finishedAt   sql.NullString
		)
		if err := rows.Scan(
			&task.TaskID,
			&task.Type,
			&task.Priority,
			&reqJSON,
			&paramsJSON,
			&task.TimeoutMS,
			&task.MaxRetries,
			&createdAt,
			&execID,
			&deviceSerial,
			&status,
			&retryCount,
			&result,
			&execErr,
			&assignedAt,
			&finishedAt,
		); err != nil {
			return nil, errors.Wrap(err, "storage: scan recoverable task")
		}
		task.RequirementsJSON = reqJSON.String
		task.ParametersJSON = paramsJSON.String
		if task.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, errors.Wrapf(err, "storage: parse created_at for %s", task.TaskID)
		}
		item := RecoverableTask{Task: task}
		if execID.Valid {
			exec := ExecutionRecord{
				TaskID:       execID.String,
				DeviceSerial: deviceSerial.String,
				Status:       status.String,
				RetryCount:   int(retryCount.Int64),
				Result:       result.String,
				Error:        execErr.String,
			}
			if exec.AssignedAt, err = parseTime(assignedAt.String); err != nil {
				return nil, errors.Wrapf(err, "storage: parse assigned_at for %s", task.TaskID)
			}
			if exec.FinishedAt, err = parseTime(finishedAt.String); err != nil {
				return nil, errors.Wrapf(err, "storage: parse finished_at for %s", task.TaskID)
			}
			item.Execution = &exec
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "storage: iterate recoverable tasks")
	}
	return out, nil
}

// PurgeTerminalBefore deletes tasks whose execution reached a terminal
// status before the cutoff. Execution rows follow via cascade. Returns the
// number of tasks removed.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time, terminal []string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("storage: store is nil")
	}
	if len(terminal) == 0 {
		return 0, nil
	}
	query := `DELETE FROM tasks WHERE task_id IN (
		SELECT task_id FROM executions
		WHERE status IN (` + placeholders(len(terminal)) + `)
		AND finished_at IS NOT NULL AND finished_at < ?
	)`
	args := make([]any, 0, len(terminal)+1)
	for _, status := range terminal {
		args = append(args, status)
	}
	args = append(args, formatTime(cutoff))
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "storage: purge terminal tasks")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "storage: purge rows affected")
	}
	return affected, nil
}

func scanExecutionRow(scanner interface{ Scan(dest ...any) error }) (ExecutionRecord, error) {
	var (
		rec          ExecutionRecord
		deviceSerial sql.NullString
		result       sql.NullString
		execErr      sql.NullString
		assignedAt   sql.NullString
		finishedAt   sql.NullString
	)
	if err := scanner.Scan(
		&rec.TaskID,
		&deviceSerial,
		&rec.Status,
		&rec.RetryCount,
		&result,
		&execErr,
		&assignedAt,
		&finishedAt,
	); err != nil {
		return ExecutionRecord{}, err
	}
	rec.DeviceSerial = deviceSerial.String
	rec.Result = result.String
	rec.Error = execErr.String
	var err error
	if rec.AssignedAt, err = parseTime(assignedAt.String); err != nil {
		return ExecutionRecord{}, errors.Wrap(err, "storage: parse assigned_at")
	}
	if rec.FinishedAt, err = parseTime(finishedAt.String); err != nil {
		return ExecutionRecord{}, errors.Wrap(err, "storage: parse finished_at")
	}
	return rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
