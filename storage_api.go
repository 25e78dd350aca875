package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/devicefarm/orchestrator/internal/storage"
)

// SQLiteTaskStore persists task definitions and execution records in the
// orchestrator's SQLite database. It adapts the record-level store in
// internal/storage to the TaskStore interface the scheduler consumes.
type SQLiteTaskStore struct {
	store *storage.Store
}

var _ TaskStore = (*SQLiteTaskStore)(nil)

// NewSQLiteTaskStore opens (creating if needed) the database at path and
// returns a TaskStore backed by it. Callers should Close the store when done.
func NewSQLiteTaskStore(path string) (*SQLiteTaskStore, error) {
	store, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteTaskStore{store: store}, nil
}

// Close releases the underlying database handle. Safe on nil.
func (s *SQLiteTaskStore) Close() error {
	if s == nil {
		return nil
	}
	return s.store.Close()
}

// SaveTask writes the definition, replacing any previous row for the id.
func (s *SQLiteTaskStore) SaveTask(ctx context.Context, def *TaskDefinition) error {
	if s == nil || def == nil {
		return errors.New("task store or definition is nil")
	}
	rec := storage.TaskRecord{
		TaskID:     def.TaskID,
		Type:       def.Type,
		Priority:   string(def.Priority),
		TimeoutMS:  def.Timeout.Milliseconds(),
		MaxRetries: def.MaxRetries,
		CreatedAt:  def.CreatedAt,
	}
	if def.Requirements != (Requirements{}) {
		raw, err := json.Marshal(def.Requirements)
		if err != nil {
			return errors.Wrapf(err, "marshal requirements for task %s", def.TaskID)
		}
		rec.RequirementsJSON = string(raw)
	}
	if len(def.Parameters) > 0 {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return errors.Wrapf(err, "marshal parameters for task %s", def.TaskID)
		}
		rec.ParametersJSON = string(raw)
	}
	return s.store.SaveTask(ctx, rec)
}

// UpsertExecution writes the execution state, replacing any previous row.
func (s *SQLiteTaskStore) UpsertExecution(ctx context.Context, exec *TaskExecution) error {
	if s == nil || exec == nil {
		return errors.New("task store or execution is nil")
	}
	return s.store.UpsertExecution(ctx, storage.ExecutionRecord{
		TaskID:       exec.TaskID,
		DeviceSerial: exec.DeviceSerial,
		Status:       string(exec.Status),
		RetryCount:   exec.RetryCount,
		Result:       exec.Result,
		Error:        exec.Error,
		AssignedAt:   exec.AssignedAt,
		FinishedAt:   exec.FinishedAt,
	})
}

// GetExecution loads the execution record for a task id.
func (s *SQLiteTaskStore) GetExecution(ctx context.Context, taskID string) (*TaskExecution, error) {
	if s == nil {
		return nil, errors.New("task store is nil")
	}
	rec, err := s.store.GetExecution(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errors.Wrapf(ErrTaskNotFound, "task %s", taskID)
	}
	if err != nil {
		return nil, err
	}
	return &TaskExecution{
		TaskID:       rec.TaskID,
		DeviceSerial: rec.DeviceSerial,
		Status:       TaskStatus(rec.Status),
		RetryCount:   rec.RetryCount,
		Result:       rec.Result,
		Error:        rec.Error,
		AssignedAt:   rec.AssignedAt,
		FinishedAt:   rec.FinishedAt,
	}, nil
}

// LoadRecoverable returns definitions whose execution never reached a
// terminal status, oldest first.
func (s *SQLiteTaskStore) LoadRecoverable(ctx context.Context) ([]*TaskDefinition, error) {
	if s == nil {
		return nil, errors.New("task store is nil")
	}
	items, err := s.store.LoadRecoverable(ctx, terminalStatusStrings())
	if err != nil {
		return nil, err
	}
	defs := make([]*TaskDefinition, 0, len(items))
	for _, item := range items {
		def, err := taskFromRecord(item.Task)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// PurgeTerminalBefore deletes tasks that finished before the cutoff and
// returns how many were removed.
func (s *SQLiteTaskStore) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, errors.New("task store is nil")
	}
	return s.store.PurgeTerminalBefore(ctx, cutoff, terminalStatusStrings())
}

func taskFromRecord(rec storage.TaskRecord) (*TaskDefinition, error) {
	def := &TaskDefinition{
		TaskID:     rec.TaskID,
		Type:       rec.Type,
		Priority:   TaskPriority(rec.Priority),
		Timeout:    time.Duration(rec.TimeoutMS) * time.Millisecond,
		MaxRetries: rec.MaxRetries,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.RequirementsJSON != "" {
		if err := json.Unmarshal([]byte(rec.RequirementsJSON), &def.Requirements); err != nil {
			return nil, errors.Wrapf(err, "decode requirements for task %s", rec.TaskID)
		}
	}
	if rec.ParametersJSON != "" {
		if err := json.Unmarshal([]byte(rec.ParametersJSON), &def.Parameters); err != nil {
			return nil, errors.Wrapf(err, "decode parameters for task %s", rec.TaskID)
		}
	}
	return def, nil
}

func terminalStatusStrings() []string {
	return []string{
		string(TaskCompleted),
		string(TaskFailed),
		string(TaskTimeout),
		string(TaskCancelled),
	}
}
