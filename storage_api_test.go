package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func openTestTaskStore(t *testing.T) *SQLiteTaskStore {
	t.Helper()
	store, err := NewSQLiteTaskStore(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteTaskStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestTaskStore(t)

	def := &TaskDefinition{
		TaskID:   "task-1",
		Type:     "ui_test",
		Priority: PriorityHigh,
		Requirements: Requirements{
			Model:      "Pixel 7",
			MinBattery: 30,
		},
		Parameters: map[string]any{"suite": "smoke"},
		Timeout:    90 * time.Second,
		MaxRetries: 2,
		CreatedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.SaveTask(ctx, def); err != nil {
		t.Fatalf("save task: %v", err)
	}

	defs, err := store.LoadRecoverable(ctx)
	if err != nil {
		t.Fatalf("load recoverable: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 recoverable task, got %d", len(defs))
	}
	got := defs[0]
	if got.TaskID != "task-1" || got.Type != "ui_test" || got.Priority != PriorityHigh {
		t.Fatalf("definition mismatch: %+v", got)
	}
	if got.Requirements != def.Requirements {
		t.Fatalf("requirements mismatch: %+v", got.Requirements)
	}
	if got.Parameters["suite"] != "smoke" {
		t.Fatalf("parameters mismatch: %+v", got.Parameters)
	}
	if got.Timeout != 90*time.Second {
		t.Fatalf("timeout mismatch: %s", got.Timeout)
	}
	if got.MaxRetries != 2 {
		t.Fatalf("max retries mismatch: %d", got.MaxRetries)
	}
	if !got.CreatedAt.Equal(def.CreatedAt) {
		t.Fatalf("created at mismatch: %s", got.CreatedAt)
	}
}

func TestSQLiteTaskStoreExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestTaskStore(t)

	def := &TaskDefinition{TaskID: "task-1", Type: "ui_test", Priority: PriorityNormal, CreatedAt: time.Now()}
	if err := store.SaveTask(ctx, def); err != nil {
		t.Fatalf("save task: %v", err)
	}

	exec := &TaskExecution{TaskID: "task-1", Status: TaskPending}
	if err := store.UpsertExecution(ctx, exec); err != nil {
		t.Fatalf("upsert pending: %v", err)
	}

	exec.Status = TaskRunning
	exec.DeviceSerial = "emulator-5554"
	exec.AssignedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.UpsertExecution(ctx, exec); err != nil {
		t.Fatalf("upsert running: %v", err)
	}

	got, err := store.GetExecution(ctx, "task-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != TaskRunning || got.DeviceSerial != "emulator-5554" {
		t.Fatalf("execution mismatch: %+v", got)
	}
	if !got.AssignedAt.Equal(exec.AssignedAt) {
		t.Fatalf("assigned at mismatch: %s", got.AssignedAt)
	}

	// Running executions stay recoverable; completed ones drop out.
	defs, err := store.LoadRecoverable(ctx)
	if err != nil {
		t.Fatalf("load recoverable: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected running task recoverable, got %d", len(defs))
	}

	exec.Status = TaskCompleted
	exec.Result = `{"passed":10}`
	exec.FinishedAt = time.Now()
	if err := store.UpsertExecution(ctx, exec); err != nil {
		t.Fatalf("upsert completed: %v", err)
	}
	defs, err = store.LoadRecoverable(ctx)
	if err != nil {
		t.Fatalf("load recoverable after completion: %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("completed task should not be recoverable, got %d", len(defs))
	}
}

func TestSQLiteTaskStoreGetExecutionUnknown(t *testing.T) {
	store := openTestTaskStore(t)
	_, err := store.GetExecution(context.Background(), "no-such-task")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSQLiteTaskStorePurgeTerminalBefore(t *testing.T) {
	ctx := context.Background()
	store := openTestTaskStore(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		id         string
		status     TaskStatus
		finishedAt time.Time
	}{
		{"task-old", TaskCompleted, base},
		{"task-recent", TaskFailed, base.Add(72 * time.Hour)},
		{"task-live", TaskRunning, time.Time{}},
	} {
		def := &TaskDefinition{TaskID: tc.id, Type: "ui_test", Priority: PriorityNormal, CreatedAt: base}
		if err := store.SaveTask(ctx, def); err != nil {
			t.Fatalf("save %s: %v", tc.id, err)
		}
		exec := &TaskExecution{TaskID: tc.id, Status: tc.status, FinishedAt: tc.finishedAt}
		if err := store.UpsertExecution(ctx, exec); err != nil {
			t.Fatalf("upsert %s: %v", tc.id, err)
		}
	}

	purged, err := store.PurgeTerminalBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged task, got %d", purged)
	}
	if _, err := store.GetExecution(ctx, "task-old"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("task-old should be gone, got %v", err)
	}
	if _, err := store.GetExecution(ctx, "task-recent"); err != nil {
		t.Fatalf("task-recent should survive: %v", err)
	}
	if _, err := store.GetExecution(ctx, "task-live"); err != nil {
		t.Fatalf("task-live should survive: %v", err)
	}
}
