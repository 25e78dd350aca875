package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var terminalStatuses = []string{"completed", "failed", "timeout", "cancelled"}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testTask(id string, createdAt time.Time) TaskRecord {
	return TaskRecord{
		TaskID:           id,
		Type:             "ui_test",
		Priority:         "normal",
		RequirementsJSON: `{"min_os_version":"14.0"}`,
		ParametersJSON:   `{"suite":"smoke"}`,
		TimeoutMS:        300000,
		MaxRetries:       2,
		CreatedAt:        createdAt,
	}
}

func TestOpen(t *testing.T) {
	t.Run("creates parent directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "deep", "orchestrator.db")
		store, err := Open(path)
		require.NoError(t, err)
		defer store.Close()
		assert.Equal(t, path, store.Path)
	})

	t.Run("reopen is idempotent", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "orchestrator.db")
		store, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, store.SaveTask(context.Background(), testTask("task-1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))))
		require.NoError(t, store.Close())

		store, err = Open(path)
		require.NoError(t, err)
		defer store.Close()

		var count int
		err = store.DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, len(migrations), count)

		err = store.DB.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Open("")
		assert.EqualError(t, err, "storage: db path is required")
	})

	t.Run("close nil store", func(t *testing.T) {
		assert.NoError(t, (*Store)(nil).Close())
	})
}

func TestSaveTask(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		store := openTestStore(t)
		createdAt := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
		require.NoError(t, store.SaveTask(ctx, testTask("task-1", createdAt)))

		items, err := store.LoadRecoverable(ctx, terminalStatuses)
		require.NoError(t, err)
		require.Len(t, items, 1)
		got := items[0].Task
		assert.Equal(t, "task-1", got.TaskID)
		assert.Equal(t, "ui_test", got.Type)
		assert.Equal(t, "normal", got.Priority)
		assert.Equal(t, `{"min_os_version":"14.0"}`, got.RequirementsJSON)
		assert.Equal(t, `{"suite":"smoke"}`, got.ParametersJSON)
		assert.Equal(t, int64(300000), got.TimeoutMS)
		assert.Equal(t, 2, got.MaxRetries)
		assert.Equal(t, createdAt, got.CreatedAt)
		assert.Nil(t, items[0].Execution)
	})

	t.Run("resave keeps created_at", func(t *testing.T) {
		store := openTestStore(t)
		createdAt := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
		require.NoError(t, store.SaveTask(ctx, testTask("task-1", createdAt)))

		updated := testTask("task-1", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
		updated.Priority = "high"
		require.NoError(t, store.SaveTask(ctx, updated))

		items, err := store.LoadRecoverable(ctx, terminalStatuses)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "high", items[0].Task.Priority)
		assert.Equal(t, createdAt, items[0].Task.CreatedAt)
	})

	t.Run("zero created_at defaults to now", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.SaveTask(ctx, testTask("task-1", time.Time{})))

		items, err := store.LoadRecoverable(ctx, terminalStatuses)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.WithinDuration(t, time.Now().UTC(), items[0].Task.CreatedAt, time.Second)
	})

	t.Run("missing id", func(t *testing.T) {
		store := openTestStore(t)
		err := store.SaveTask(ctx, TaskRecord{Type: "ui_test"})
		assert.EqualError(t, err, "storage: task id is required")
	})

	t.Run("missing type", func(t *testing.T) {
		store := openTestStore(t)
		err := store.SaveTask(ctx, TaskRecord{TaskID: "task-1"})
		assert.EqualError(t, err, "storage: task type is required")
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).SaveTask(ctx, testTask("task-1", time.Time{}))
		assert.EqualError(t, err, "storage: store is nil")
	})
}

func TestUpsertExecution(t *testing.T) {
	ctx := context.Background()

	t.Run("insert then update", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.SaveTask(ctx, testTask("task-1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))))

		assignedAt := time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)
		require.NoError(t, store.UpsertExecution(ctx, ExecutionRecord{
			TaskID:       "task-1",
			DeviceSerial: "R3CN30XXXX",
			Status:       "running",
			AssignedAt:   assignedAt,
		}))

		got, err := store.GetExecution(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, "running", got.Status)
		assert.Equal(t, "R3CN30XXXX", got.DeviceSerial)
		assert.Equal(t, assignedAt, got.AssignedAt)
		assert.True(t, got.FinishedAt.IsZero())

		finishedAt := time.Date(2024, 5, 1, 1, 5, 0, 0, time.UTC)
		require.NoError(t, store.UpsertExecution(ctx, ExecutionRecord{
			TaskID:       "task-1",
			DeviceSerial: "R3CN30XXXX",
			Status:       "completed",
			RetryCount:   1,
			Result:       `{"passed":12}`,
			AssignedAt:   assignedAt,
			FinishedAt:   finishedAt,
		}))

		got, err = store.GetExecution(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, "completed", got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, `{"passed":12}`, got.Result)
		assert.Equal(t, finishedAt, got.FinishedAt)
	})

	t.Run("missing task id", func(t *testing.T) {
		store := openTestStore(t)
		err := store.UpsertExecution(ctx, ExecutionRecord{Status: "running"})
		assert.EqualError(t, err, "storage: task id is required")
	})

	t.Run("missing status", func(t *testing.T) {
		store := openTestStore(t)
		err := store.UpsertExecution(ctx, ExecutionRecord{TaskID: "task-1"})
		assert.EqualError(t, err, "storage: execution status is required")
	})

	t.Run("unknown task fails foreign key", func(t *testing.T) {
		store := openTestStore(t)
		err := store.UpsertExecution(ctx, ExecutionRecord{TaskID: "nope", Status: "running"})
		assert.Error(t, err)
	})

	t.Run("nil store", func(t *testing.T) {
		err := (*Store)(nil).UpsertExecution(ctx, ExecutionRecord{TaskID: "task-1", Status: "running"})
		assert.EqualError(t, err, "storage: store is nil")
	})
}

func TestGetExecution(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.GetExecution(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := (*Store)(nil).GetExecution(ctx, "task-1")
		assert.EqualError(t, err, "storage: store is nil")
	})
}

func TestLoadRecoverable(t *testing.T) {
	ctx := context.Background()

	t.Run("filters terminal and orders oldest first", func(t *testing.T) {
		store := openTestStore(t)
		base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

		// Newest task has no execution yet.
		require.NoError(t, store.SaveTask(ctx, testTask("task-pending", base.Add(3*time.Hour))))

		// Oldest task was mid-flight when the daemon stopped.
		require.NoError(t, store.SaveTask(ctx, testTask("task-running", base)))
		require.NoError(t, store.UpsertExecution(ctx, ExecutionRecord{
			TaskID:       "task-running",
			DeviceSerial: "R3CN30XXXX",
			Status:       "running",
			AssignedAt:   base.Add(time.Minute),
		}))

		// Finished work must not come back.
		require.NoError(t, store.SaveTask(ctx, testTask("task-done", base.Add(time.Hour))))
		require.NoError(t, store.UpsertExecution(ctx, ExecutionRecord{
			TaskID:     "task-done",
			Status:     "completed",
			FinishedAt: base.Add(2 * time.Hour),
		}))

		items, err := store.LoadRecoverable(ctx, terminalStatuses)
		require.NoError(t, err)
		require.Len(t, items, 2)

		assert.Equal(t, "task-running", items[0].Task.TaskID)
		require.NotNil(t, items[0].Execution)
		assert.Equal(t, "running", items[0].Execution.Status)
		assert.Equal(t, "R3CN30XXXX", items[0].Execution.DeviceSerial)

		assert.Equal(t, "task-pending", items[1].Task.TaskID)
		assert.Nil(t, items[1].Execution)
	})

	t.Run("empty terminal list returns everything", func(t *testing.T) {
		store := openTestStore(t)
		require.NoError(t, store.SaveTask(ctx, testTask("task-1", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))))
		require.NoError(t, store.UpsertExecution(ctx, ExecutionRecord{TaskID: "task-1", Status: "completed"}))

		items, err := store.LoadRecoverable(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := (*Store)(nil).LoadRecoverable(ctx, terminalStatuses)
		assert.EqualError(t, err, "storage: store is nil")
	})
}

func TestPurgeTerminalBefore(t *testing.T) {
	ctx := context.Background()

	t.Run("removes old terminal tasks and cascades", func(t *testing.T) {
		store := openTestStore(t)
		base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

		require.NoError(t, store.SaveTask(ctx, testTask("task-old", base)))
		require.NoError(t, store.UpsertExecution(ctx, ExecutionRecord{
			TaskID:     "task-old",
			Status:     "completed",
			FinishedAt: base.Add(time.Hour),
		}))

		require.NoError(t, store.SaveTask(ctx, testTask("task-recent", base)))
		require.NoError(t, store.UpsertExecution(ctx, ExecutionRecord{
			TaskID:     "task-recent",
			Status:     "failed",
			FinishedAt: base.Add(48 * time.Hour),
		}))

		require.NoError(t, store.SaveTask(ctx, testTask("task-live", base)))
		require.NoError(t, store.UpsertExecution(ctx, ExecutionRecord{
			TaskID:     "task-live",
			Status:     "running",
			AssignedAt: base,
		}))

		removed, err := store.PurgeTerminalBefore(ctx, base.Add(24*time.Hour), terminalStatuses)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		var count int
		err = store.DB.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		// Cascade removed the execution row too.
		_, err = store.GetExecution(ctx, "task-old")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.GetExecution(ctx, "task-recent")
		assert.NoError(t, err)
		_, err = store.GetExecution(ctx, "task-live")
		assert.NoError(t, err)
	})

	t.Run("empty terminal list is a no-op", func(t *testing.T) {
		store := openTestStore(t)
		removed, err := store.PurgeTerminalBefore(ctx, time.Now(), nil)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := (*Store)(nil).PurgeTerminalBefore(ctx, time.Now(), terminalStatuses)
		assert.EqualError(t, err, "storage: store is nil")
	})
}
