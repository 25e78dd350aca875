package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Task-level sentinel errors. Scheduling code matches these with errors.Is;
// everything else is wrapped context.
var (
	// ErrNoHandler marks a task whose type has no registered handler. Fatal
	// per task: the execution fails immediately and is never retried.
	ErrNoHandler = errors.New("no handler registered for task type")

	// ErrTaskNotFound is returned by stores and status lookups for unknown
	// task ids.
	ErrTaskNotFound = errors.New("task not found")
)

// TaskDefinition is one unit of automation work as accepted by Submit.
type TaskDefinition struct {
	TaskID       string
	Type         string
	Priority     TaskPriority
	Requirements Requirements
	Parameters   map[string]any
	Timeout      time.Duration
	MaxRetries   int
	CreatedAt    time.Time
}

// TaskExecution is the runtime record for a submitted task. It is created as
// pending at submission, mutated by the scheduler only, and kept after the
// terminal transition until the retention purge removes it.
type TaskExecution struct {
	TaskID       string
	DeviceSerial string
	Status       TaskStatus
	RetryCount   int
	Result       string
	Error        string
	AssignedAt   time.Time
	FinishedAt   time.Time
}

// Requirements restricts which devices may run a task. Zero values impose no
// constraint.
type Requirements struct {
	// Serial pins the task to one specific device.
	Serial string `json:"serial,omitempty" yaml:"serial,omitempty"`
	// Model requires an exact device model match.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// MinBattery requires at least this battery percentage.
	MinBattery int `json:"min_battery,omitempty" yaml:"min_battery,omitempty"`
}

// Matches reports whether the device satisfies every set constraint.
func (r Requirements) Matches(dev Device) bool {
	if s := strings.TrimSpace(r.Serial); s != "" && s != dev.Serial {
		return false
	}
	if m := strings.TrimSpace(r.Model); m != "" && !strings.EqualFold(m, dev.Model) {
		return false
	}
	if r.MinBattery > 0 && dev.Battery < r.MinBattery {
		return false
	}
	return true
}

// TaskHandler executes one task attempt on a device. The context carries the
// task timeout and cooperative cancellation; handlers should return promptly
// once it is done. The returned string becomes TaskExecution.Result.
type TaskHandler func(ctx context.Context, deviceSerial string, params map[string]any) (string, error)

// TaskStore persists task definitions and execution records.
type TaskStore interface {
	SaveTask(ctx context.Context, def *TaskDefinition) error
	UpsertExecution(ctx context.Context, exec *TaskExecution) error
	GetExecution(ctx context.Context, taskID string) (*TaskExecution, error)
	// LoadRecoverable returns definitions whose execution is absent or
	// non-terminal, oldest first. Used to re-enqueue accepted work after a
	// daemon restart.
	LoadRecoverable(ctx context.Context) ([]*TaskDefinition, error)
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// noopTaskStore keeps the scheduler usable without persistence configured.
type noopTaskStore struct{}

func (noopTaskStore) SaveTask(context.Context, *TaskDefinition) error       { return nil }
func (noopTaskStore) UpsertExecution(context.Context, *TaskExecution) error { return nil }
func (noopTaskStore) GetExecution(context.Context, string) (*TaskExecution, error) {
	return nil, ErrTaskNotFound
}
func (noopTaskStore) LoadRecoverable(context.Context) ([]*TaskDefinition, error) { return nil, nil }
func (noopTaskStore) PurgeTerminalBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// QueueStats is the point-in-time snapshot returned by GetQueueStats.
type QueueStats struct {
	Pending          map[TaskPriority]int
	Active           int
	AvailableDevices int
}
