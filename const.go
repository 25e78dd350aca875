package orchestrator

import "strings"

// DeviceStatus describes a device's discovery state as seen by the registry.
type DeviceStatus string

const (
	DeviceStatusUnknown DeviceStatus = "unknown"
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusBusy    DeviceStatus = "busy"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusError   DeviceStatus = "error"
)

// ProfileStatus describes whether an identity profile can be handed out.
type ProfileStatus string

const (
	ProfileAvailable ProfileStatus = "available"
	ProfileInUse     ProfileStatus = "in_use"
	ProfileDisabled  ProfileStatus = "disabled"
)

// SyncStatus describes the verification state of a device/identity binding.
type SyncStatus string

const (
	SyncUnbound  SyncStatus = "unbound"
	SyncBinding  SyncStatus = "binding"
	SyncBound    SyncStatus = "bound"
	SyncDegraded SyncStatus = "degraded"
	SyncFailed   SyncStatus = "failed"
)

// ServerState describes the lifecycle of an automation-server process.
type ServerState string

const (
	ServerStopped  ServerState = "stopped"
	ServerStarting ServerState = "starting"
	ServerRunning  ServerState = "running"
	ServerFailed   ServerState = "failed"
)

// TaskPriority orders queue buckets. Higher rank dispatches first.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// prioritiesDesc lists buckets in dispatch order, highest first.
var prioritiesDesc = []TaskPriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// Rank returns the numeric rank of the priority, higher dispatching first.
// Unknown values rank as normal.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority normalizes free-form priority text. Empty or unrecognized
// input falls back to normal.
func ParsePriority(raw string) TaskPriority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// TaskStatus tracks one execution attempt chain through its terminal state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal executions are never
// re-dispatched and become eligible for retention purge.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	default:
		return false
	}
}

// Environment variable names shared across the module. Downstream deployments
// should prefer these constants when wiring the orchestrator into their
// environments.
const (
	// EnvDeviceAllowlist optionally restricts the device pool to a subset of
	// serials. Comma/semicolon/whitespace separated, for example:
	//   DEVICE_ALLOWLIST="device-A,device-B"
	EnvDeviceAllowlist = "DEVICE_ALLOWLIST"

	// EnvDeviceBitableURL enables the outbound device inventory mirror when
	// set to a Feishu bitable URL.
	EnvDeviceBitableURL = "DEVICE_BITABLE_URL"
)
