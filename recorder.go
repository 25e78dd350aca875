package orchestrator

import (
	"context"
	"time"
)

// DeviceSnapshot captures one device row for the external inventory mirror.
type DeviceSnapshot struct {
	Serial     string
	Status     string
	Model      string
	OSVersion  string
	Battery    int
	IP         string
	Profile    string
	ActiveTask string
	LastError  string
	LastSeenAt time.Time
}

// DeviceRecorder receives fleet snapshots after each discovery scan so an
// external system can mirror device state. Implementations must tolerate
// being called with the full fleet every interval.
type DeviceRecorder interface {
	UpsertDevices(ctx context.Context, devices []DeviceSnapshot) error
}

// noopRecorder is used when no mirror table is configured.
type noopRecorder struct{}

func (noopRecorder) UpsertDevices(context.Context, []DeviceSnapshot) error { return nil }
