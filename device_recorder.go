package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devicefarm/orchestrator/internal/env"
	"github.com/devicefarm/orchestrator/internal/feishu"
)

// feishuDeviceRecorder mirrors device snapshots into a Feishu bitable table.
// It implements DeviceRecorder and is configured via environment variables.
type feishuDeviceRecorder struct {
	client   *feishu.Client
	tableURL string
	fields   feishu.DeviceFields
	hostID   string
	clock    func() time.Time
}

// NewDeviceRecorderFromEnv builds a DeviceRecorder using environment variables.
//
// Environment:
//   - DEVICE_BITABLE_URL: target table for device snapshots; when empty,
//     a no-op recorder is returned.
func NewDeviceRecorderFromEnv() (DeviceRecorder, error) {
	tableURL := strings.TrimSpace(env.String(EnvDeviceBitableURL, ""))
	if tableURL == "" {
		return noopRecorder{}, nil
	}

	cli, err := feishu.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	return &feishuDeviceRecorder{
		client:   cli,
		tableURL: tableURL,
		fields:   feishu.DeviceFieldsFromEnv(),
		hostID:   hostUUID(),
	}, nil
}

func (r *feishuDeviceRecorder) UpsertDevices(ctx context.Context, devices []DeviceSnapshot) error {
	if r == nil || r.client == nil || r.tableURL == "" || len(devices) == 0 {
		return nil
	}
	now := r.now()
	for _, d := range devices {
		serial := strings.TrimSpace(d.Serial)
		if serial == "" {
			log.Warn().Str("status", d.Status).Msg("recorder: skip device without serial")
			continue
		}
		battery := float64(d.Battery)
		rec := feishu.DeviceRecordInput{
			Serial:     serial,
			Model:      d.Model,
			OSVersion:  d.OSVersion,
			Battery:    &battery,
			IP:         d.IP,
			Status:     d.Status,
			Profile:    d.Profile,
			ActiveTask: strings.TrimSpace(d.ActiveTask),
			HostUUID:   r.hostID,
			LastError:  d.LastError,
		}
		if !d.LastSeenAt.IsZero() {
			rec.LastSeenAt = &d.LastSeenAt
		} else {
			rec.LastSeenAt = &now
		}

		if err := r.client.UpsertDevice(ctx, r.tableURL, r.fields, rec); err != nil {
			log.Error().
				Err(err).
				Str("serial", serial).
				Str("status", d.Status).
				Msg("recorder: upsert device failed")
		}
	}
	return nil
}

func (r *feishuDeviceRecorder) now() time.Time {
	if r.clock != nil {
		return r.clock()
	}
	return time.Now()
}
