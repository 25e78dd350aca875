package feishu

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Environment override keys for the device inventory table columns.
const (
	EnvDeviceFieldSerial     = "DEVICE_FIELD_SERIAL"
	EnvDeviceFieldModel      = "DEVICE_FIELD_MODEL"
	EnvDeviceFieldOSVersion  = "DEVICE_FIELD_OSVERSION"
	EnvDeviceFieldBattery    = "DEVICE_FIELD_BATTERY"
	EnvDeviceFieldIP         = "DEVICE_FIELD_IP"
	EnvDeviceFieldStatus     = "DEVICE_FIELD_STATUS"
	EnvDeviceFieldProfile    = "DEVICE_FIELD_PROFILE"
	EnvDeviceFieldActiveTask = "DEVICE_FIELD_ACTIVE_TASK"
	EnvDeviceFieldHostUUID   = "DEVICE_FIELD_HOST_UUID"
	EnvDeviceFieldLastError  = "DEVICE_FIELD_LAST_ERROR"
	EnvDeviceFieldLastSeenAt = "DEVICE_FIELD_LAST_SEEN_AT"
)

// DeviceFields lists column names for the device inventory table.
type DeviceFields struct {
	Serial     string
	Model      string
	OSVersion  string
	Battery    string
	IP         string
	Status     string
	Profile    string
	ActiveTask string
	HostUUID   string
	LastError  string
	LastSeenAt string
}

// DefaultDeviceFields matches the stock inventory table schema.
var DefaultDeviceFields = DeviceFields{
	Serial:     "Serial",
	Model:      "Model",
	OSVersion:  "OSVersion",
	Battery:    "Battery",
	IP:         "IP",
	Status:     "Status",
	Profile:    "Profile",
	ActiveTask: "ActiveTask",
	HostUUID:   "HostUUID",
	LastError:  "LastError",
	LastSeenAt: "LastSeenAt",
}

// DeviceRecordInput describes the payload used to create or update a device row.
type DeviceRecordInput struct {
	Serial     string
	Model      string
	OSVersion  string
	Battery    *float64
	IP         string
	Status     string
	Profile    string
	ActiveTask string
	HostUUID   string
	LastError  string
	LastSeenAt *time.Time
}

// DeviceFieldsFromEnv builds fields with environment overrides.
func DeviceFieldsFromEnv() DeviceFields {
	f := DefaultDeviceFields
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldSerial)); v != "" {
		f.Serial = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldModel)); v != "" {
		f.Model = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldOSVersion)); v != "" {
		f.OSVersion = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldBattery)); v != "" {
		f.Battery = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldIP)); v != "" {
		f.IP = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldStatus)); v != "" {
		f.Status = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldProfile)); v != "" {
		f.Profile = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldActiveTask)); v != "" {
		f.ActiveTask = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldHostUUID)); v != "" {
		f.HostUUID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldLastError)); v != "" {
		f.LastError = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceFieldLastSeenAt)); v != "" {
		f.LastSeenAt = v
	}
	return f
}

// DeviceInfoTable caches decoded rows for quick lookup.
type DeviceInfoTable struct {
	Ref    BitableRef
	Fields DeviceFields
	Rows   []DeviceRecordInput
	index  map[string]string // Serial -> RecordID
}

// RecordIDBySerial returns the record id for a given device serial.
func (t *DeviceInfoTable) RecordIDBySerial(serial string) string {
	if t == nil {
		return ""
	}
	if t.index == nil {
		return ""
	}
	return t.index[strings.TrimSpace(serial)]
}

// FetchDeviceTable downloads the device inventory table.
func (c *Client) FetchDeviceTable(ctx context.Context, rawURL string, override *DeviceFields) (*DeviceInfoTable, error) {
	if c == nil {
		return nil, errors.New("feishu: client is nil")
	}
	ref, err := ParseBitableURL(rawURL)
	if err != nil {
		return nil, err
	}
	if err := c.ensureBitableAppToken(ctx, &ref); err != nil {
		return nil, err
	}
	fields := DefaultDeviceFields
	if override != nil {
		fields = fields.merge(*override)
	}
	records, err := c.listBitableRecords(ctx, ref, 0)
	if err != nil {
		return nil, err
	}
	table := &DeviceInfoTable{
		Ref:    ref,
		Fields: fields,
		Rows:   make([]DeviceRecordInput, 0, len(records)),
		index:  make(map[string]string, len(records)),
	}
	for _, rec := range records {
		serial := toString(rec.Fields[fields.Serial])
		if serial == "" {
			continue
		}
		row := DeviceRecordInput{
			Serial:     serial,
			Model:      toString(rec.Fields[fields.Model]),
			OSVersion:  toString(rec.Fields[fields.OSVersion]),
			IP:         toString(rec.Fields[fields.IP]),
			Status:     toString(rec.Fields[fields.Status]),
			Profile:    toString(rec.Fields[fields.Profile]),
			ActiveTask: toString(rec.Fields[fields.ActiveTask]),
			HostUUID:   toString(rec.Fields[fields.HostUUID]),
			LastError:  toString(rec.Fields[fields.LastError]),
		}
		if level, ok := rec.Fields[fields.Battery].(float64); ok {
			row.Battery = &level
		}
		if ts := toTime(rec.Fields[fields.LastSeenAt]); ts != nil {
			row.LastSeenAt = ts
		}
		table.Rows = append(table.Rows, row)
		table.index[serial] = rec.RecordID
	}
	return table, nil
}

// UpsertDevice creates or updates a device row keyed by Serial.
func (c *Client) UpsertDevice(ctx context.Context, rawURL string, fields DeviceFields, rec DeviceRecordInput) error {
	if c == nil {
		return errors.New("feishu: client is nil")
	}
	if strings.TrimSpace(rawURL) == "" {
		return errors.New("feishu: device inventory table url is empty")
	}
	table, err := c.FetchDeviceTable(ctx, rawURL, &fields)
	if err != nil {
		return err
	}
	payload, err := buildDevicePayload(rec, table.Fields)
	if err != nil {
		return err
	}
	recordID := table.RecordIDBySerial(strings.TrimSpace(rec.Serial))
	if recordID == "" {
		_, err = c.createBitableRecord(ctx, table.Ref, payload)
		return err
	}
	return c.updateBitableRecord(ctx, table.Ref, recordID, payload)
}

func (fields DeviceFields) merge(override DeviceFields) DeviceFields {
	result := fields
	if strings.TrimSpace(override.Serial) != "" {
		result.Serial = override.Serial
	}
	if strings.TrimSpace(override.Model) != "" {
		result.Model = override.Model
	}
	if strings.TrimSpace(override.OSVersion) != "" {
		result.OSVersion = override.OSVersion
	}
	if strings.TrimSpace(override.Battery) != "" {
		result.Battery = override.Battery
	}
	if strings.TrimSpace(override.IP) != "" {
		result.IP = override.IP
	}
	if strings.TrimSpace(override.Status) != "" {
		result.Status = override.Status
	}
	if strings.TrimSpace(override.Profile) != "" {
		result.Profile = override.Profile
	}
	if strings.TrimSpace(override.ActiveTask) != "" {
		result.ActiveTask = override.ActiveTask
	}
	if strings.TrimSpace(override.HostUUID) != "" {
		result.HostUUID = override.HostUUID
	}
	if strings.TrimSpace(override.LastError) != "" {
		result.LastError = override.LastError
	}
	if strings.TrimSpace(override.LastSeenAt) != "" {
		result.LastSeenAt = override.LastSeenAt
	}
	return result
}

func buildDevicePayload(rec DeviceRecordInput, fields DeviceFields) (map[string]any, error) {
	row := make(map[string]any)
	addOptionalField(row, fields.Serial, rec.Serial)
	addOptionalField(row, fields.Model, rec.Model)
	addOptionalField(row, fields.OSVersion, rec.OSVersion)
	addOptionalNumber(row, fields.Battery, rec.Battery)
	addOptionalField(row, fields.IP, rec.IP)
	addOptionalField(row, fields.Status, rec.Status)
	addOptionalField(row, fields.Profile, rec.Profile)
	addOptionalField(row, fields.ActiveTask, rec.ActiveTask)
	addOptionalField(row, fields.HostUUID, rec.HostUUID)
	addOptionalField(row, fields.LastError, rec.LastError)
	if rec.LastSeenAt != nil {
		if strings.TrimSpace(fields.LastSeenAt) == "" {
			return nil, fmt.Errorf("feishu: LastSeenAt field not configured")
		}
		row[fields.LastSeenAt] = rec.LastSeenAt.UTC().UnixMilli()
	}
	if len(row) == 0 {
		return nil, errors.New("feishu: device payload is empty")
	}
	return row, nil
}
