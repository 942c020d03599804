package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LedgerVersion is the current on-disk ledger document version.
const LedgerVersion = 2

// DeviceRecord is one attached device as reported by the inventory
// source for a single poll tick. Records are replaced wholesale on
// every tick and never persisted.
type DeviceRecord struct {
	DeviceID     string `json:"device_id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Manufacturer string `json:"manufacturer"`
	Class        string `json:"class"`
}

// DisplayName returns the best human-readable name for the record.
func (r DeviceRecord) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	if r.Description != "" {
		return r.Description
	}
	return "Unknown Device"
}

// VIDPID extracts a "vvvv:pppp" vendor/product tag from the device ID.
// Returns "" when the ID carries no VID_/PID_ markers.
func (r DeviceRecord) VIDPID() string {
	return ParseVIDPID(r.DeviceID)
}

// ParseVIDPID parses VID_xxxx and PID_xxxx markers out of a device ID.
func ParseVIDPID(deviceID string) string {
	vid := marker(deviceID, "VID_")
	pid := marker(deviceID, "PID_")
	if vid == "" || pid == "" {
		return ""
	}
	return vid + ":" + pid
}

func marker(s, prefix string) string {
	i := strings.Index(s, prefix)
	if i < 0 || i+len(prefix)+4 > len(s) {
		return ""
	}
	return s[i+len(prefix) : i+len(prefix)+4]
}

// KnownDevice is the persistent ledger entry for a device that has been
// observed at least once. Nickname is only ever written by explicit
// rename requests and StorageInfo only by the enrichment scheduler;
// inventory merges leave both untouched.
type KnownDevice struct {
	DeviceID           string       `json:"device_id"`
	Name               string       `json:"name"`
	VIDPID             string       `json:"vid_pid"`
	Class              string       `json:"class"`
	Manufacturer       string       `json:"manufacturer"`
	Description        string       `json:"description"`
	FirstSeen          time.Time    `json:"first_seen"`
	LastSeen           time.Time    `json:"last_seen"`
	TimesSeen          int          `json:"times_seen"`
	CurrentlyConnected bool         `json:"currently_connected"`
	Nickname           string       `json:"nickname,omitempty"`
	StorageInfo        *StorageInfo `json:"storage_info,omitempty"`
}

// Clone returns a deep copy of the device.
func (d KnownDevice) Clone() KnownDevice {
	c := d
	if d.StorageInfo != nil {
		si := d.StorageInfo.Clone()
		c.StorageInfo = &si
	}
	return c
}

// StorageInfo is the enrichment payload for a mass-storage device.
type StorageInfo struct {
	Model         string       `json:"model"`
	SerialNumber  string       `json:"serial_number"`
	TotalBytes    uint64       `json:"total_bytes"`
	InterfaceType string       `json:"interface_type"`
	MediaType     string       `json:"media_type"`
	Firmware      string       `json:"firmware"`
	Status        string       `json:"status"`
	Volumes       []VolumeInfo `json:"volumes"`
}

// Clone returns a deep copy of the storage info.
func (s StorageInfo) Clone() StorageInfo {
	c := s
	c.Volumes = make([]VolumeInfo, len(s.Volumes))
	copy(c.Volumes, s.Volumes)
	return c
}

// VolumeInfo describes one mounted volume of a storage device.
type VolumeInfo struct {
	Mount      string `json:"mount"`
	Label      string `json:"label"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
	FileSystem string `json:"file_system"`
}

// Event kinds.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

// DeviceEvent is one append-only log entry. Display attributes are
// denormalized so the log stays meaningful after the device is
// forgotten.
type DeviceEvent struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	VIDPID       string    `json:"vid_pid,omitempty"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Class        string    `json:"class"`
	DeviceID     string    `json:"device_id"`
}

// NewEvent builds an event from the record the device had at the moment
// of the transition.
func NewEvent(kind string, rec DeviceRecord, ts time.Time) DeviceEvent {
	return DeviceEvent{
		ID:           newEventID(),
		Timestamp:    ts,
		Kind:         kind,
		Name:         rec.DisplayName(),
		VIDPID:       rec.VIDPID(),
		Manufacturer: rec.Manufacturer,
		Class:        rec.Class,
		DeviceID:     rec.DeviceID,
	}
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Ledger is the persisted known-device document.
type Ledger struct {
	Version int                    `json:"version"`
	Devices map[string]KnownDevice `json:"devices"`
}

// NewLedger returns an empty ledger at the current version.
func NewLedger() *Ledger {
	return &Ledger{
		Version: LedgerVersion,
		Devices: make(map[string]KnownDevice),
	}
}

// CloneDevices returns a deep copy of a known-device map.
func CloneDevices(devices map[string]KnownDevice) map[string]KnownDevice {
	out := make(map[string]KnownDevice, len(devices))
	for id, d := range devices {
		out[id] = d.Clone()
	}
	return out
}

// DeviceSummary is the per-device entry of the connected-device list in
// a published snapshot.
type DeviceSummary struct {
	DeviceID     string `json:"device_id"`
	Name         string `json:"name"`
	VIDPID       string `json:"vid_pid,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Class        string `json:"class"`
}

// Summarize converts a live record to its snapshot form.
func Summarize(rec DeviceRecord) DeviceSummary {
	return DeviceSummary{
		DeviceID:     rec.DeviceID,
		Name:         rec.DisplayName(),
		VIDPID:       rec.VIDPID(),
		Manufacturer: rec.Manufacturer,
		Class:        rec.Class,
	}
}

// Snapshot is the immutable composite view published to observers.
type Snapshot struct {
	Devices         []DeviceSummary        `json:"devices"`
	Events          []DeviceEvent          `json:"events"`
	KnownDevices    map[string]KnownDevice `json:"known_devices"`
	StorageInfo     map[string]StorageInfo `json:"storage_info"`
	Error           string                 `json:"error,omitempty"`
	UpdateAvailable string                 `json:"update_available,omitempty"`
}
