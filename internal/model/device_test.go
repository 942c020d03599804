package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseVIDPID(t *testing.T) {
	tests := []struct {
		name     string
		deviceID string
		want     string
	}{
		{"standard id", `USB\VID_0781&PID_5567\ABC123`, "0781:5567"},
		{"lowercase markers absent", `usb\vid_0781&pid_5567\abc`, ""},
		{"missing pid", `USB\VID_0781\ABC123`, ""},
		{"missing vid", `USB\PID_5567\ABC123`, ""},
		{"no markers", "some-opaque-id", ""},
		{"empty", "", ""},
		{"truncated vid", `USB\VID_07`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseVIDPID(tt.deviceID); got != tt.want {
				t.Errorf("ParseVIDPID(%q) = %q, want %q", tt.deviceID, got, tt.want)
			}
		})
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name string
		rec  DeviceRecord
		want string
	}{
		{"name wins", DeviceRecord{Name: "Cruzer Blade", Description: "USB Mass Storage"}, "Cruzer Blade"},
		{"description fallback", DeviceRecord{Description: "USB Mass Storage"}, "USB Mass Storage"},
		{"nothing known", DeviceRecord{}, "Unknown Device"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.DisplayName(); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKnownDeviceClone(t *testing.T) {
	d := KnownDevice{
		DeviceID: "dev-1",
		Name:     "Stick",
		StorageInfo: &StorageInfo{
			Model:   "Cruzer",
			Volumes: []VolumeInfo{{Mount: "/mnt/usb", Label: "DATA"}},
		},
	}

	c := d.Clone()
	c.StorageInfo.Model = "changed"
	c.StorageInfo.Volumes[0].Label = "OTHER"

	if d.StorageInfo.Model != "Cruzer" {
		t.Error("clone shares StorageInfo with original")
	}
	if d.StorageInfo.Volumes[0].Label != "DATA" {
		t.Error("clone shares volume slice with original")
	}
}

func TestNewEventDenormalizesRecord(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := DeviceRecord{
		DeviceID:     `USB\VID_0781&PID_5567\ABC123`,
		Name:         "Cruzer Blade",
		Manufacturer: "SanDisk",
		Class:        "DiskDrive",
	}

	e := NewEvent(EventConnect, rec, ts)

	if e.ID == "" {
		t.Error("expected a generated event ID")
	}
	if e.Kind != EventConnect {
		t.Errorf("Kind = %q, want %q", e.Kind, EventConnect)
	}
	if e.Name != "Cruzer Blade" || e.VIDPID != "0781:5567" || e.Manufacturer != "SanDisk" {
		t.Errorf("event did not capture record attributes: %+v", e)
	}
	if !e.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", e.Timestamp, ts)
	}

	// IDs must be unique per event.
	if other := NewEvent(EventConnect, rec, ts); other.ID == e.ID {
		t.Error("expected distinct IDs for distinct events")
	}
}

func TestLedgerJSONRoundTrip(t *testing.T) {
	l := NewLedger()
	l.Devices["dev-1"] = KnownDevice{
		DeviceID:           "dev-1",
		Name:               "Stick",
		VIDPID:             "0781:5567",
		FirstSeen:          time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		LastSeen:           time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
		TimesSeen:          7,
		CurrentlyConnected: true,
		Nickname:           "backup stick",
		StorageInfo: &StorageInfo{
			Model:      "Cruzer",
			TotalBytes: 16 << 30,
			Volumes:    []VolumeInfo{{Mount: "/mnt/usb", FileSystem: "vfat"}},
		},
	}

	data, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Ledger
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	d := got.Devices["dev-1"]
	if d.TimesSeen != 7 || d.Nickname != "backup stick" || !d.CurrentlyConnected {
		t.Errorf("round trip lost fields: %+v", d)
	}
	if d.StorageInfo == nil || d.StorageInfo.Model != "Cruzer" || len(d.StorageInfo.Volumes) != 1 {
		t.Errorf("round trip lost storage info: %+v", d.StorageInfo)
	}
	if !d.FirstSeen.Equal(l.Devices["dev-1"].FirstSeen) {
		t.Errorf("FirstSeen = %v, want %v", d.FirstSeen, l.Devices["dev-1"].FirstSeen)
	}
}

func TestLedgerToleratesUnknownFields(t *testing.T) {
	doc := `{
		"version": 2,
		"future_field": {"nested": true},
		"devices": {
			"dev-1": {"device_id": "dev-1", "name": "Stick", "times_seen": 3, "extra": 42}
		}
	}`

	var l Ledger
	if err := json.Unmarshal([]byte(doc), &l); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if l.Devices["dev-1"].TimesSeen != 3 {
		t.Errorf("TimesSeen = %d, want 3", l.Devices["dev-1"].TimesSeen)
	}
}
