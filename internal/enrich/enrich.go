// Package enrich adds drive and volume metadata to mass-storage devices.
// Lookups are deferred behind a grace period because volume mounting
// completes asynchronously after attach; an immediate lookup reliably
// misses.
package enrich

import (
	"context"
	"strings"

	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// Source answers enrichment lookups. A (nil, nil) result means no drive
// matched the device — a routine outcome, not a fault.
type Source interface {
	Lookup(ctx context.Context, deviceID string) (*model.StorageInfo, error)
}

// IsStorageDevice reports whether a device should be scheduled for
// enrichment, judged from its class and name only.
func IsStorageDevice(rec model.DeviceRecord) bool {
	name := rec.DisplayName()
	return strings.Contains(rec.Class, "SCSIAdapter") ||
		strings.Contains(rec.Class, "DiskDrive") ||
		(strings.Contains(rec.Class, "USB") && strings.Contains(name, "Storage")) ||
		strings.Contains(name, "Mass Storage")
}

// SerialSuffix extracts the serial-like tail of a device ID, the token
// matched against enumerated drives. Returns "" when there is none.
func SerialSuffix(deviceID string) string {
	s := deviceID
	if i := strings.LastIndexAny(s, `\/`); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
