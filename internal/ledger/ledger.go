// Package ledger implements the merge rules for the known-device ledger.
// All functions mutate the ledger in place; persistence is the caller's
// concern.
package ledger

import (
	"time"

	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// MarkAllDisconnected clears the connected flag on every entry. Run once
// at startup before the initial merge so a stale flag is never inherited
// across restarts.
func MarkAllDisconnected(l *model.Ledger) {
	for id, d := range l.Devices {
		d.CurrentlyConnected = false
		l.Devices[id] = d
	}
}

// MergeInitial folds the first inventory snapshot into the ledger.
// Devices already known are refreshed and re-marked connected without
// counting another sighting; a device that stayed plugged in across a
// restart was not plugged in again.
func MergeInitial(l *model.Ledger, rec model.DeviceRecord, now time.Time) {
	d, ok := l.Devices[rec.DeviceID]
	if !ok {
		l.Devices[rec.DeviceID] = newKnownDevice(rec, now)
		return
	}
	refresh(&d, rec)
	d.LastSeen = now
	d.CurrentlyConnected = true
	l.Devices[rec.DeviceID] = d
}

// ApplyConnect folds a connect event into the ledger. New devices start
// with TimesSeen 1; known devices count one more sighting and have their
// descriptive fields refreshed from the live record. Nickname and
// StorageInfo are never touched here.
func ApplyConnect(l *model.Ledger, rec model.DeviceRecord, now time.Time) {
	d, ok := l.Devices[rec.DeviceID]
	if !ok {
		l.Devices[rec.DeviceID] = newKnownDevice(rec, now)
		return
	}
	refresh(&d, rec)
	d.TimesSeen++
	d.LastSeen = now
	d.CurrentlyConnected = true
	l.Devices[rec.DeviceID] = d
}

// ApplyDisconnect folds a disconnect event into the ledger. The last
// known StorageInfo is retained for offline inspection. Returns false if
// the device is not in the ledger.
func ApplyDisconnect(l *model.Ledger, deviceID string, now time.Time) bool {
	d, ok := l.Devices[deviceID]
	if !ok {
		return false
	}
	d.LastSeen = now
	d.CurrentlyConnected = false
	l.Devices[deviceID] = d
	return true
}

// Forget removes the given devices from the ledger. Returns the IDs that
// were actually present. A later reconnect starts a fresh history.
func Forget(l *model.Ledger, deviceIDs []string) (removed []string) {
	for _, id := range deviceIDs {
		if _, ok := l.Devices[id]; ok {
			delete(l.Devices, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// SyncNicknames takes nickname values from the externally-mutated view.
// Entries missing on either side are skipped; everything but the nickname
// the ledger keeps. Returns whether anything changed.
func SyncNicknames(l *model.Ledger, external map[string]model.KnownDevice) (changed bool) {
	for id, ext := range external {
		d, ok := l.Devices[id]
		if !ok {
			continue
		}
		if d.Nickname != ext.Nickname {
			d.Nickname = ext.Nickname
			l.Devices[id] = d
			changed = true
		}
	}
	return changed
}

// SetStorageInfo attaches an enrichment result to the matching entry.
// Returns false if the device is not in the ledger.
func SetStorageInfo(l *model.Ledger, deviceID string, info model.StorageInfo) bool {
	d, ok := l.Devices[deviceID]
	if !ok {
		return false
	}
	clone := info.Clone()
	d.StorageInfo = &clone
	l.Devices[deviceID] = d
	return true
}

func newKnownDevice(rec model.DeviceRecord, now time.Time) model.KnownDevice {
	return model.KnownDevice{
		DeviceID:           rec.DeviceID,
		Name:               rec.DisplayName(),
		VIDPID:             rec.VIDPID(),
		Class:              rec.Class,
		Manufacturer:       rec.Manufacturer,
		Description:        rec.Description,
		FirstSeen:          now,
		LastSeen:           now,
		TimesSeen:          1,
		CurrentlyConnected: true,
	}
}

func refresh(d *model.KnownDevice, rec model.DeviceRecord) {
	d.Name = rec.DisplayName()
	d.VIDPID = rec.VIDPID()
	d.Class = rec.Class
	d.Manufacturer = rec.Manufacturer
	d.Description = rec.Description
}
