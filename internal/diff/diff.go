// Package diff computes connect/disconnect events between two inventory
// snapshots. Membership of the device ID is the only signal; field-level
// changes on a device present in both snapshots never produce an event.
package diff

import (
	"sort"
	"time"

	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// Events returns the events needed to get from prev to curr, disconnects
// before connects. Within each group events are ordered by device ID so
// output is deterministic. Empty inputs yield no events.
func Events(prev, curr map[string]model.DeviceRecord, ts time.Time) []model.DeviceEvent {
	var events []model.DeviceEvent

	for _, id := range sortedKeys(prev) {
		if _, ok := curr[id]; !ok {
			events = append(events, model.NewEvent(model.EventDisconnect, prev[id], ts))
		}
	}

	for _, id := range sortedKeys(curr) {
		if _, ok := prev[id]; !ok {
			events = append(events, model.NewEvent(model.EventConnect, curr[id], ts))
		}
	}

	return events
}

func sortedKeys(m map[string]model.DeviceRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
