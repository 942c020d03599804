package monitor

import (
	"sort"
	"strings"
	"sync"

	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// State is the externally-visible copy of the tracked state. Request
// handlers read snapshots from it and apply renames, forgets and
// event-log clears directly; the reconciliation loop folds those
// mutations back into its authoritative ledger every tick and replaces
// the whole view whenever something meaningful changed.
type State struct {
	mu      sync.RWMutex
	devices []model.DeviceSummary
	events  []model.DeviceEvent
	known   map[string]model.KnownDevice
	storage map[string]model.StorageInfo
	errMsg  string
	update  string
	clears  uint64
	forgets []string

	subs map[chan model.Snapshot]struct{}
}

// NewState returns an empty state. External mutations are persisted by
// the loop when it folds them in on the next tick.
func NewState() *State {
	return &State{
		known:   make(map[string]model.KnownDevice),
		storage: make(map[string]model.StorageInfo),
		subs:    make(map[chan model.Snapshot]struct{}),
	}
}

// Snapshot returns a deep copy of the current composite view.
func (s *State) Snapshot() model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		Devices:         make([]model.DeviceSummary, len(s.devices)),
		Events:          make([]model.DeviceEvent, len(s.events)),
		KnownDevices:    model.CloneDevices(s.known),
		StorageInfo:     make(map[string]model.StorageInfo, len(s.storage)),
		Error:           s.errMsg,
		UpdateAvailable: s.update,
	}
	copy(snap.Devices, s.devices)
	copy(snap.Events, s.events)
	for id, info := range s.storage {
		snap.StorageInfo[id] = info.Clone()
	}
	return snap
}

// Publish replaces the whole view and notifies subscribers. Called by
// the reconciliation loop only.
func (s *State) Publish(devices []model.DeviceSummary, events []model.DeviceEvent,
	known map[string]model.KnownDevice, storageInfo map[string]model.StorageInfo) {

	sorted := make([]model.DeviceSummary, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Name) < strings.ToLower(sorted[j].Name)
	})

	s.mu.Lock()
	s.devices = sorted
	s.events = events
	s.known = known
	s.storage = storageInfo
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// SetError records a fatal error string and pushes it to observers.
func (s *State) SetError(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// SetUpdateAvailable records the newest released version, or "" when up
// to date.
func (s *State) SetUpdateAvailable(version string) {
	s.mu.Lock()
	s.update = version
	s.mu.Unlock()
}

// UpdateAvailable returns the last recorded update-check result.
func (s *State) UpdateAvailable() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.update
}

// SetNickname sets or clears (empty string) the user label on a known
// device. Returns false if the device is unknown. Inventory merges never
// touch the nickname, so this sticks until another rename or a forget.
func (s *State) SetNickname(deviceID, nickname string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.known[deviceID]
	if !ok {
		return false
	}
	d.Nickname = strings.TrimSpace(nickname)
	s.known[deviceID] = d
	return true
}

// Forget removes a device from the known map and the live enrichment
// map and queues the removal for the loop, which drops it from its own
// ledger on the next sync. A later reconnect starts a brand-new history.
func (s *State) Forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.known, deviceID)
	delete(s.storage, deviceID)
	s.forgets = append(s.forgets, deviceID)
}

// TakeForgets drains the queued forget requests.
func (s *State) TakeForgets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.forgets
	s.forgets = nil
	return out
}

// ClearEvents empties the in-memory event log. The durable archive is
// unaffected. The loop picks the clear up on its next tick via
// ClearGeneration.
func (s *State) ClearEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.clears++
}

// ClearGeneration counts clear-events requests so the loop can fold
// clears into its own log.
func (s *State) ClearGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clears
}

// KnownDevices returns a deep copy of the externally-visible known map,
// used by the loop's per-tick reconciliation.
func (s *State) KnownDevices() map[string]model.KnownDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return model.CloneDevices(s.known)
}

// EventCount returns the current in-memory event log length.
func (s *State) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Subscribe registers a snapshot observer. Slow observers miss updates
// rather than blocking the loop. The returned cancel func must be called
// when done.
func (s *State) Subscribe() (<-chan model.Snapshot, func()) {
	ch := make(chan model.Snapshot, 8)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *State) notify(snap model.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
