package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/martinsuchenak/usbtrackd/internal/model"
)

// fakeInventory returns whatever the test last stored in current.
type fakeInventory struct {
	current map[string]model.DeviceRecord
	err     error
}

func (f *fakeInventory) Query(ctx context.Context) (map[string]model.DeviceRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]model.DeviceRecord, len(f.current))
	for id, rec := range f.current {
		out[id] = rec
	}
	return out, nil
}

func (f *fakeInventory) set(recs ...model.DeviceRecord) {
	f.current = make(map[string]model.DeviceRecord, len(recs))
	for _, rec := range recs {
		f.current[rec.DeviceID] = rec
	}
}

// fakeEnricher answers lookups from a fixed map.
type fakeEnricher struct {
	info    map[string]*model.StorageInfo
	err     error
	lookups int
}

func (f *fakeEnricher) Lookup(ctx context.Context, deviceID string) (*model.StorageInfo, error) {
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	return f.info[deviceID], nil
}

// memStore keeps the last saved ledger in memory.
type memStore struct {
	saved *model.Ledger
	saves int
	fail  bool
}

func (s *memStore) Load() (*model.Ledger, error) {
	if s.saved == nil {
		return model.NewLedger(), nil
	}
	return &model.Ledger{Version: s.saved.Version, Devices: model.CloneDevices(s.saved.Devices)}, nil
}

func (s *memStore) Save(l *model.Ledger) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.saved = &model.Ledger{Version: l.Version, Devices: model.CloneDevices(l.Devices)}
	s.saves++
	return nil
}

// fakeArchive records appended batches.
type fakeArchive struct {
	events []model.DeviceEvent
}

func (f *fakeArchive) Append(events []model.DeviceEvent) error {
	f.events = append(f.events, events...)
	return nil
}

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func stickRecord() model.DeviceRecord {
	return model.DeviceRecord{
		DeviceID:     `USB\VID_0781&PID_5567\ABC123`,
		Name:         "Cruzer Blade",
		Manufacturer: "SanDisk",
		Class:        "DiskDrive",
	}
}

func mouseRecord() model.DeviceRecord {
	return model.DeviceRecord{
		DeviceID: `USB\VID_046D&PID_C077\1-2`,
		Name:     "USB Optical Mouse",
		Class:    "HIDClass",
	}
}

type fixture struct {
	inv     *fakeInventory
	enr     *fakeEnricher
	store   *memStore
	archive *fakeArchive
	state   *State
	mon     *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		inv:     &fakeInventory{},
		enr:     &fakeEnricher{info: make(map[string]*model.StorageInfo)},
		store:   &memStore{},
		archive: &fakeArchive{},
	}
	f.state = NewState()
	f.mon = New(Config{}, f.inv, f.enr, f.store, f.archive, f.state)
	f.mon.clock = func() time.Time { return testStart }
	return f
}

func (f *fixture) mustStartup(t *testing.T) {
	t.Helper()
	if err := f.mon.startup(context.Background()); err != nil {
		t.Fatalf("startup() error = %v", err)
	}
}

func TestStartupFatalOnInitialQueryFailure(t *testing.T) {
	f := newFixture(t)
	f.inv.err = errors.New("inventory backend unavailable")

	if err := f.mon.startup(context.Background()); err == nil {
		t.Fatal("startup() error = nil, want failure")
	}

	snap := f.state.Snapshot()
	if snap.Error == "" {
		t.Error("snapshot carries no error message")
	}
}

func TestStartupPublishesInitialInventory(t *testing.T) {
	f := newFixture(t)
	f.inv.set(stickRecord(), mouseRecord())

	f.mustStartup(t)

	snap := f.state.Snapshot()
	if len(snap.Devices) != 2 {
		t.Fatalf("published %d devices, want 2", len(snap.Devices))
	}
	if len(snap.KnownDevices) != 2 {
		t.Fatalf("published %d known devices, want 2", len(snap.KnownDevices))
	}
	d := snap.KnownDevices[stickRecord().DeviceID]
	if d.TimesSeen != 1 || !d.CurrentlyConnected {
		t.Errorf("new device entry = %+v", d)
	}
	if len(snap.Events) != 0 {
		t.Errorf("startup produced %d events, want 0", len(snap.Events))
	}
	if f.store.saves == 0 {
		t.Error("ledger not persisted at startup")
	}
}

func TestStartupDoesNotCountSightingForKnownDevice(t *testing.T) {
	f := newFixture(t)

	// Ledger from a previous run: device seen 4 times, left connected.
	prior := model.NewLedger()
	prior.Devices[stickRecord().DeviceID] = model.KnownDevice{
		DeviceID:           stickRecord().DeviceID,
		Name:               "Cruzer Blade",
		FirstSeen:          testStart.Add(-24 * time.Hour),
		LastSeen:           testStart.Add(-time.Hour),
		TimesSeen:          4,
		CurrentlyConnected: true,
	}
	f.store.saved = prior
	f.inv.set(stickRecord())

	f.mustStartup(t)

	d := f.state.Snapshot().KnownDevices[stickRecord().DeviceID]
	if d.TimesSeen != 4 {
		t.Errorf("TimesSeen = %d, want 4 (restart is not a sighting)", d.TimesSeen)
	}
	if !d.FirstSeen.Equal(testStart.Add(-24 * time.Hour)) {
		t.Errorf("FirstSeen changed to %v", d.FirstSeen)
	}
	if !d.CurrentlyConnected {
		t.Error("device not re-marked connected")
	}
}

func TestStartupMarksAbsentDevicesDisconnected(t *testing.T) {
	f := newFixture(t)

	prior := model.NewLedger()
	prior.Devices["gone"] = model.KnownDevice{
		DeviceID: "gone", Name: "Old Stick", TimesSeen: 2, CurrentlyConnected: true,
	}
	f.store.saved = prior
	f.inv.set() // nothing attached

	f.mustStartup(t)

	d := f.state.Snapshot().KnownDevices["gone"]
	if d.CurrentlyConnected {
		t.Error("stale connected flag survived restart")
	}
}

func TestTickReplugCycle(t *testing.T) {
	f := newFixture(t)
	f.inv.set(mouseRecord())
	f.mustStartup(t)

	now := testStart

	// Unplug.
	f.inv.set()
	now = now.Add(time.Second)
	f.mon.tick(context.Background(), now)

	snap := f.state.Snapshot()
	if len(snap.Events) != 1 || snap.Events[0].Kind != model.EventDisconnect {
		t.Fatalf("events after unplug = %v", snap.Events)
	}
	if snap.KnownDevices[mouseRecord().DeviceID].CurrentlyConnected {
		t.Error("device still marked connected after unplug")
	}

	// Replug.
	f.inv.set(mouseRecord())
	now = now.Add(time.Second)
	f.mon.tick(context.Background(), now)

	snap = f.state.Snapshot()
	if len(snap.Events) != 2 || snap.Events[1].Kind != model.EventConnect {
		t.Fatalf("events after replug = %v", snap.Events)
	}
	d := snap.KnownDevices[mouseRecord().DeviceID]
	if d.TimesSeen != 2 {
		t.Errorf("TimesSeen = %d, want 2", d.TimesSeen)
	}
	if !d.LastSeen.Equal(now) {
		t.Errorf("LastSeen = %v, want %v", d.LastSeen, now)
	}

	// Both transitions reached the durable archive.
	if len(f.archive.events) != 2 {
		t.Errorf("archive holds %d events, want 2", len(f.archive.events))
	}
}

func TestTickSkippedOnQueryFailure(t *testing.T) {
	f := newFixture(t)
	f.inv.set(mouseRecord())
	f.mustStartup(t)

	// A failing query must not be treated as an empty inventory.
	f.inv.err = errors.New("transient failure")
	f.mon.tick(context.Background(), testStart.Add(time.Second))

	snap := f.state.Snapshot()
	if len(snap.Events) != 0 {
		t.Fatalf("failed tick produced events: %v", snap.Events)
	}

	// Recovery: same device still there, still no events.
	f.inv.err = nil
	f.mon.tick(context.Background(), testStart.Add(2*time.Second))
	if n := f.state.EventCount(); n != 0 {
		t.Errorf("recovered tick produced %d events, want 0", n)
	}
}

func TestNicknameSurvivesTicks(t *testing.T) {
	f := newFixture(t)
	f.inv.set(stickRecord())
	f.mustStartup(t)

	if !f.state.SetNickname(stickRecord().DeviceID, "backup stick") {
		t.Fatal("SetNickname() = false")
	}

	// Force a publish by unplugging and replugging.
	f.inv.set()
	f.mon.tick(context.Background(), testStart.Add(time.Second))
	f.inv.set(stickRecord())
	f.mon.tick(context.Background(), testStart.Add(2*time.Second))

	d := f.state.Snapshot().KnownDevices[stickRecord().DeviceID]
	if d.Nickname != "backup stick" {
		t.Errorf("Nickname = %q, want it preserved across the replug", d.Nickname)
	}
}

func TestForgetThenReconnectStartsFreshHistory(t *testing.T) {
	f := newFixture(t)
	f.inv.set(mouseRecord())
	f.mustStartup(t)

	f.state.Forget(mouseRecord().DeviceID)
	f.mon.tick(context.Background(), testStart.Add(time.Second))

	// Unplug, then replug.
	f.inv.set()
	f.mon.tick(context.Background(), testStart.Add(2*time.Second))
	f.inv.set(mouseRecord())
	reconnectAt := testStart.Add(3 * time.Second)
	f.mon.tick(context.Background(), reconnectAt)

	d, ok := f.state.Snapshot().KnownDevices[mouseRecord().DeviceID]
	if !ok {
		t.Fatal("reconnected device missing from known map")
	}
	if d.TimesSeen != 1 {
		t.Errorf("TimesSeen = %d, want 1 (fresh history)", d.TimesSeen)
	}
	if !d.FirstSeen.Equal(reconnectAt) {
		t.Errorf("FirstSeen = %v, want %v", d.FirstSeen, reconnectAt)
	}
}

func TestClearEventsFoldsIntoLoop(t *testing.T) {
	f := newFixture(t)
	f.inv.set(mouseRecord())
	f.mustStartup(t)

	// Build up some events.
	f.inv.set()
	f.mon.tick(context.Background(), testStart.Add(time.Second))
	f.inv.set(mouseRecord())
	f.mon.tick(context.Background(), testStart.Add(2*time.Second))
	if f.state.EventCount() != 2 {
		t.Fatalf("EventCount() = %d, want 2", f.state.EventCount())
	}

	f.state.ClearEvents()
	if f.state.EventCount() != 0 {
		t.Fatal("ClearEvents() did not empty the visible log")
	}

	// The next published snapshot must not resurrect cleared events.
	f.inv.set()
	f.mon.tick(context.Background(), testStart.Add(3*time.Second))

	snap := f.state.Snapshot()
	if len(snap.Events) != 1 {
		t.Fatalf("events after clear = %d, want only the new one", len(snap.Events))
	}
	if snap.Events[0].Kind != model.EventDisconnect {
		t.Errorf("surviving event kind = %q", snap.Events[0].Kind)
	}
}

func TestEnrichmentWaitsForGrace(t *testing.T) {
	f := newFixture(t)
	stick := stickRecord()
	f.enr.info[stick.DeviceID] = &model.StorageInfo{
		Model:      "Cruzer Blade",
		TotalBytes: 16 << 30,
		Volumes:    []model.VolumeInfo{{Mount: "/mnt/usb", FileSystem: "vfat"}},
	}

	f.inv.set() // nothing at startup
	f.mustStartup(t)

	// Plug in a storage device.
	f.inv.set(stick)
	connectAt := testStart.Add(time.Second)
	f.mon.tick(context.Background(), connectAt)

	if info := f.state.Snapshot().StorageInfo; len(info) != 0 {
		t.Fatalf("enriched before grace elapsed: %v", info)
	}

	// Still inside the grace window.
	f.mon.tick(context.Background(), connectAt.Add(time.Second))
	if info := f.state.Snapshot().StorageInfo; len(info) != 0 {
		t.Fatalf("enriched before grace elapsed: %v", info)
	}

	// Grace elapsed.
	f.mon.tick(context.Background(), connectAt.Add(DefaultEnrichGrace))

	snap := f.state.Snapshot()
	got, ok := snap.StorageInfo[stick.DeviceID]
	if !ok {
		t.Fatal("no storage info published after grace")
	}
	if got.Model != "Cruzer Blade" || len(got.Volumes) != 1 {
		t.Errorf("storage info = %+v", got)
	}

	// The ledger entry keeps a copy for offline inspection.
	d := snap.KnownDevices[stick.DeviceID]
	if d.StorageInfo == nil || d.StorageInfo.Model != "Cruzer Blade" {
		t.Error("ledger entry missing storage info")
	}
}

func TestEnrichmentMissIsOneShot(t *testing.T) {
	f := newFixture(t)
	stick := stickRecord() // enricher has no entry, every lookup misses

	f.inv.set()
	f.mustStartup(t)

	f.inv.set(stick)
	connectAt := testStart.Add(time.Second)
	f.mon.tick(context.Background(), connectAt)

	f.mon.tick(context.Background(), connectAt.Add(DefaultEnrichGrace))
	lookupsAfterMiss := f.enr.lookups

	// Further ticks never retry.
	f.mon.tick(context.Background(), connectAt.Add(2*DefaultEnrichGrace))
	f.mon.tick(context.Background(), connectAt.Add(3*DefaultEnrichGrace))
	if f.enr.lookups != lookupsAfterMiss {
		t.Errorf("lookups = %d, want %d (no retry after miss)", f.enr.lookups, lookupsAfterMiss)
	}
}

func TestEnrichmentSurvivesFailedQueryTick(t *testing.T) {
	f := newFixture(t)
	stick := stickRecord()
	f.enr.info[stick.DeviceID] = &model.StorageInfo{Model: "Cruzer Blade"}

	f.inv.set()
	f.mustStartup(t)

	f.inv.set(stick)
	connectAt := testStart.Add(time.Second)
	f.mon.tick(context.Background(), connectAt)

	// The grace elapses in the same tick the query fails: the lookup
	// succeeds and is persisted, but the tick aborts before publishing.
	f.inv.err = errors.New("transient failure")
	f.mon.tick(context.Background(), connectAt.Add(DefaultEnrichGrace))

	if f.store.saved.Devices[stick.DeviceID].StorageInfo == nil {
		t.Fatal("enrichment not persisted during the failed tick")
	}

	// The next clean tick has no events of its own, yet it must still
	// carry the pending enrichment out to observers.
	updates, cancel := f.state.Subscribe()
	defer cancel()
	f.inv.err = nil
	f.mon.tick(context.Background(), connectAt.Add(2*DefaultEnrichGrace))

	select {
	case snap := <-updates:
		if _, ok := snap.StorageInfo[stick.DeviceID]; !ok {
			t.Errorf("published snapshot lacks storage info: %v", snap.StorageInfo)
		}
	default:
		t.Fatal("enrichment from the failed tick never published")
	}
}

func TestForgetPublishesWithoutOtherChanges(t *testing.T) {
	f := newFixture(t)
	f.inv.set(mouseRecord())
	f.mustStartup(t)

	updates, cancel := f.state.Subscribe()
	defer cancel()

	// The device stays attached; the forget is the only change, and it
	// alone must produce a fresh snapshot.
	f.state.Forget(mouseRecord().DeviceID)
	f.mon.tick(context.Background(), testStart.Add(time.Second))

	select {
	case snap := <-updates:
		if _, ok := snap.KnownDevices[mouseRecord().DeviceID]; ok {
			t.Error("forgotten device resurfaced in the published snapshot")
		}
	default:
		t.Fatal("forget alone did not publish a snapshot")
	}
}

func TestNicknamePersistedByLoop(t *testing.T) {
	f := newFixture(t)
	f.inv.set(stickRecord())
	f.mustStartup(t)

	if !f.state.SetNickname(stickRecord().DeviceID, "backup stick") {
		t.Fatal("SetNickname() = false")
	}
	f.mon.tick(context.Background(), testStart.Add(time.Second))

	if got := f.store.saved.Devices[stickRecord().DeviceID].Nickname; got != "backup stick" {
		t.Errorf("persisted Nickname = %q, want %q", got, "backup stick")
	}
}

func TestStartupEnrichesAlreadyAttachedStorage(t *testing.T) {
	f := newFixture(t)
	stick := stickRecord()
	f.enr.info[stick.DeviceID] = &model.StorageInfo{Model: "Cruzer Blade"}
	f.inv.set(stick)

	f.mustStartup(t)

	// Already-mounted devices need no grace.
	if _, ok := f.state.Snapshot().StorageInfo[stick.DeviceID]; !ok {
		t.Error("attached storage device not enriched at startup")
	}
}

func TestNonStorageDeviceNeverEnriched(t *testing.T) {
	f := newFixture(t)
	f.inv.set()
	f.mustStartup(t)

	f.inv.set(mouseRecord())
	connectAt := testStart.Add(time.Second)
	f.mon.tick(context.Background(), connectAt)
	f.mon.tick(context.Background(), connectAt.Add(DefaultEnrichGrace))

	if f.enr.lookups != 0 {
		t.Errorf("lookups = %d, want 0 for a non-storage device", f.enr.lookups)
	}
}

func TestDisconnectDropsLiveStorageInfo(t *testing.T) {
	f := newFixture(t)
	stick := stickRecord()
	f.enr.info[stick.DeviceID] = &model.StorageInfo{Model: "Cruzer Blade"}
	f.inv.set(stick)
	f.mustStartup(t)

	f.inv.set()
	f.mon.tick(context.Background(), testStart.Add(time.Second))

	snap := f.state.Snapshot()
	if _, ok := snap.StorageInfo[stick.DeviceID]; ok {
		t.Error("live storage info survives disconnect")
	}
	// The ledger copy stays.
	if d := snap.KnownDevices[stick.DeviceID]; d.StorageInfo == nil {
		t.Error("ledger storage info dropped on disconnect")
	}
}

func TestNoPublishWhenNothingChanged(t *testing.T) {
	f := newFixture(t)
	f.inv.set(mouseRecord())
	f.mustStartup(t)

	updates, cancel := f.state.Subscribe()
	defer cancel()

	f.mon.tick(context.Background(), testStart.Add(time.Second))
	f.mon.tick(context.Background(), testStart.Add(2*time.Second))

	select {
	case snap := <-updates:
		t.Errorf("unchanged ticks published a snapshot: %d devices", len(snap.Devices))
	default:
	}
}

func TestPersistFailureKeepsLoopRunning(t *testing.T) {
	f := newFixture(t)
	f.inv.set(mouseRecord())
	f.mustStartup(t)

	f.store.fail = true
	f.inv.set()
	f.mon.tick(context.Background(), testStart.Add(time.Second))

	// The in-memory view still reflects the disconnect.
	snap := f.state.Snapshot()
	if len(snap.Events) != 1 {
		t.Errorf("events = %d, want 1 despite save failure", len(snap.Events))
	}
	if snap.KnownDevices[mouseRecord().DeviceID].CurrentlyConnected {
		t.Error("in-memory ledger not updated on save failure")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	f.inv.set()
	f.mon.cfg.PollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop on context cancel")
	}
}
