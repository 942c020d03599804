// Package monitor runs the reconciliation loop: poll the inventory,
// diff against the previous tick, merge into the ledger, drain matured
// enrichment lookups, fold in external mutations and publish a snapshot.
package monitor

import (
	"context"
	"time"

	"github.com/martinsuchenak/usbtrackd/internal/diff"
	"github.com/martinsuchenak/usbtrackd/internal/enrich"
	"github.com/martinsuchenak/usbtrackd/internal/inventory"
	"github.com/martinsuchenak/usbtrackd/internal/ledger"
	"github.com/martinsuchenak/usbtrackd/internal/log"
	"github.com/martinsuchenak/usbtrackd/internal/model"
	"github.com/martinsuchenak/usbtrackd/internal/storage"
)

// Defaults for the loop's timing knobs.
const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultEnrichGrace  = 2 * time.Second
)

// Archiver receives every event batch for durable storage.
type Archiver interface {
	Append(events []model.DeviceEvent) error
}

// Config holds the loop's timing configuration.
type Config struct {
	PollInterval time.Duration
	EnrichGrace  time.Duration
}

// Monitor owns the authoritative ledger and the transient per-tick
// state. Everything here is touched only from the loop goroutine;
// sharing happens exclusively through State.
type Monitor struct {
	cfg      Config
	inv      inventory.Source
	enricher enrich.Source
	store    storage.LedgerStore
	archive  Archiver
	state    *State
	sched    *enrich.Scheduler
	clock    func() time.Time

	led          *model.Ledger
	prev         map[string]model.DeviceRecord
	events       []model.DeviceEvent
	liveInfo     map[string]model.StorageInfo
	lastClearGen uint64
	needPublish  bool
}

// New assembles a monitor. archive may be nil.
func New(cfg Config, inv inventory.Source, enricher enrich.Source,
	store storage.LedgerStore, archive Archiver, state *State) *Monitor {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.EnrichGrace <= 0 {
		cfg.EnrichGrace = DefaultEnrichGrace
	}

	return &Monitor{
		cfg:      cfg,
		inv:      inv,
		enricher: enricher,
		store:    store,
		archive:  archive,
		state:    state,
		sched:    enrich.NewScheduler(cfg.EnrichGrace),
		clock:    time.Now,
		liveInfo: make(map[string]model.StorageInfo),
	}
}

// Run executes the loop until ctx is cancelled. A startup failure is
// published as a persistent error in the snapshot and ends the loop; no
// further polling happens.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.startup(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx, m.clock())
		}
	}
}

// startup performs the initial inventory query, rebases the ledger onto
// it and runs an immediate enrichment pass over connected storage
// devices (they mounted long ago, no grace needed).
func (m *Monitor) startup(ctx context.Context) error {
	current, err := m.inv.Query(ctx)
	if err != nil {
		log.Error("Initial device query failed", "error", err)
		m.state.SetError("Failed to query devices: " + err.Error())
		return err
	}

	led, err := m.store.Load()
	if err != nil {
		return err
	}
	m.led = led

	now := m.clock()
	ledger.MarkAllDisconnected(m.led)
	for _, rec := range current {
		ledger.MergeInitial(m.led, rec, now)
	}
	m.saveLedger()

	for id, rec := range current {
		if !enrich.IsStorageDevice(rec) {
			continue
		}
		m.lookup(ctx, id)
	}

	m.prev = current
	m.publish(current)
	log.Info("Monitoring started", "devices", len(current))
	return nil
}

// tick is one reconciliation pass. Ordering matters: clear requests fold
// first, then matured enrichment lookups drain, then events are computed
// and merged (disconnects before connects), then forgets and renames are
// folded in, and only then is a snapshot published.
func (m *Monitor) tick(ctx context.Context, now time.Time) {
	// Fold clear-log requests first so they cannot swallow events
	// produced later in this same pass.
	if gen := m.state.ClearGeneration(); gen != m.lastClearGen {
		m.events = nil
		m.lastClearGen = gen
	}

	enriched := false
	for _, id := range m.sched.Due(now) {
		if m.lookup(ctx, id) {
			enriched = true
		}
	}

	current, err := m.inv.Query(ctx)
	if err != nil {
		// The enrichment is already merged and saved; carry the
		// publish over so observers see it once a tick succeeds.
		if enriched {
			m.needPublish = true
		}
		log.Warn("Device query failed, skipping tick", "error", err)
		return
	}

	newEvents := diff.Events(m.prev, current, now)
	if len(newEvents) > 0 {
		m.applyEvents(newEvents, current, now)
	}

	synced := m.syncExternal()

	if len(newEvents) > 0 || enriched || synced || m.needPublish || len(m.prev) != len(current) {
		m.publish(current)
		m.needPublish = false
	}

	m.prev = current
}

func (m *Monitor) applyEvents(newEvents []model.DeviceEvent, current map[string]model.DeviceRecord, now time.Time) {
	var enrichIDs []string

	for _, e := range newEvents {
		switch e.Kind {
		case model.EventDisconnect:
			log.Info("Device disconnected", "name", e.Name, "vid_pid", e.VIDPID, "device_id", e.DeviceID)
			ledger.ApplyDisconnect(m.led, e.DeviceID, now)
			delete(m.liveInfo, e.DeviceID)
		case model.EventConnect:
			log.Info("Device connected", "name", e.Name, "vid_pid", e.VIDPID, "device_id", e.DeviceID)
			rec, ok := current[e.DeviceID]
			if !ok {
				continue
			}
			ledger.ApplyConnect(m.led, rec, now)
			if enrich.IsStorageDevice(rec) {
				enrichIDs = append(enrichIDs, e.DeviceID)
			}
		}
	}

	m.events = append(m.events, newEvents...)
	m.saveLedger()

	if m.archive != nil {
		if err := m.archive.Append(newEvents); err != nil {
			log.Warn("Archiving events failed", "error", err)
		}
	}

	for _, id := range enrichIDs {
		m.sched.Schedule(id, now)
	}
}

// syncExternal reconciles renames and forgets applied through State
// since the last tick. External wins for nickname and forget; the loop
// wins for everything else. Returns whether the ledger changed, so the
// tick republishes the reconciled view.
func (m *Monitor) syncExternal() bool {
	changed := false
	for _, id := range ledger.Forget(m.led, m.state.TakeForgets()) {
		delete(m.liveInfo, id)
		log.Info("Device forgotten", "device_id", id)
		changed = true
	}

	if ledger.SyncNicknames(m.led, m.state.KnownDevices()) {
		changed = true
	}
	if changed {
		m.saveLedger()
	}
	return changed
}

// lookup runs one enrichment attempt. A miss is routine: the lookup is
// not rescheduled, matching the one-shot contract.
func (m *Monitor) lookup(ctx context.Context, deviceID string) bool {
	info, err := m.enricher.Lookup(ctx, deviceID)
	if err != nil {
		log.Debug("Enrichment lookup failed", "device_id", deviceID, "error", err)
		return false
	}
	if info == nil {
		log.Debug("Enrichment found no match", "device_id", deviceID)
		return false
	}

	log.Info("Device enriched", "device_id", deviceID, "model", info.Model, "volumes", len(info.Volumes))
	m.liveInfo[deviceID] = info.Clone()
	ledger.SetStorageInfo(m.led, deviceID, *info)
	m.saveLedger()
	return true
}

func (m *Monitor) publish(current map[string]model.DeviceRecord) {
	devices := make([]model.DeviceSummary, 0, len(current))
	for _, rec := range current {
		devices = append(devices, model.Summarize(rec))
	}

	events := make([]model.DeviceEvent, len(m.events))
	copy(events, m.events)

	liveInfo := make(map[string]model.StorageInfo, len(m.liveInfo))
	for id, info := range m.liveInfo {
		liveInfo[id] = info.Clone()
	}

	m.state.Publish(devices, events, model.CloneDevices(m.led.Devices), liveInfo)
}

// saveLedger persists after every mutation. Write errors are logged and
// swallowed; the in-memory ledger stays authoritative.
func (m *Monitor) saveLedger() {
	if err := m.store.Save(m.led); err != nil {
		log.Warn("Persisting ledger failed", "error", err)
	}
}
