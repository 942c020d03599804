package enrich

import "time"

// Scheduler is the delay queue of enrichment lookups. Entries mature
// after a fixed grace period and are handed back exactly once; a lookup
// that misses is not rescheduled. Entries for devices that disconnect
// while pending are left to mature and fail harmlessly.
//
// The scheduler is owned by the reconciliation loop and is not safe for
// concurrent use.
type Scheduler struct {
	grace   time.Duration
	pending []pendingLookup
}

type pendingLookup struct {
	deviceID    string
	scheduledAt time.Time
}

// NewScheduler returns a scheduler with the given grace period.
func NewScheduler(grace time.Duration) *Scheduler {
	return &Scheduler{grace: grace}
}

// Schedule queues a lookup for deviceID, maturing grace after now.
func (s *Scheduler) Schedule(deviceID string, now time.Time) {
	s.pending = append(s.pending, pendingLookup{deviceID: deviceID, scheduledAt: now})
}

// Due removes and returns the device IDs whose entries have matured.
func (s *Scheduler) Due(now time.Time) []string {
	var ready []string
	remaining := s.pending[:0]
	for _, p := range s.pending {
		if now.Sub(p.scheduledAt) >= s.grace {
			ready = append(ready, p.deviceID)
		} else {
			remaining = append(remaining, p)
		}
	}
	s.pending = remaining
	return ready
}

// Len returns the number of pending entries.
func (s *Scheduler) Len() int {
	return len(s.pending)
}
