package geofence

import (
	"sync"
	"time"
)

// snoozeTable maps fence ids to an absolute unmute time. It is held in
// memory only: a process restart re-arms every fence, which is acceptable for
// a soft debounce. Lookups are self-expiring so no sweep goroutine is needed.
type snoozeTable struct {
	mu    sync.Mutex
	now   func() time.Time
	until map[string]time.Time
}

func newSnoozeTable(now func() time.Time) *snoozeTable {
	return &snoozeTable{now: now, until: make(map[string]time.Time)}
}

// Snooze quiets the fence until now + d. A zero duration un-snoozes
// immediately.
func (t *snoozeTable) Snooze(id string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until[id] = t.now().Add(d)
}

// IsSnoozed reports whether the fence is currently quieted. Unknown ids are
// never snoozed.
func (t *snoozeTable) IsSnoozed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	unmute, ok := t.until[id]
	if !ok {
		return false
	}
	return t.now().Before(unmute)
}

// Clear drops the entry for a removed fence.
func (t *snoozeTable) Clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.until, id)
}

// Reset drops every entry.
func (t *snoozeTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.until = make(map[string]time.Time)
}
