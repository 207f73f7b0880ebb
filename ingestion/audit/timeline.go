// Package audit keeps a bounded in-memory timeline of per-record stage
// transitions for debug snapshots. The durable audit log lives in the store;
// this is the operator's "what happened to record X just now" view.
package audit

import (
	"sync"
	"time"
)

type Event struct {
	ContentHash string            `json:"content_hash"`
	Stage       string            `json:"stage"` // COLLECTED, ROUTED, CLASSIFYING, PARKED, DEDUPLICATING, VALIDATING, PUBLISHED, REVIEW, REJECTED, DEAD_LETTERED
	Collector   string            `json:"collector"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

const defaultCapacity = 4096

// Timeline is a fixed-capacity ring of events. Oldest entries are evicted
// once capacity is reached.
type Timeline struct {
	events []Event
	next   int
	full   bool
	mu     sync.RWMutex
}

func NewTimeline() *Timeline {
	return &Timeline{events: make([]Event, defaultCapacity)}
}

func (t *Timeline) Record(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	t.events[t.next] = e
	t.next++
	if t.next == len(t.events) {
		t.next = 0
		t.full = true
	}
}

// Events returns all retained events for one record, oldest first.
func (t *Timeline) Events(contentHash string) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var results []Event
	for _, e := range t.snapshotLocked() {
		if e.ContentHash == contentHash {
			results = append(results, e)
		}
	}
	return results
}

// Recent returns up to n most recent events, oldest first.
func (t *Timeline) Recent(n int) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := t.snapshotLocked()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]Event, len(all))
	copy(out, all)
	return out
}

func (t *Timeline) snapshotLocked() []Event {
	if !t.full {
		return t.events[:t.next]
	}
	out := make([]Event, 0, len(t.events))
	out = append(out, t.events[t.next:]...)
	out = append(out, t.events[:t.next]...)
	return out
}
