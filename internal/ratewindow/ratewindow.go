package ratewindow

import (
	"sync"
	"time"
)

// Window is a sliding-window counter of event timestamps keyed by an opaque
// string. Resolution is event-level: every recorded timestamp is kept until it
// ages past the window length, bounded by a per-key ceiling. State is held in
// memory only; a restart clears all windows.
type Window struct {
	length  time.Duration
	ceiling int

	mu   sync.Mutex
	keys map[string]*bucket
}

type bucket struct {
	times     []time.Time
	saturated bool
	lastSeen  time.Time
}

const defaultCeiling = 256

func New(length time.Duration, ceiling int) *Window {
	if ceiling <= 0 {
		ceiling = defaultCeiling
	}
	return &Window{
		length:  length,
		ceiling: ceiling,
		keys:    map[string]*bucket{},
	}
}

// Record appends ts for key and returns the in-window count after eviction.
// When the ceiling is hit the oldest entry is dropped and the key is marked
// saturated, so the count stays pinned at the ceiling instead of under-reporting.
func (w *Window) Record(key string, ts time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.keys[key]
	if !ok {
		b = &bucket{}
		w.keys[key] = b
	}
	b.times = append(b.times, ts)
	b.lastSeen = ts
	b.evict(ts.Add(-w.length))
	if len(b.times) > w.ceiling {
		b.times = b.times[len(b.times)-w.ceiling:]
		b.saturated = true
	}
	return len(b.times)
}

// Count returns the in-window count for key as of ts, without recording.
func (w *Window) Count(key string, ts time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.keys[key]
	if !ok {
		return 0
	}
	b.evict(ts.Add(-w.length))
	if len(b.times) == 0 && !b.saturated {
		delete(w.keys, key)
		return 0
	}
	return len(b.times)
}

// Saturated reports whether key ever hit the ceiling since its last reset.
func (w *Window) Saturated(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.keys[key]
	return ok && b.saturated
}

// Reset drops all state for key.
func (w *Window) Reset(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.keys, key)
}

// Sweep evicts keys idle longer than the window length, bounding memory for
// subjects that went quiet. Called periodically by the owning detector.
func (w *Window) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.length)
	removed := 0
	for key, b := range w.keys {
		if b.lastSeen.Before(cutoff) {
			delete(w.keys, key)
			removed++
		}
	}
	return removed
}

func (b *bucket) evict(cutoff time.Time) {
	idx := 0
	for idx < len(b.times) && b.times[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.times = b.times[idx:]
	}
}
