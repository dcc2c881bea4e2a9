// Package flow provides timer implementations for delayed node resumption.
package flow

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer schedules one-shot callbacks. Delay nodes use it to resume a paused
// branch.
type Timer interface {
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	Cancel(id string) bool
}

// timerEntry tracks information about a scheduled timer.
type timerEntry struct {
	timer     *time.Timer
	expiresAt time.Time
}

// SimpleTimer implements Timer using the standard time package.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.Mutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	return &SimpleTimer{timers: make(map[string]*timerEntry)}
}

// ScheduleAfter schedules a function to run after a delay.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("timer_%d", t.nextID)
	t.mu.Unlock()

	slog.Debug("SimpleTimer ScheduleAfter", "id", id, "delay", delay)

	timer := time.AfterFunc(delay, func() {
		fn()
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
	})

	t.mu.Lock()
	t.timers[id] = &timerEntry{timer: timer, expiresAt: time.Now().Add(delay)}
	t.mu.Unlock()
	return id, nil
}

// Cancel stops a scheduled timer. Returns false when the timer already fired
// or does not exist.
func (t *SimpleTimer) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[id]
	if !ok {
		return false
	}
	delete(t.timers, id)
	return entry.timer.Stop()
}
