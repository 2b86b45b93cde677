package timers

import (
	"sync"
	"time"
)

// Debouncer runs a callback once a quiet period has elapsed since the last
// Reset. A Reset replaces the pending callback instead of queuing a second one.
type Debouncer struct {
	clock Clock
	quiet time.Duration

	mu      sync.Mutex
	timer   Timer
	gen     uint64
	closed  bool
	expires time.Time
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(clock Clock, quiet time.Duration) *Debouncer {
	if clock == nil {
		clock = Real()
	}
	return &Debouncer{clock: clock, quiet: quiet}
}

// Reset schedules f after the quiet period, cancelling any pending callback.
// Returns false once the debouncer is closed.
func (d *Debouncer) Reset(f func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.expires = d.clock.Now().Add(d.quiet)
	d.timer = d.clock.AfterFunc(d.quiet, func() {
		d.mu.Lock()
		// A superseded timer that raced past Stop must not fire.
		if d.closed || gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		f()
	})
	return true
}

// ExpiresAt returns the deadline of the pending callback, or zero.
func (d *Debouncer) ExpiresAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return time.Time{}
	}
	return d.expires
}

// Cancel drops the pending callback, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// Close cancels the pending callback and rejects further Resets.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
