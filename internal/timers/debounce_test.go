package timers

import (
	"testing"
	"time"
)

func TestDebouncerFiresAfterQuietPeriod(t *testing.T) {
	clock := NewManual(time.Unix(0, 0))
	d := NewDebouncer(clock, 1500*time.Millisecond)

	fired := 0
	d.Reset(func() { fired++ })

	clock.Advance(1499 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired = %d before quiet period, want 0", fired)
	}
	clock.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d after quiet period, want 1", fired)
	}
}

func TestDebouncerResetReplacesPending(t *testing.T) {
	clock := NewManual(time.Unix(0, 0))
	d := NewDebouncer(clock, 1500*time.Millisecond)

	fired := 0
	d.Reset(func() { fired++ })
	clock.Advance(500 * time.Millisecond)
	d.Reset(func() { fired++ })

	if clock.Pending() != 1 {
		t.Errorf("pending = %d, want 1 (replaced, not queued)", clock.Pending())
	}

	// 1500ms after the first reset: nothing.
	clock.Advance(1000 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired = %d at first deadline, want 0", fired)
	}
	clock.Advance(500 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d at second deadline, want 1", fired)
	}
}

func TestDebouncerCloseCancels(t *testing.T) {
	clock := NewManual(time.Unix(0, 0))
	d := NewDebouncer(clock, time.Second)

	fired := false
	d.Reset(func() { fired = true })
	d.Close()
	clock.Advance(2 * time.Second)
	if fired {
		t.Error("callback fired after Close")
	}
	if d.Reset(func() {}) {
		t.Error("Reset after Close should return false")
	}
}

func TestDebouncerExpiresAt(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewManual(start)
	d := NewDebouncer(clock, time.Second)
	if !d.ExpiresAt().IsZero() {
		t.Error("ExpiresAt should be zero with nothing pending")
	}
	d.Reset(func() {})
	if got, want := d.ExpiresAt(), start.Add(time.Second); !got.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got, want)
	}
	d.Cancel()
	if !d.ExpiresAt().IsZero() {
		t.Error("ExpiresAt should be zero after Cancel")
	}
}
