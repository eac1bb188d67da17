package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresInOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(30*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(15*time.Second, func() { fired = append(fired, "a") })
	late := c.AfterFunc(time.Minute, func() { fired = append(fired, "late") })

	c.Advance(45 * time.Second)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("unexpected firing order: %v", fired)
	}
	if got := c.Now(); !got.Equal(start.Add(45 * time.Second)) {
		t.Fatalf("clock at %v, want %v", got, start.Add(45*time.Second))
	}
	if !late.Stop() {
		t.Fatal("expected Stop to report a pending timer")
	}
	c.Advance(time.Hour)
	if len(fired) != 2 {
		t.Fatalf("stopped timer fired: %v", fired)
	}
	if c.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.Pending())
	}
}

func TestFakeTimerRegisteredDuringAdvance(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	c.AfterFunc(time.Second, func() {
		count++
		c.AfterFunc(time.Second, func() { count++ })
	})
	c.Advance(3 * time.Second)
	if count != 2 {
		t.Fatalf("expected chained timer to fire, count=%d", count)
	}
}
