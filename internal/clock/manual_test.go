package clock

import (
	"testing"
	"time"
)

func TestManualEveryFiresPerInterval(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var fired int
	timer := m.Every(5*time.Second, func() { fired++ })

	m.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatalf("fired = %d before first interval", fired)
	}
	m.Advance(11 * time.Second)
	if fired != 3 {
		t.Fatalf("fired = %d, want 3", fired)
	}

	timer.Stop()
	m.Advance(time.Minute)
	if fired != 3 {
		t.Fatalf("stopped timer fired again: %d", fired)
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", m.Pending())
	}
}

func TestManualAfterFiresOnce(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var at time.Time
	m.After(time.Minute, func() { at = m.Now() })

	m.Advance(2 * time.Minute)
	if !at.Equal(time.Unix(60, 0)) {
		t.Fatalf("callback observed %s, want t+60s", at)
	}
	if m.Pending() != 0 {
		t.Fatalf("one-shot timer still pending")
	}
}

func TestManualCallbackCanStopItselfAndSchedule(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var ticks, resumed int
	var ticker Timer
	ticker = m.Every(time.Second, func() {
		ticks++
		ticker.Stop()
		m.After(10*time.Second, func() { resumed++ })
	})

	m.Advance(30 * time.Second)
	if ticks != 1 || resumed != 1 {
		t.Fatalf("ticks=%d resumed=%d, want 1 and 1", ticks, resumed)
	}
}
