package watcher

import (
	"testing"
	"time"
)

func TestProgressTrackerNeverDecreases(t *testing.T) {
	p := NewProgressTracker(0, 95)
	steps := []struct {
		synthetic bool
		in        int
		want      int
	}{
		{false, 30, 30},
		{false, 20, 30},
		{true, 25, 30},
		{true, 60, 60},
		{true, 120, 95},
		{false, 90, 95},
		{false, 100, 99},
		{false, -5, 99},
	}
	for i, s := range steps {
		var got int
		if s.synthetic {
			got = p.ObserveSynthetic(s.in)
		} else {
			got = p.Observe(s.in)
		}
		if got != s.want {
			t.Fatalf("step %d: got %d want %d", i, got, s.want)
		}
	}
	if got := p.Complete(); got != 100 {
		t.Fatalf("Complete=%d", got)
	}
}

func TestProgressTrackerStartsAtFloor(t *testing.T) {
	p := NewProgressTracker(10, 95)
	if got := p.Observe(3); got != 10 {
		t.Fatalf("Observe below floor=%d want 10", got)
	}
}

func TestSyntheticProgressApproachesCap(t *testing.T) {
	prev := -1
	for _, d := range []time.Duration{0, time.Second, 30 * time.Second, time.Minute, 5 * time.Minute, 10 * time.Hour} {
		got := SyntheticProgress(d, time.Minute, 95)
		if got < prev {
			t.Fatalf("synthetic progress went backwards at %s: %d < %d", d, got, prev)
		}
		if got > 95 {
			t.Fatalf("synthetic progress %d above cap at %s", got, d)
		}
		prev = got
	}
	if got := SyntheticProgress(time.Minute, time.Minute, 95); got != 60 {
		t.Fatalf("one tau=%d want 60", got)
	}
}
