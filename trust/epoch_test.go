package trust

import (
	"testing"
	"time"
)

func TestEpochAt(t *testing.T) {
	const interval = 4 * time.Second
	tests := []struct {
		at   time.Duration // offset from the Unix epoch
		want Epoch
	}{
		{0, 0},
		{3500 * time.Millisecond, 0},
		{4 * time.Second, 1},
		{7999 * time.Millisecond, 1},
		{8 * time.Second, 2},
		{100 * time.Second, 25},
	}
	for _, tt := range tests {
		now := time.Unix(0, tt.at.Nanoseconds())
		if got := EpochAt(now, interval); got != tt.want {
			t.Errorf("EpochAt(%v) = %d, want %d", tt.at, got, tt.want)
		}
	}
}

// With a 4s epoch and the clock at t=3.5s, the first epoch boundary is half
// a second away; the first iteration tick follows one iteration interval
// after that.
func TestUntilNextEpochBoundary(t *testing.T) {
	const interval = 4 * time.Second
	now := time.Unix(0, (3500 * time.Millisecond).Nanoseconds())

	until := UntilNextEpoch(now, interval)
	if until != 500*time.Millisecond {
		t.Fatalf("UntilNextEpoch = %v, want 500ms", until)
	}

	boundary := now.Add(until)
	if got := EpochAt(boundary, interval); got != 1 {
		t.Fatalf("epoch at boundary = %d, want 1", got)
	}

	// At an exact boundary a full interval remains until the next one.
	if got := UntilNextEpoch(boundary, interval); got != interval {
		t.Fatalf("UntilNextEpoch at boundary = %v, want %v", got, interval)
	}
}

func TestEpochNextPrevious(t *testing.T) {
	if Epoch(5).Next() != 6 {
		t.Error("Next")
	}
	if Epoch(5).Previous() != 4 {
		t.Error("Previous")
	}
	if Epoch(0).Previous() != 0 {
		t.Error("Previous should saturate at zero")
	}
}
