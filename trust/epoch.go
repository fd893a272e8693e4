package trust

import "time"

// Epoch is a contiguous wall-clock window aligned to the Unix epoch:
// epoch e covers [e*interval, (e+1)*interval).
type Epoch uint64

// Next returns the following epoch.
func (e Epoch) Next() Epoch {
	return e + 1
}

// Previous returns the preceding epoch, saturating at zero.
func (e Epoch) Previous() Epoch {
	if e == 0 {
		return 0
	}
	return e - 1
}

// EpochAt returns the epoch containing the given instant. All epoch math is
// a pure function of the supplied time so callers can test boundaries
// without a real clock; CurrentEpoch binds it to the system clock.
func EpochAt(now time.Time, interval time.Duration) Epoch {
	if interval <= 0 {
		return 0
	}
	ns := now.UnixNano()
	if ns < 0 {
		return 0
	}
	return Epoch(uint64(ns) / uint64(interval.Nanoseconds()))
}

// UntilNextEpoch returns the duration from now until the next epoch
// boundary. At an exact boundary it returns a full interval.
func UntilNextEpoch(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	next := (uint64(EpochAt(now, interval)) + 1) * uint64(interval.Nanoseconds())
	return time.Duration(next - uint64(now.UnixNano()))
}

// CurrentEpoch returns the epoch containing the present moment.
func CurrentEpoch(interval time.Duration) Epoch {
	return EpochAt(time.Now(), interval)
}
