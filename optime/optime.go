// Package optime converts oplog compound timestamps to and from ordinals.
package optime

import (
	"fmt"
	"time"
)

// CounterBits is the number of low bits holding the per-second counter.
const CounterBits = 32

// CounterMask masks the counter component out of an ordinal
const CounterMask = (1 << CounterBits) - 1

// Timestamp is the oplog's compound timestamp: the Counter-th change
// recorded within second Seconds.
type Timestamp struct {
	Seconds uint32
	Counter uint32
}

// Encode packs a compound timestamp into a single ordinal.
// Format: (seconds << 32) | counter
func Encode(seconds, counter uint32) uint64 {
	return uint64(seconds)<<CounterBits | uint64(counter)
}

// Decode is the inverse of Encode.
func Decode(ordinal uint64) (seconds, counter uint32) {
	return uint32(ordinal >> CounterBits), uint32(ordinal & CounterMask)
}

// FromOrdinal builds a Timestamp from its ordinal form
func FromOrdinal(ordinal uint64) Timestamp {
	s, c := Decode(ordinal)
	return Timestamp{Seconds: s, Counter: c}
}

// Ordinal returns the 64-bit form used for storage and comparison
func (t Timestamp) Ordinal() uint64 {
	return Encode(t.Seconds, t.Counter)
}

// IsZero reports whether t is the zero timestamp
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Counter == 0
}

// Compare compares two timestamps
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func Compare(a, b Timestamp) int {
	if a.Seconds < b.Seconds {
		return -1
	}
	if a.Seconds > b.Seconds {
		return 1
	}

	// Same second, compare counter
	if a.Counter < b.Counter {
		return -1
	}
	if a.Counter > b.Counter {
		return 1
	}

	return 0
}

// Less returns true if a was recorded before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// Equal returns true if timestamps are equal
func Equal(a, b Timestamp) bool {
	return Compare(a, b) == 0
}

// After returns true if a was recorded after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// Time returns the seconds component as time.Time
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t.Seconds), 0).UTC()
}

// String returns a human-readable representation
func (t Timestamp) String() string {
	return fmt.Sprintf("%s#%d", t.Time().Format(time.RFC3339), t.Counter)
}

// Lag returns how far t trails now. Never negative.
func (t Timestamp) Lag(now time.Time) time.Duration {
	d := now.Sub(t.Time())
	if d < 0 {
		return 0
	}
	return d
}
