// Package syncwire converts patients and clinical notes to and from the JSON
// shape exchanged with offline clients. All timestamps on the wire are integer
// milliseconds since the Unix epoch.
package syncwire

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ekaya-inc/patient-sync/pkg/jsonutil"
)

// minPlausibleMillis is the smallest value accepted as a millisecond timestamp.
// Anything below looks like seconds (or garbage) and is repaired.
const minPlausibleMillis int64 = 1_000_000_000_000

// minPlausibleTime is the earliest date a record can legitimately carry.
var minPlausibleTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Millis is an epoch-millisecond timestamp as sent by a client.
// Decoding never fails: null, strings that are not numbers and other junk
// decode to zero, which Repair then replaces with the current time.
type Millis int64

// UnmarshalJSON accepts numbers and numeric strings.
func (m *Millis) UnmarshalJSON(data []byte) error {
	v, ok := jsonutil.FlexibleInt64(json.RawMessage(data))
	if !ok {
		*m = 0
		return nil
	}
	*m = Millis(v)
	return nil
}

// MarshalJSON always writes a bare integer.
func (m Millis) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(m), 10), nil
}

// IsCorrupt reports whether ms would be replaced by Repair.
func IsCorrupt(ms int64) bool {
	return ms < minPlausibleMillis || ms < minPlausibleTime.UnixMilli()
}

// Repair returns ms unchanged when it is a plausible millisecond timestamp,
// otherwise now in milliseconds. A repaired value is a fixed point.
func Repair(ms int64, now time.Time) int64 {
	if IsCorrupt(ms) {
		return now.UnixMilli()
	}
	return ms
}

// RepairTime is Repair for a value headed into the store.
func RepairTime(ms Millis, now time.Time) time.Time {
	return ToTime(Repair(int64(ms), now))
}

// FromTime converts a stored timestamp for the wire, repairing zero or
// implausible dates the same way ingest does.
func FromTime(t time.Time, now time.Time) Millis {
	if t.IsZero() {
		return Millis(now.UnixMilli())
	}
	return Millis(Repair(t.UnixMilli(), now))
}

// ToTime converts epoch milliseconds to a UTC time.
func ToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Watermark converts a client's last_pulled_at into the time changes are
// compared against. Nil, zero and negative values mean "since the beginning".
func Watermark(ms *Millis) time.Time {
	if ms == nil || *ms <= 0 {
		return time.Time{}
	}
	return ToTime(int64(*ms))
}

// WatermarkMillis is the inverse of Watermark, used for cursors and logging.
func WatermarkMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
