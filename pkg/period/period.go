// Package period maps wall-clock instants to the four daily merge windows.
//
// All pipeline scoping keys are of the form "YYYY-MM-DD_<MORN|AM|PM|EVE>",
// resolved in Asia/Shanghai regardless of the host timezone.
package period

import (
	"fmt"
	"strings"
	"time"
)

// Period is one of the four daily merge windows.
type Period string

const (
	Morn Period = "MORN" // before 10:00
	AM   Period = "AM"   // 10:00–13:59
	PM   Period = "PM"   // 14:00–19:59
	Eve  Period = "EVE"  // 20:00 onward
)

// TimezoneName is the fixed timezone all period math runs in.
const TimezoneName = "Asia/Shanghai"

var location *time.Location

func init() {
	loc, err := time.LoadLocation(TimezoneName)
	if err != nil {
		// tzdata missing from the host; a fixed offset is correct for
		// Asia/Shanghai, which has no DST.
		loc = time.FixedZone("CST", 8*3600)
	}
	location = loc
}

// Location returns the Asia/Shanghai location used for all period math.
func Location() *time.Location {
	return location
}

// Of returns the period for the given instant, resolved in Asia/Shanghai.
func Of(t time.Time) Period {
	switch h := t.In(location).Hour(); {
	case h < 10:
		return Morn
	case h < 14:
		return AM
	case h < 20:
		return PM
	default:
		return Eve
	}
}

// Key returns the composite period key for the given instant, e.g.
// "2025-11-07_PM".
func Key(t time.Time) string {
	local := t.In(location)
	return fmt.Sprintf("%s_%s", local.Format("2006-01-02"), Of(t))
}

// Now returns the period key for the current instant.
func Now() string {
	return Key(time.Now())
}

// Valid reports whether p is one of the four known periods.
func (p Period) Valid() bool {
	switch p {
	case Morn, AM, PM, Eve:
		return true
	}
	return false
}

// ParseKey splits a composite key into its date and period parts.
func ParseKey(key string) (date time.Time, p Period, err error) {
	idx := strings.LastIndexByte(key, '_')
	if idx < 0 {
		return time.Time{}, "", fmt.Errorf("malformed period key %q: missing separator", key)
	}
	date, err = time.ParseInLocation("2006-01-02", key[:idx], location)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("malformed period key %q: %w", key, err)
	}
	p = Period(key[idx+1:])
	if !p.Valid() {
		return time.Time{}, "", fmt.Errorf("malformed period key %q: unknown period %q", key, key[idx+1:])
	}
	return date, p, nil
}

// ScheduledPeriod maps a stage-run hour (the cron hours 8/12/18/22) to the
// period that run is responsible for. The 08:05 run closes out the items
// collected before 10:00 of the same day, and so on.
func ScheduledPeriod(hour int) Period {
	switch {
	case hour < 10:
		return Morn
	case hour < 14:
		return AM
	case hour < 20:
		return PM
	default:
		return Eve
	}
}
