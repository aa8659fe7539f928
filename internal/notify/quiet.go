package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // user timezones must resolve in minimal containers

	"github.com/lalithlochan/herald/internal/db"
)

// parseClock converts "HH:MM" to minutes past midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// IsSuppressed reports whether now falls inside the user's quiet hours.
//
// Both bounds are inclusive. A window with start <= end is a same-day
// window; start > end wraps midnight and suppresses from start until end
// the next morning. now is evaluated in the preference's timezone, falling
// back to UTC when the zone is unknown. Unparseable bounds never suppress.
func IsSuppressed(now time.Time, prefs *db.Preferences) bool {
	if prefs == nil || !prefs.QuietHoursEnabled {
		return false
	}

	start, err := parseClock(prefs.QuietHoursStart)
	if err != nil {
		return false
	}
	end, err := parseClock(prefs.QuietHoursEnd)
	if err != nil {
		return false
	}

	loc, err := time.LoadLocation(prefs.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	current := local.Hour()*60 + local.Minute()

	if start <= end {
		return start <= current && current <= end
	}
	return current >= start || current <= end
}

// IsEligible reports whether the user opted in to announcements of type t.
// Unknown types are never eligible.
func IsEligible(t db.AnnouncementType, prefs *db.Preferences) bool {
	if prefs == nil {
		return false
	}
	switch t {
	case db.TypeInfo:
		return prefs.ReceiveInfo
	case db.TypeSuccess:
		return prefs.ReceiveSuccess
	case db.TypeWarning:
		return prefs.ReceiveWarning
	case db.TypeCritical:
		return prefs.ReceiveCritical
	default:
		return false
	}
}
