// Package window decides whether a local time falls inside a configured
// daily sending window, and whether the poller schedule is active.
package window

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// "09:00" or "9h30"; hour 1-2 digits, minute exactly 2.
var timeRegex = regexp.MustCompile(`^(\d{1,2})[h:](\d{2})$`)

// Parse reads an HH:MM or HHhMM bound.
func Parse(s string) (hour, minute int, err error) {
	m := timeRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM or HHhMM)", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("time %q out of range", s)
	}
	return hour, minute, nil
}

// Within reports whether now falls inside [start, end). An overnight window
// (start > end) wraps midnight. start == end is an empty window. An unset
// or unparsable bound makes the gate permissive: an unconfigured window
// imposes no constraint.
func Within(now time.Time, start, end string) bool {
	if strings.TrimSpace(start) == "" || strings.TrimSpace(end) == "" {
		return true
	}
	sh, sm, err := Parse(start)
	if err != nil {
		return true
	}
	eh, em, err := Parse(end)
	if err != nil {
		return true
	}

	nowMin := now.Hour()*60 + now.Minute()
	startMin := sh*60 + sm
	endMin := eh*60 + em

	switch {
	case startMin == endMin:
		return false
	case startMin < endMin:
		return nowMin >= startMin && nowMin < endMin
	default: // overnight wrap
		return nowMin >= startMin || nowMin < endMin
	}
}

// BeforeStart reports whether now precedes today's start bound. Used by the
// outside-window bypass to choose the payload's window-start literal.
func BeforeStart(now time.Time, start string) bool {
	sh, sm, err := Parse(start)
	if err != nil {
		return false
	}
	return now.Hour()*60+now.Minute() < sh*60+sm
}

// Schedule is the poller activity window: active weekdays, an hour range
// (midnight-wrap supported), and an optional vacation date range.
type Schedule struct {
	Days          []string // lowercase english weekday names
	StartHour     int
	EndHour       int
	VacationStart string // "2006-01-02", inclusive
	VacationEnd   string // "2006-01-02", inclusive
}

// OnVacation reports whether now falls inside the vacation date range.
func (s Schedule) OnVacation(now time.Time) bool {
	if s.VacationStart == "" || s.VacationEnd == "" {
		return false
	}
	start, err1 := time.ParseInLocation("2006-01-02", s.VacationStart, now.Location())
	end, err2 := time.ParseInLocation("2006-01-02", s.VacationEnd, now.Location())
	if err1 != nil || err2 != nil {
		return false
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return !day.Before(start) && !day.After(end)
}

// ActiveAt reports whether now is an active polling moment: an active
// weekday and inside the hour range. An empty day list means every day.
func (s Schedule) ActiveAt(now time.Time) bool {
	if len(s.Days) > 0 {
		today := strings.ToLower(now.Weekday().String())
		found := false
		for _, d := range s.Days {
			if strings.TrimSpace(strings.ToLower(d)) == today {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	h := now.Hour()
	switch {
	case s.StartHour == s.EndHour:
		return true // unconfigured or degenerate hour range: always active
	case s.StartHour < s.EndHour:
		return h >= s.StartHour && h < s.EndHour
	default:
		return h >= s.StartHour || h < s.EndHour
	}
}
