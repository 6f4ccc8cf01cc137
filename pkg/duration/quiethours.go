package duration

import (
	"fmt"
	"time"
)

// Window is a daily quiet-hours window in local "HH:MM" times, inclusive
// of Start and exclusive of End. A window with Start > End wraps past
// midnight. Start == End degenerates to a fixed daily target time: every
// instant except the target itself is deferred to the next occurrence of
// that time.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// IsZero reports whether no window is configured.
func (w Window) IsZero() bool {
	return w.Start == "" && w.End == ""
}

// Validate checks that both clock strings parse. A zero window is valid.
func (w Window) Validate() error {
	if w.IsZero() {
		return nil
	}
	_, _, err := w.minutes()
	return err
}

func (w Window) minutes() (start, end int, err error) {
	start, err = parseClock(w.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err = parseClock(w.End)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h*60 + m, nil
}

// IsWithinQuietHours reports whether the instant falls inside the window
// evaluated in the given timezone. Malformed timezone or window yields
// false; ApplyQuietHours surfaces the warning.
func IsWithinQuietHours(t time.Time, tz string, w Window) bool {
	if w.IsZero() {
		return false
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false
	}
	start, end, err := w.minutes()
	if err != nil {
		return false
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		// Fixed target time: only the target minute is outside.
		return minute != start
	case start < end:
		return minute >= start && minute < end
	default: // wraps midnight
		return minute >= start || minute < end
	}
}

// ApplyQuietHours defers an instant that falls inside the window to the
// window's end, in the window's timezone. The returned error is a
// recoverable warning: when the timezone or window cannot be parsed the
// original instant is returned alongside it, never an adjusted one.
func ApplyQuietHours(t time.Time, tz string, w Window) (time.Time, error) {
	if w.IsZero() {
		return t, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return t, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	start, end, err := w.minutes()
	if err != nil {
		return t, fmt.Errorf("invalid quiet-hours window: %w", err)
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()

	target := func(dayOffset, endMinute int) time.Time {
		day := local.AddDate(0, 0, dayOffset)
		return time.Date(day.Year(), day.Month(), day.Day(),
			endMinute/60, endMinute%60, 0, 0, loc)
	}

	switch {
	case start == end:
		if minute == start {
			return t, nil
		}
		if minute < start {
			return target(0, start), nil
		}
		return target(1, start), nil

	case start < end:
		if minute >= start && minute < end {
			return target(0, end), nil
		}
		return t, nil

	default: // window wraps midnight
		if minute >= start {
			// Evening side: the window ends tomorrow morning.
			return target(1, end), nil
		}
		if minute < end {
			// Morning side: the window ends later today.
			return target(0, end), nil
		}
		return t, nil
	}
}
