package duration

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidDuration is returned for malformed or negative ISO-8601 input.
var ErrInvalidDuration = errors.New("invalid ISO-8601 duration")

// Calendar approximations used for month and year components. These are
// intentionally averages (not calendar-aware) and must stay this way so
// that stored plans keep firing at the same offsets.
const (
	daysPerMonth = 30.44
	daysPerYear  = 365.25
)

var iso8601 = regexp.MustCompile(
	`^P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)W)?(?:(\d+(?:\.\d+)?)D)?` +
		`(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// Parse parses an ISO-8601 duration (combined date and time components,
// decimal values allowed) into a millisecond-precision time.Duration.
// Negative durations and malformed input fail with ErrInvalidDuration.
func Parse(text string) (time.Duration, error) {
	ms, err := ParseMillis(text)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ParseMillis parses an ISO-8601 duration into whole milliseconds.
func ParseMillis(text string) (int64, error) {
	if strings.HasPrefix(text, "-") || strings.HasPrefix(text, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}

	match := iso8601.FindStringSubmatch(text)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}

	// "P" and "PT" alone carry no components.
	any := false
	for _, part := range match[1:] {
		if part != "" {
			any = true
			break
		}
	}
	if !any {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}
	// A trailing T with no time components ("P1DT") is malformed.
	if strings.HasSuffix(text, "T") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, text)
	}

	value := func(s string) float64 {
		if s == "" {
			return 0
		}
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}

	const dayMs = 24 * 60 * 60 * 1000

	ms := value(match[1]) * daysPerYear * dayMs
	ms += value(match[2]) * daysPerMonth * dayMs
	ms += value(match[3]) * 7 * dayMs
	ms += value(match[4]) * dayMs
	ms += value(match[5]) * 60 * 60 * 1000
	ms += value(match[6]) * 60 * 1000
	ms += value(match[7]) * 1000

	return int64(math.Round(ms)), nil
}

// Format renders a duration as an ISO-8601 string using time components
// only, so that Parse(Format(d)) == d for millisecond-precision values.
func Format(d time.Duration) string {
	if d == 0 {
		return "PT0S"
	}

	var b strings.Builder
	b.WriteString("PT")

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d.Seconds()

	if h > 0 {
		fmt.Fprintf(&b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dM", m)
	}
	if s > 0 || (h == 0 && m == 0) {
		b.WriteString(strconv.FormatFloat(s, 'f', -1, 64))
		b.WriteString("S")
	}

	return b.String()
}
