package duration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"zero seconds", "PT0S", 0},
		{"seconds", "PT30S", 30 * time.Second},
		{"minutes", "PT5M", 5 * time.Minute},
		{"hours", "PT2H", 2 * time.Hour},
		{"days", "P1D", 24 * time.Hour},
		{"weeks", "P2W", 14 * 24 * time.Hour},
		{"combined date and time", "P1DT12H", 36 * time.Hour},
		{"full combined", "P1DT2H30M15S", 26*time.Hour + 30*time.Minute + 15*time.Second},
		{"decimal hours", "PT1.5H", 90 * time.Minute},
		{"decimal seconds", "PT0.25S", 250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParse_MonthYearApproximations(t *testing.T) {
	// Months are 30.44 days and years 365.25 days. These averages are a
	// compatibility contract, not a rounding bug.
	month, err := ParseMillis("P1M")
	require.NoError(t, err)
	assert.Equal(t, int64(30.44*24*60*60*1000), month)

	year, err := ParseMillis("P1Y")
	require.NoError(t, err)
	assert.Equal(t, int64(365.25*24*60*60*1000), year)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"negative", "-PT5M"},
		{"plus sign", "+PT5M"},
		{"no designator", "5M"},
		{"bare P", "P"},
		{"bare PT", "PT"},
		{"trailing T", "P1DT"},
		{"garbage", "one hour"},
		{"misordered", "PT5M2H"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			assert.ErrorIs(t, err, ErrInvalidDuration)
		})
	}
}

func TestFormat_RoundTrip(t *testing.T) {
	durations := []time.Duration{
		0,
		250 * time.Millisecond,
		30 * time.Second,
		5 * time.Minute,
		90 * time.Minute,
		24 * time.Hour,
		26*time.Hour + 30*time.Minute + 15*time.Second,
		14 * 24 * time.Hour,
	}

	for _, d := range durations {
		t.Run(Format(d), func(t *testing.T) {
			parsed, err := Parse(Format(d))
			require.NoError(t, err)
			assert.Equal(t, d, parsed)
		})
	}
}

func TestIsWithinQuietHours(t *testing.T) {
	window := Window{Start: "22:00", End: "07:00"}

	tests := []struct {
		name     string
		hour     int
		expected bool
	}{
		{"evening inside", 23, true},
		{"after midnight inside", 3, true},
		{"morning boundary outside", 7, false},
		{"midday outside", 12, false},
		{"start boundary inside", 22, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instant := time.Date(2025, 6, 10, tt.hour, 0, 0, 0, time.UTC)
			assert.Equal(t, tt.expected, IsWithinQuietHours(instant, "UTC", window))
		})
	}
}

func TestApplyQuietHours(t *testing.T) {
	window := Window{Start: "22:00", End: "07:00"}

	t.Run("midnight lands on same-day window end", func(t *testing.T) {
		// 23:00 + 1h = 00:00, which is on the morning side of the wrap:
		// deferred to 07:00 of that calendar day, not 00:00.
		instant := time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(instant, "UTC", window)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 11, 7, 0, 0, 0, time.UTC), adjusted)
	})

	t.Run("evening deferred to next morning", func(t *testing.T) {
		instant := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(instant, "UTC", window)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 11, 7, 0, 0, 0, time.UTC), adjusted)
	})

	t.Run("outside window unchanged", func(t *testing.T) {
		instant := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(instant, "UTC", window)
		require.NoError(t, err)
		assert.Equal(t, instant, adjusted)
	})

	t.Run("idempotent", func(t *testing.T) {
		instant := time.Date(2025, 6, 10, 23, 30, 0, 0, time.UTC)
		once, err := ApplyQuietHours(instant, "UTC", window)
		require.NoError(t, err)
		twice, err := ApplyQuietHours(once, "UTC", window)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	})

	t.Run("non-wrapping window", func(t *testing.T) {
		w := Window{Start: "09:00", End: "17:00"}
		instant := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(instant, "UTC", w)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 10, 17, 0, 0, 0, time.UTC), adjusted)
	})

	t.Run("timezone aware", func(t *testing.T) {
		// 02:00 UTC is 22:00 the previous evening in New York.
		instant := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(instant, "America/New_York", window)
		require.NoError(t, err)

		loc, err := time.LoadLocation("America/New_York")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 11, 7, 0, 0, 0, loc), adjusted.In(loc))
	})

	t.Run("start equals end acts as fixed target", func(t *testing.T) {
		w := Window{Start: "09:00", End: "09:00"}

		before := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(before, "UTC", w)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC), adjusted)

		after := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
		adjusted, err = ApplyQuietHours(after, "UTC", w)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC), adjusted)

		at := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
		adjusted, err = ApplyQuietHours(at, "UTC", w)
		require.NoError(t, err)
		assert.Equal(t, at, adjusted)
	})

	t.Run("malformed timezone falls back to original", func(t *testing.T) {
		instant := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(instant, "Mars/Olympus", window)
		assert.Error(t, err)
		assert.Equal(t, instant, adjusted)
	})

	t.Run("malformed window falls back to original", func(t *testing.T) {
		instant := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(instant, "UTC", Window{Start: "25:99", End: "07:00"})
		assert.Error(t, err)
		assert.Equal(t, instant, adjusted)
	})

	t.Run("empty window is a no-op", func(t *testing.T) {
		instant := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
		adjusted, err := ApplyQuietHours(instant, "UTC", Window{})
		require.NoError(t, err)
		assert.Equal(t, instant, adjusted)
	})
}
