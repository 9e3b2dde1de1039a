package period

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func utc(year int, month time.Month, day, hour int) time.Time {
	return time.Date(year, month, day, hour, 0, 0, 0, time.UTC)
}

func TestAnchor(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		at       time.Time
		expected time.Time
	}{
		{
			name:     "daily mid-day",
			kind:     Daily,
			at:       utc(2024, time.March, 5, 10),
			expected: utc(2024, time.March, 5, 0),
		},
		{
			name:     "daily at midnight",
			kind:     Daily,
			at:       utc(2024, time.March, 5, 0),
			expected: utc(2024, time.March, 5, 0),
		},
		{
			name:     "weekly tuesday anchors to monday",
			kind:     Weekly,
			at:       utc(2024, time.March, 5, 10),
			expected: utc(2024, time.March, 4, 0),
		},
		{
			name:     "weekly sunday anchors to previous monday",
			kind:     Weekly,
			at:       utc(2024, time.March, 10, 23),
			expected: utc(2024, time.March, 4, 0),
		},
		{
			name:     "weekly monday anchors to itself",
			kind:     Weekly,
			at:       utc(2024, time.March, 4, 0),
			expected: utc(2024, time.March, 4, 0),
		},
		{
			name:     "weekly across year boundary",
			kind:     Weekly,
			at:       utc(2025, time.January, 1, 12),
			expected: utc(2024, time.December, 30, 0),
		},
		{
			name:     "monthly anchors to first of month",
			kind:     Monthly,
			at:       utc(2024, time.March, 5, 10),
			expected: utc(2024, time.March, 1, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected.Unix(), tt.kind.Anchor(tt.at))
		})
	}
}

func TestNextPrev(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		start time.Time
		next  time.Time
	}{
		{"daily", Daily, utc(2024, time.March, 5, 0), utc(2024, time.March, 6, 0)},
		{"weekly", Weekly, utc(2024, time.March, 4, 0), utc(2024, time.March, 11, 0)},
		{"monthly 31-day month", Monthly, utc(2024, time.March, 1, 0), utc(2024, time.April, 1, 0)},
		{"monthly leap february", Monthly, utc(2024, time.February, 1, 0), utc(2024, time.March, 1, 0)},
		{"monthly year rollover", Monthly, utc(2024, time.December, 1, 0), utc(2025, time.January, 1, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.next.Unix(), tt.kind.Next(tt.start.Unix()))
			assert.Equal(t, tt.start.Unix(), tt.kind.Prev(tt.next.Unix()))
		})
	}
}

func TestSeconds(t *testing.T) {
	day := int64(86400)

	assert.Equal(t, day, Daily.Seconds(utc(2024, time.March, 5, 0).Unix()))
	assert.Equal(t, 7*day, Weekly.Seconds(utc(2024, time.March, 4, 0).Unix()))
	assert.Equal(t, 29*day, Monthly.Seconds(utc(2024, time.February, 1, 0).Unix()))
	assert.Equal(t, 28*day, Monthly.Seconds(utc(2023, time.February, 1, 0).Unix()))
	assert.Equal(t, 31*day, Monthly.Seconds(utc(2024, time.March, 1, 0).Unix()))
}

func TestValid(t *testing.T) {
	assert.True(t, Daily.Valid())
	assert.True(t, Weekly.Valid())
	assert.True(t, Monthly.Valid())
	assert.False(t, Kind("hourly").Valid())
}

func TestYear(t *testing.T) {
	day := int64(86400)

	assert.Equal(t, utc(2024, time.January, 1, 0).Unix(), YearStart(utc(2024, time.March, 5, 10)))
	assert.Equal(t, 366*day, YearSeconds(utc(2024, time.January, 1, 0).Unix()))
	assert.Equal(t, 365*day, YearSeconds(utc(2023, time.January, 1, 0).Unix()))
}

func TestAnchorIsStable(t *testing.T) {
	// Anchoring an anchor returns the same instant for every kind.
	at := utc(2024, time.March, 5, 10)
	for _, kind := range Kinds {
		anchor := kind.Anchor(at)
		assert.Equal(t, anchor, kind.Anchor(time.Unix(anchor, 0)), "kind %s", kind)
	}
}
