package utils

import (
	"testing"
	"time"
)

func TestGetDayStartFrom(t *testing.T) {
	moscow := time.FixedZone("MSK", 3*3600)

	tests := []struct {
		name     string
		input    time.Time
		expected time.Time
	}{
		{
			name:     "middle of day",
			input:    time.Date(2024, 1, 15, 14, 30, 45, 0, time.UTC),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "already day start",
			input:    time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "non-UTC input crosses date",
			input:    time.Date(2024, 1, 16, 1, 0, 0, 0, moscow),
			expected: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetDayStartFrom(tt.input); !got.Equal(tt.expected) {
				t.Errorf("GetDayStartFrom(%v) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestMillisTimestamp(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	if got := MillisTimestamp(ts); got != "1700000000123" {
		t.Errorf("MillisTimestamp() = %q", got)
	}
	if !FromUnixMillis(1700000000123).Equal(ts) {
		t.Error("FromUnixMillis round trip mismatch")
	}
}

