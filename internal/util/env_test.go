package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"1", false, true},
		{" Yes ", false, true},
		{"ON", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"off", true, false},
		{"maybe", true, true},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		t.Setenv("RELAYPIPE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("RELAYPIPE_TEST_BOOL", tt.def); got != tt.expected {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, expected %v", tt.value, tt.def, got, tt.expected)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value    string
		expected time.Duration
	}{
		{"", 5 * time.Second},
		{"90s", 90 * time.Second},
		{" 2m ", 2 * time.Minute},
		{"soon", 5 * time.Second},
		{"-1s", 5 * time.Second},
		{"0", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("RELAYPIPE_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("RELAYPIPE_TEST_DURATION", 5*time.Second); got != tt.expected {
			t.Errorf("ParseDurationEnv(%q) = %v, expected %v", tt.value, got, tt.expected)
		}
	}
}
