package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"", false, false},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("DI_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("DI_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseNonNegativeIntEnv(t *testing.T) {
	tests := []struct {
		val  string
		want int
	}{
		{"", 40},
		{"0", 0},
		{"200", 200},
		{" 15 ", 15},
		{"-3", 40},
		{"ten", 40},
		{"1.5", 40},
	}
	for _, tt := range tests {
		t.Setenv("DI_TEST_INT", tt.val)
		if got := ParseNonNegativeIntEnv("DI_TEST_INT", 40); got != tt.want {
			t.Errorf("ParseNonNegativeIntEnv(%q) = %d, want %d", tt.val, got, tt.want)
		}
	}
}

func TestParseSecondsEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 6 * time.Second},
		{"2", 2 * time.Second},
		{"0.5", 500 * time.Millisecond},
		{"0", 6 * time.Second},
		{"abc", 6 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("DI_TEST_SECS", tt.val)
		if got := ParseSecondsEnv("DI_TEST_SECS", 6*time.Second); got != tt.want {
			t.Errorf("ParseSecondsEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("DI_TEST_STR", "  ")
	if got := GetenvDefault("DI_TEST_STR", "dev"); got != "dev" {
		t.Errorf("blank value: got %q", got)
	}
	t.Setenv("DI_TEST_STR", " prod ")
	if got := GetenvDefault("DI_TEST_STR", "dev"); got != "prod" {
		t.Errorf("got %q", got)
	}
}
