package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"off", true, false},
		{"0", true, false},
		{"", true, true},
		{"maybe", false, false},
	}
	for _, tc := range cases {
		t.Setenv("BOOL_UNDER_TEST", tc.value)
		if got := ParseBoolEnv("BOOL_UNDER_TEST", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("INT_UNDER_TEST", "42")
	if got := ParseIntEnv("INT_UNDER_TEST", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("INT_UNDER_TEST", "not-a-number")
	if got := ParseIntEnv("INT_UNDER_TEST", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
	t.Setenv("INT_UNDER_TEST", "")
	if got := ParseIntEnv("INT_UNDER_TEST", 7); got != 7 {
		t.Errorf("expected default 7 for unset, got %d", got)
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("STR_UNDER_TEST", "value")
	if got := GetEnvOrDefault("STR_UNDER_TEST", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
	t.Setenv("STR_UNDER_TEST", "")
	if got := GetEnvOrDefault("STR_UNDER_TEST", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
}
