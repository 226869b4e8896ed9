package oncall

import (
	"testing"
	"time"

	"alertengine/internal/config"
)

func TestResolveShiftSelection(t *testing.T) {
	t.Parallel()

	resolver := NewStaticResolver(map[string]config.RotationConfig{
		"primary": {
			Default: []string{"fallback"},
			Shift: []config.ShiftConfig{
				{FromHour: 8, ToHour: 20, Recipients: []string{"day-team"}},
				{FromHour: 20, ToHour: 8, Recipients: []string{"night-team"}},
			},
		},
	})

	cases := []struct {
		hour     int
		expected string
	}{
		{9, "day-team"},
		{19, "day-team"},
		{20, "night-team"},
		{23, "night-team"},
		{3, "night-team"},
		{7, "night-team"},
		{8, "day-team"},
	}
	for _, tc := range cases {
		at := time.Date(2026, 8, 24, tc.hour, 30, 0, 0, time.UTC)
		recipients, err := resolver.Resolve("primary", at)
		if err != nil {
			t.Fatalf("hour %d: %v", tc.hour, err)
		}
		if len(recipients) != 1 || recipients[0] != tc.expected {
			t.Fatalf("hour %d: expected %s, got %v", tc.hour, tc.expected, recipients)
		}
	}
}

func TestResolveDefaultFallback(t *testing.T) {
	t.Parallel()

	resolver := NewStaticResolver(map[string]config.RotationConfig{
		"gaps": {
			Default: []string{"backup"},
			Shift:   []config.ShiftConfig{{FromHour: 9, ToHour: 17, Recipients: []string{"office"}}},
		},
	})

	recipients, err := resolver.Resolve("gaps", time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(recipients) != 1 || recipients[0] != "backup" {
		t.Fatalf("expected default fallback, got %v", recipients)
	}
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	resolver := NewStaticResolver(map[string]config.RotationConfig{
		"empty": {},
	})

	if _, err := resolver.Resolve("unknown", time.Now()); err == nil {
		t.Fatalf("expected error for unknown rotation")
	}
	if _, err := resolver.Resolve("empty", time.Now()); err == nil {
		t.Fatalf("expected error for rotation with no recipients")
	}
}

func TestResolveTimeZoneNormalized(t *testing.T) {
	t.Parallel()

	resolver := NewStaticResolver(map[string]config.RotationConfig{
		"primary": {
			Shift: []config.ShiftConfig{
				{FromHour: 0, ToHour: 12, Recipients: []string{"am"}},
				{FromHour: 12, ToHour: 24, Recipients: []string{"pm"}},
			},
		},
	})

	// 23:00 UTC+5 is 18:00 UTC.
	local := time.Date(2026, 8, 24, 23, 0, 0, 0, time.FixedZone("plus5", 5*3600))
	recipients, err := resolver.Resolve("primary", local)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if recipients[0] != "pm" {
		t.Fatalf("expected UTC-normalized shift pm, got %v", recipients)
	}
}
