package oncall

import (
	"fmt"
	"time"

	"alertengine/internal/config"
)

// Resolver resolves one rotation reference to responsible recipients at a point in time.
// Params: rotation name and decision timestamp.
// Returns: recipient list; lookup happens at fire time, never cached by callers.
type Resolver interface {
	Resolve(rotation string, at time.Time) ([]string, error)
}

// StaticResolver resolves rotations from configuration shift tables.
// Params: rotation map from the [oncall.NAME] sections.
// Returns: resolver implementation without external scheduling service.
type StaticResolver struct {
	rotations map[string]config.RotationConfig
}

// NewStaticResolver creates a resolver over configured rotations.
// Params: rotation config map.
// Returns: initialized resolver.
func NewStaticResolver(rotations map[string]config.RotationConfig) *StaticResolver {
	return &StaticResolver{rotations: rotations}
}

// Resolve picks the shift covering the given instant, falling back to the default list.
// Params: rotation name and decision timestamp.
// Returns: recipient list or error for unknown rotations.
func (r *StaticResolver) Resolve(rotation string, at time.Time) ([]string, error) {
	entry, ok := r.rotations[rotation]
	if !ok {
		return nil, fmt.Errorf("unknown oncall rotation %q", rotation)
	}

	hour := at.UTC().Hour()
	for _, shift := range entry.Shift {
		if shiftCovers(shift, hour) && len(shift.Recipients) > 0 {
			return append([]string(nil), shift.Recipients...), nil
		}
	}
	if len(entry.Default) == 0 {
		return nil, fmt.Errorf("oncall rotation %q has no recipients at %s", rotation, at.UTC().Format(time.RFC3339))
	}
	return append([]string(nil), entry.Default...), nil
}

// shiftCovers checks whether one shift window contains the given UTC hour.
// Params: shift definition and hour of day.
// Returns: true for in-window hours; windows may wrap midnight.
func shiftCovers(shift config.ShiftConfig, hour int) bool {
	if shift.FromHour == shift.ToHour {
		return false
	}
	if shift.FromHour < shift.ToHour {
		return hour >= shift.FromHour && hour < shift.ToHour
	}
	return hour >= shift.FromHour || hour < shift.ToHour
}
