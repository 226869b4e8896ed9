package domain

import "time"

// Sample is one metric data point from the metric source.
// Params: observation timestamp and numeric value.
// Returns: read-only input for condition evaluation.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Outcome is the result of one condition evaluation.
// Params: breach flag, observed aggregate, and no-data marker.
// Returns: evaluator output consumed by the rule engine.
type Outcome struct {
	Breached bool
	Observed float64
	// NoData distinguishes an unanswerable window from a healthy below-threshold one.
	NoData bool
}
