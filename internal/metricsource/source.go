package metricsource

import (
	"context"
	"errors"
	"sync"
	"time"

	"alertengine/internal/domain"
)

// ErrUnavailable indicates the metric source could not answer the query.
// Callers must treat it as a transient no-data condition, never as an empty healthy window.
var ErrUnavailable = errors.New("metric source unavailable")

// Source supplies metric sample windows for condition evaluation.
// Params: metric name and window width per query.
// Returns: chronologically ordered samples or ErrUnavailable.
type Source interface {
	Query(ctx context.Context, metric string, window time.Duration) ([]domain.Sample, error)
}

// StaticSource serves fixed in-memory sample sets keyed by metric name.
// Params: mutable per-metric sample map.
// Returns: source implementation for single mode and tests.
type StaticSource struct {
	mu      sync.RWMutex
	samples map[string][]domain.Sample
	fail    bool
}

// NewStaticSource creates an empty static metric source.
// Params: none.
// Returns: initialized static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{samples: make(map[string][]domain.Sample)}
}

// Set replaces the sample window for one metric.
// Params: metric name and sample slice.
// Returns: samples stored for subsequent queries.
func (s *StaticSource) Set(metric string, samples []domain.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[metric] = append([]domain.Sample(nil), samples...)
}

// SetUnavailable toggles failure injection for all queries.
// Params: fail flag.
// Returns: subsequent queries answer ErrUnavailable while set.
func (s *StaticSource) SetUnavailable(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

// Query returns the stored window for one metric.
// Params: metric name and window width (window filtering is the caller's source concern).
// Returns: stored samples, nil for unknown metrics, or injected ErrUnavailable.
func (s *StaticSource) Query(_ context.Context, metric string, _ time.Duration) ([]domain.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail {
		return nil, ErrUnavailable
	}
	return append([]domain.Sample(nil), s.samples[metric]...), nil
}
