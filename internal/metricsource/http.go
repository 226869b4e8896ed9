package metricsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"alertengine/internal/config"
	"alertengine/internal/domain"
)

// HTTPSource queries an HTTP metric endpoint for sample windows.
// Params: endpoint URL and request timeout.
// Returns: source implementation backed by the external metric store.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// sampleDoc is the wire shape of one metric sample.
// Params: unix millisecond timestamp and numeric value.
// Returns: decoded sample point.
type sampleDoc struct {
	AtUnixMS int64   `json:"at_unix_ms"`
	Value    float64 `json:"value"`
}

// NewHTTPSource creates an HTTP metric source from config.
// Params: metric_source section.
// Returns: initialized source.
func NewHTTPSource(cfg config.MetricSourceConfig) *HTTPSource {
	return &HTTPSource{
		endpoint: cfg.URL,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Query fetches one sample window from the metric endpoint.
// Params: metric name and window width.
// Returns: decoded samples; transport and non-200 failures map to ErrUnavailable.
func (s *HTTPSource) Query(ctx context.Context, metric string, window time.Duration) ([]domain.Sample, error) {
	query := url.Values{}
	query.Set("metric", metric)
	query.Set("window_sec", strconv.FormatInt(int64(window/time.Second), 10))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build metric request: %w", err)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %s", ErrUnavailable, err.Error())
	}

	var docs []sampleDoc
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("%w: decode samples: %s", ErrUnavailable, err.Error())
	}

	samples := make([]domain.Sample, 0, len(docs))
	for _, doc := range docs {
		samples = append(samples, domain.Sample{
			At:    time.UnixMilli(doc.AtUnixMS).UTC(),
			Value: doc.Value,
		})
	}
	return samples, nil
}
