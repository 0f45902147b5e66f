package anomaly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sndlabs/snd/internal/circuitbreaker"
	"github.com/sndlabs/snd/internal/risk"
)

// DefaultHTTPTimeout bounds a single remote scoring call.
const DefaultHTTPTimeout = 500 * time.Millisecond

// maxResponseSize caps the scorer response body.
const maxResponseSize = 64 << 10

type scoreRequest struct {
	Version  string    `json:"version"`
	Features []float64 `json:"features"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

// HTTPScorer calls a remote model server. Repeated failures open a circuit
// breaker; while it is open calls fail fast with risk.ErrScorerUnavailable.
type HTTPScorer struct {
	url     string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPScorer creates a scorer posting to url. A nil breaker gets the
// package defaults.
func NewHTTPScorer(url string, timeout time.Duration, breaker *circuitbreaker.Breaker) *HTTPScorer {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &HTTPScorer{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
	}
}

// Score implements risk.AnomalyScorer.
func (s *HTTPScorer) Score(ctx context.Context, v risk.FeatureVector) (float64, error) {
	var score float64
	err := s.breaker.Do(s.url, func() error {
		var err error
		score, err = s.call(ctx, v)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", risk.ErrScorerUnavailable, err)
	}
	return score, nil
}

func (s *HTTPScorer) call(ctx context.Context, v risk.FeatureVector) (float64, error) {
	body, err := json.Marshal(scoreRequest{Version: risk.FeatureVectorVersion, Features: v[:]})
	if err != nil {
		return 0, fmt.Errorf("marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("score request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return 0, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score response: %w", err)
	}
	if out.Score == nil || math.IsNaN(*out.Score) || math.IsInf(*out.Score, 0) {
		return 0, errors.New("scorer response missing a finite score")
	}
	return *out.Score, nil
}

// State reports the breaker state for health checks.
func (s *HTTPScorer) State() circuitbreaker.State {
	return s.breaker.State(s.url)
}
