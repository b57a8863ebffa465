// Package processing wraps the external evaluation service behind the
// Evaluator interface. The engine treats evaluation as a black box with
// variable latency and a nonzero failure rate; everything resilience-related
// (rate limiting, circuit breaking, retry policy) lives on this side.
package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathom-engine/fathom/internal/circuitbreaker"
	"github.com/fathom-engine/fathom/internal/metrics"
	"github.com/fathom-engine/fathom/internal/models"
)

// Evaluator is the processing function consumed by worker tasks.
type Evaluator interface {
	Evaluate(ctx context.Context, content string, subQuery string) (*models.Evaluation, error)
}

// Config configures the HTTP evaluator.
type Config struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec" yaml:"requests_per_sec" json:"requests_per_sec"`
	Burst          int           `mapstructure:"burst" yaml:"burst" json:"burst"`

	Breaker circuitbreaker.Config `mapstructure:"breaker" yaml:"breaker" json:"breaker"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:        "http://localhost:8200",
		Timeout:        30 * time.Second,
		RequestsPerSec: 10,
		Burst:          20,
		Breaker:        circuitbreaker.DefaultConfig(),
	}
}

type evaluateRequest struct {
	Content string `json:"content"`
	Query   string `json:"query"`
}

type evaluateResponse struct {
	Findings   []models.Finding `json:"findings"`
	Confidence float64          `json:"confidence"`
	CostUSD    float64          `json:"cost_usd"`
}

// HTTPEvaluator calls the evaluation service over HTTP. Calls are rate
// limited and guarded by a circuit breaker so a struggling service sheds
// load instead of stacking timeouts across the whole task tree.
type HTTPEvaluator struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger
}

func NewHTTPEvaluator(cfg Config, logger *zap.Logger) *HTTPEvaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = DefaultConfig().RequestsPerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultConfig().Burst
	}
	return &HTTPEvaluator{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		breaker: circuitbreaker.New("evaluator", cfg.Breaker, logger),
		logger:  logger,
	}
}

func (e *HTTPEvaluator) Evaluate(ctx context.Context, content string, subQuery string) (*models.Evaluation, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(evaluateRequest{Content: content, Query: subQuery})
	if err != nil {
		return nil, fmt.Errorf("marshal evaluate request: %w", err)
	}

	var out evaluateResponse
	start := time.Now()
	err = e.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/evaluate", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("evaluation service returned %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	})
	metrics.EvaluatorLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EvaluatorCalls.WithLabelValues("error").Inc()
		e.logger.Warn("evaluation call failed",
			zap.Error(err),
			zap.Int("content_bytes", len(content)))
		return nil, err
	}
	metrics.EvaluatorCalls.WithLabelValues("ok").Inc()

	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return &models.Evaluation{
		Findings:   out.Findings,
		Confidence: out.Confidence,
		CostUSD:    out.CostUSD,
	}, nil
}
