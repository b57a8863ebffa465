package processing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fathom-engine/fathom/internal/circuitbreaker"
	"github.com/fathom-engine/fathom/internal/models"
)

func newEvaluator(t *testing.T, url string) *HTTPEvaluator {
	cfg := DefaultConfig()
	cfg.BaseURL = url
	cfg.RequestsPerSec = 1000
	cfg.Burst = 1000
	return NewHTTPEvaluator(cfg, zaptest.NewLogger(t))
}

func TestEvaluateRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/evaluate", r.URL.Path)

		var req evaluateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "ERROR one\nERROR two\n", req.Content)
		require.Equal(t, "how many errors", req.Query)

		json.NewEncoder(w).Encode(evaluateResponse{
			Findings:   []models.Finding{{Type: "count", Value: "2", Confidence: 0.9}},
			Confidence: 0.9,
			CostUSD:    0.0004,
		})
	}))
	defer srv.Close()

	ev := newEvaluator(t, srv.URL)
	got, err := ev.Evaluate(context.Background(), "ERROR one\nERROR two\n", "how many errors")
	require.NoError(t, err)
	require.Len(t, got.Findings, 1)
	require.Equal(t, "2", got.Findings[0].Value)
	require.InDelta(t, 0.9, got.Confidence, 1e-9)
	require.InDelta(t, 0.0004, got.CostUSD, 1e-9)
}

func TestEvaluateNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ev := newEvaluator(t, srv.URL)
	_, err := ev.Evaluate(context.Background(), "x", "q")
	require.Error(t, err)
}

func TestEvaluateClampsConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(evaluateResponse{Confidence: 1.7})
	}))
	defer srv.Close()

	ev := newEvaluator(t, srv.URL)
	got, err := ev.Evaluate(context.Background(), "x", "q")
	require.NoError(t, err)
	require.Equal(t, 1.0, got.Confidence)
}

func TestEvaluateTripsBreaker(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSec = 1000
	cfg.Burst = 1000
	cfg.Breaker = circuitbreaker.Config{FailureThreshold: 3, SuccessThreshold: 1, CoolOff: time.Minute}
	ev := NewHTTPEvaluator(cfg, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		_, err := ev.Evaluate(context.Background(), "x", "q")
		require.Error(t, err)
	}
	// After the breaker opens, requests stop reaching the service.
	require.Equal(t, int64(3), calls.Load())
}

func TestEvaluateHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ev := newEvaluator(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ev.Evaluate(ctx, "x", "q")
	require.Error(t, err)
}
