package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"
)

const sampleYAML = `
service:
  port: 8181
  metrics_port: 9191
engine:
  limits:
    max_depth: 3
    max_fanout_per_depth: [20, 10, 5]
    max_total_workers: 32
    per_worker_timeout: 20s
    total_timeout: 2m
    cost_ceiling_usd: 2.5
  partition:
    partition_size_threshold: 400
    overlap_bound: 5
  thresholds:
    direct_max_lines: 400
    hybrid_min_lines: 4000
    narrow_window: 2
  parallelism: 8
store:
  driver: sqlite3
  dsn: "file:test.db"
evaluator:
  base_url: "http://eval.internal:8200"
  timeout: 20s
  requests_per_sec: 5
cache:
  enabled: true
  addr: "redis.internal:6379"
  ttl: 30m
logging:
  level: debug
  format: console
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fathom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, 8181, cfg.Service.Port)
	require.Equal(t, 3, cfg.Engine.Limits.MaxDepth)
	require.Equal(t, []int{20, 10, 5}, cfg.Engine.Limits.MaxFanoutPerDepth)
	require.Equal(t, 20*time.Second, cfg.Engine.Limits.PerWorkerTimeout)
	require.Equal(t, 2.5, cfg.Engine.Limits.CostCeilingUSD)
	require.Equal(t, 400, cfg.Engine.Partition.TargetSize)
	require.Equal(t, 5, cfg.Engine.Partition.Overlap)
	require.Equal(t, int64(8), cfg.Engine.Parallelism)
	require.Equal(t, "http://eval.internal:8200", cfg.Evaluator.BaseURL)
	require.True(t, cfg.Cache.Enabled)
	require.Equal(t, "redis.internal:6379", cfg.Cache.Addr)
	require.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	require.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Service.Port, cfg.Service.Port)
	require.Equal(t, Default().Engine.Limits.MaxDepth, cfg.Engine.Limits.MaxDepth)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Service.Port = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Service.MetricsPort = cfg.Service.Port
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.Partition.Overlap = cfg.Engine.Partition.TargetSize
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Store.Driver = "oracle"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Logging.Format = "plaintext"
	require.Error(t, cfg.Validate())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	initial, err := Load(path)
	require.NoError(t, err)

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, initial, func(c Config) { reloaded <- c }, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(sampleYAML), &doc))
	doc["logging"].(map[string]any)["level"] = "warn"
	updated, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, updated, 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 8181, cfg.Service.Port)
		require.Equal(t, "warn", cfg.Logging.Level)
		require.Equal(t, cfg, w.Current())
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not picked up")
	}
}

func TestWatcherKeepsPreviousOnInvalidChange(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	initial, err := Load(path)
	require.NoError(t, err)

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, initial, func(c Config) { reloaded <- c }, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("service:\n  port: -1\n"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("invalid config should not be applied")
	case <-time.After(time.Second):
	}
	require.Equal(t, initial, w.Current())
}
