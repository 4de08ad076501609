package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/policy"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "research.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("Missing file yields defaults", func(t *testing.T) {
		cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, 8081, cfg.Server.Port)
		assert.Equal(t, 2112, cfg.Observability.Metrics.Port)
		assert.Equal(t, 5*time.Second, cfg.Workflow.TaskDelay)
		assert.Equal(t, 30*time.Second, cfg.Browser.NavigationTimeout)
		assert.Equal(t, policy.ModeOff, cfg.Policy.Mode)
		assert.False(t, cfg.Policy.Enabled)
	})

	t.Run("File values override defaults", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), `
server:
  port: 9000
workflow:
  task_delay: 250ms
  validation_delay: 1s
  max_sources_per_task: 3
  validation_criteria: [factual_accuracy, citation_validity]
llm:
  base_url: http://llm:8000
policy:
  enabled: true
  mode: enforce
  path: /etc/policies
database:
  enabled: true
  driver: sqlite3
  name: /tmp/research.db
`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, 250*time.Millisecond, cfg.Workflow.TaskDelay)
		assert.Equal(t, time.Second, cfg.Workflow.ValidationDelay)
		assert.Equal(t, 3, cfg.Workflow.MaxSourcesPerTask)
		assert.Equal(t, []string{"factual_accuracy", "citation_validity"}, cfg.Workflow.ValidationCriteria)
		assert.Equal(t, "http://llm:8000", cfg.LLM.BaseURL)
		assert.Equal(t, "llama3", cfg.LLM.Model)
		assert.True(t, cfg.Policy.Enabled)
		assert.Equal(t, policy.ModeEnforce, cfg.Policy.Mode)
		assert.Equal(t, "/tmp/research.db", cfg.Database.DataSource())
	})

	t.Run("Environment overrides file", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "observability:\n  logging:\n    level: info\n")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("TASK_DELAY", "2s")
		t.Setenv("POSTGRES_HOST", "testhost")
		t.Setenv("POSTGRES_PORT", "54321")
		t.Setenv("RESEARCH_POLICY_MODE", "dry-run")
		t.Setenv("RESEARCH_POLICY_ENABLED", "true")

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Observability.Logging.Level)
		assert.Equal(t, 2*time.Second, cfg.Workflow.TaskDelay)
		assert.Equal(t, "testhost", cfg.Database.Host)
		assert.Equal(t, 54321, cfg.Database.Port)
		assert.Equal(t, policy.ModeDryRun, cfg.Policy.Mode)
		assert.True(t, cfg.Policy.Enabled)
	})

	t.Run("CONFIG_PATH selects the file", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "environment: staging\n")
		t.Setenv("CONFIG_PATH", path)
		assert.Equal(t, path, Path())
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "staging", cfg.Environment)
	})

	t.Run("Malformed file", func(t *testing.T) {
		path := writeConfig(t, t.TempDir(), "server: [unclosed\n")
		_, err := LoadFile(path)
		assert.Error(t, err)
	})
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"negative delay", func(c *Config) { c.Workflow.TaskDelay = -time.Second }, true},
		{"unknown driver", func(c *Config) { c.Database.Enabled = true; c.Database.Driver = "mysql" }, true},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, true},
		{"invalid log level", func(c *Config) { c.Observability.Logging.Level = "loud" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDataSource(t *testing.T) {
	cfg := Default().Database
	cfg.User = "testuser"
	cfg.Password = "testpass"
	cfg.Name = "testdb"

	connStr := cfg.DataSource()
	assert.Contains(t, connStr, "host=localhost")
	assert.Contains(t, connStr, "port=5432")
	assert.Contains(t, connStr, "user=testuser")
	assert.Contains(t, connStr, "dbname=testdb")

	cfg.DSN = "postgres://explicit"
	assert.Equal(t, "postgres://explicit", cfg.DataSource())

	sqlite := DatabaseConfig{Driver: "sqlite3"}
	assert.Equal(t, "research.db", sqlite.DataSource())
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "workflow:\n  task_delay: 1s\n")

	w, err := newWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, time.Second, w.Current().Workflow.TaskDelay)

	var got []time.Duration
	w.RegisterCallback(func(oldCfg, newCfg *Config) {
		assert.Equal(t, time.Second, oldCfg.Workflow.TaskDelay)
		got = append(got, newCfg.Workflow.TaskDelay)
	})

	writeConfig(t, dir, "workflow:\n  task_delay: 3s\n")
	w.reload()
	assert.Equal(t, []time.Duration{3 * time.Second}, got)
	assert.Equal(t, 3*time.Second, w.Current().Workflow.TaskDelay)

	// an invalid edit keeps the previous configuration
	writeConfig(t, dir, "server:\n  port: -1\n")
	w.reload()
	assert.Len(t, got, 1)
	assert.Equal(t, 3*time.Second, w.Current().Workflow.TaskDelay)
	assert.Equal(t, 8081, w.Current().Server.Port)
}

func TestWatchPicksUpFileEdits(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "workflow:\n  validation_delay: 1s\n")

	w, err := Watch(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	writeConfig(t, dir, "workflow:\n  validation_delay: 4s\n")
	assert.Eventually(t, func() bool {
		return w.Current().Workflow.ValidationDelay == 4*time.Second
	}, 5*time.Second, 20*time.Millisecond)
}
