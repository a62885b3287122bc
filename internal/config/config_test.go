package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-sh/conductor/internal/model"
)

func writeProjectConfig(t *testing.T, dir, body string) {
	t.Helper()
	confDir := filepath.Join(dir, ConductorDir)
	require.NoError(t, os.MkdirAll(confDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(confDir, "config.yaml"), []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Orchestrator.Workers)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.ClaimInterval)
	assert.Equal(t, 3, cfg.Orchestrator.DefaultRetries)
	assert.Equal(t, "main", cfg.Git.BaseBranch)
	assert.Equal(t, ":4777", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Events.Persist)
	assert.Empty(t, cfg.Events.NATSURL)
}

func TestLoadProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, `
database:
  driver: postgres
  dsn: postgres://conductor@localhost/conductor
orchestrator:
  workers: 8
  claim_interval: 500ms
events:
  nats_url: nats://localhost:4222
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://conductor@localhost/conductor", cfg.Database.DSN)
	assert.Equal(t, 8, cfg.Orchestrator.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.ClaimInterval)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.GracePeriod)
	assert.Equal(t, "main", cfg.Git.BaseBranch)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, "log:\n  level: debug\n")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "warn")
	t.Setenv("CONDUCTOR_SERVER_ADDR", ":9999")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, "database: [not: a map\n")

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestParseWorkflow(t *testing.T) {
	raw := []byte(`
phases:
  - id: build
    name: Build
    done_definitions: ["binary produced"]
    allowed_next: [verify]
  - id: verify
    allowed_next: [ship]
    retry_strategy: immediate
    max_retries: 5
  - id: ship
    terminal: true
    retry_strategy: none
`)
	phases, err := ParseWorkflow(raw, "PROJ-1")
	require.NoError(t, err)
	require.Len(t, phases, 3)

	build := phases[0]
	assert.Equal(t, "PROJ-1", build.ProjectID)
	assert.Equal(t, 1, build.Sequence)
	assert.Equal(t, "Build", build.Name)
	assert.Equal(t, model.RetryBackoff, build.RetryStrategy)
	assert.Equal(t, 3, build.MaxRetries)

	verify := phases[1]
	assert.Equal(t, "verify", verify.Name)
	assert.Equal(t, model.RetryImmediate, verify.RetryStrategy)
	assert.Equal(t, 5, verify.MaxRetries)

	ship := phases[2]
	assert.True(t, ship.Terminal)
	assert.Equal(t, model.RetryNone, ship.RetryStrategy)
	assert.Zero(t, ship.MaxRetries)
}

func TestParseWorkflowRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"empty":              "phases: []\n",
		"missing id":         "phases:\n  - name: anonymous\n",
		"duplicate id":       "phases:\n  - id: a\n  - id: a\n",
		"terminal with next": "phases:\n  - id: a\n    terminal: true\n    allowed_next: [b]\n  - id: b\n",
		"dangling edge":      "phases:\n  - id: a\n    allowed_next: [missing]\n",
		"bad strategy":       "phases:\n  - id: a\n    retry_strategy: eventually\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWorkflow([]byte(raw), "PROJ-1")
			assert.Error(t, err)
		})
	}
}

func TestLoadWorkflowMissingFileIsNil(t *testing.T) {
	phases, err := LoadWorkflow(t.TempDir(), "PROJ-1")
	require.NoError(t, err)
	assert.Nil(t, phases)
}

func TestLoadWorkflowReadsProjectFile(t *testing.T) {
	dir := t.TempDir()
	confDir := filepath.Join(dir, ConductorDir)
	require.NoError(t, os.MkdirAll(confDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(confDir, WorkflowFile),
		[]byte("phases:\n  - id: only\n    terminal: true\n"), 0o644))

	phases, err := LoadWorkflow(dir, "PROJ-1")
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, "only", phases[0].ID)
	assert.True(t, phases[0].Terminal)
}
