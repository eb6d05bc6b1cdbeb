package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFiles(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultDatastorePath, cfg.Datastore.Path)
	assert.Equal(t, DefaultTickInterval, cfg.Sensor.TickInterval)
	assert.Equal(t, DefaultSupervisorPort, cfg.Supervisor.Port)
	assert.Equal(t, DefaultAbortMaxErrors, cfg.Validator.AbortMaxErrors)
	assert.Equal(t, time.Minute, cfg.Validator.UploadFilter.MinAge)
}

func TestLoadSkipsMissingPaths(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultDatastorePath, cfg.Datastore.Path)
}

func TestLoadDeepMergesMultipleFiles(t *testing.T) {
	dir := t.TempDir()

	base := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(base, []byte(`
datastore:
  path: /tmp/base.db
supervisor:
  port: 9000
  host: 0.0.0.0
`), 0o644))

	override := filepath.Join(dir, "override.yaml")
	require.NoError(t, os.WriteFile(override, []byte(`
supervisor:
  port: 9100
`), 0o644))

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/base.db", cfg.Datastore.Path)
	assert.Equal(t, "0.0.0.0", cfg.Supervisor.Host, "unrelated key from base.yaml must survive the merge")
	assert.Equal(t, 9100, cfg.Supervisor.Port, "override.yaml must win on the shared key")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
supervisor:
  port: 9000
`), 0o644))

	t.Setenv("PTO_SUPERVISOR_PORT", "9200")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Supervisor.Port)
}

func TestLoadRejectsBadPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
supervisor:
  port: 70000
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEmptyDatastorePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
datastore:
  path: ""
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNegativeAbortMaxErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
validator:
  abort_max_errors: -1
`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadSurfacesMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
