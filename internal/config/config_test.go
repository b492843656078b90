package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_ADMIN_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 20, cfg.Sync.Parallelism)
	assert.Equal(t, 1000, cfg.Sync.BatchSize)
	assert.True(t, cfg.Sync.DeferredIndex)
	assert.Equal(t, PriorityHigh, cfg.Sync.Priority)
	assert.Equal(t, "direct", cfg.Scheduler.Mode)
}

func TestLoadYAMLFile(t *testing.T) {
	t.Setenv("SYNC_ADMIN_SECRET", "s3cret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
sync:
  parallelism: 10
  priority: low
search:
  index: catalog
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Sync.Parallelism)
	assert.Equal(t, PriorityLow, cfg.Sync.Priority)
	assert.Equal(t, "catalog", cfg.Search.Index)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	t.Setenv("SYNC_ADMIN_SECRET", "s3cret")

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_ADMIN_SECRET", "s3cret")
	t.Setenv("SYNC_DATABASE_URL", "postgres://db:5432/x")
	t.Setenv("SYNC_PRIORITY", "low")
	t.Setenv("SYNC_PARALLELISM", "8")
	t.Setenv("HTTP_PORT", "3000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://db:5432/x", cfg.Database.URL)
	assert.Equal(t, PriorityLow, cfg.Sync.Priority)
	assert.Equal(t, 8, cfg.Sync.Parallelism)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestValidateRequiresAdminSecret(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateClampsParallelism(t *testing.T) {
	cfg := Default()
	cfg.Server.AdminSecret = "x"

	cfg.Sync.Parallelism = 1
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2, cfg.Sync.Parallelism)

	cfg.Sync.Parallelism = 100
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30, cfg.Sync.Parallelism)
}

func TestValidateRejectsBadEnums(t *testing.T) {
	cfg := Default()
	cfg.Server.AdminSecret = "x"

	cfg.Sync.Priority = "turbo"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg = Default()
	cfg.Server.AdminSecret = "x"
	cfg.Scheduler.Mode = "cluster"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestEffectiveParallelism(t *testing.T) {
	cfg := Default()
	cfg.Sync.Parallelism = 20

	cfg.Sync.Priority = PriorityHigh
	assert.Equal(t, 20, cfg.EffectiveParallelism())
	assert.Equal(t, time.Duration(0), cfg.YieldDelay())

	cfg.Sync.Priority = PriorityLow
	assert.Equal(t, 6, cfg.EffectiveParallelism())
	assert.Equal(t, 25*time.Millisecond, cfg.YieldDelay())

	cfg.Sync.Parallelism = 4
	assert.Equal(t, 4, cfg.EffectiveParallelism(), "low priority never raises the width")
}
