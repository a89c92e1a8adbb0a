package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nuka-kb.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("KB_PG_DSN", "postgres://kb@db/kb")
	path := writeConfig(t, `{
		"server": {"port": 9000},
		"database": {
			"postgres": {"dsn": "${KB_PG_DSN}"},
			"redis": {"url": "${KB_REDIS_URL:redis://localhost:6379/0}"}
		},
		"builder": {"endpoint": "http://builder:8000", "timeout": "2m"},
		"ledger": {"backend": "redis", "write_timeout": "15s"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres://kb@db/kb", cfg.Database.Postgres.DSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Database.Redis.URL)
	assert.Equal(t, 2*time.Minute, cfg.Builder.Timeout.Std())
	assert.Equal(t, "redis", cfg.Ledger.Backend)
	assert.Equal(t, 15*time.Second, cfg.Ledger.WriteTimeout.Std())
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Build.ChunkSize)
	assert.Equal(t, 10000, cfg.Build.MaxTokens)
	assert.Equal(t, 3, cfg.Build.Concurrency)
	assert.Equal(t, "heuristic", cfg.Build.TokenEstimator)
	assert.Equal(t, "memory", cfg.Ledger.Backend)
	assert.Equal(t, 2, cfg.Ledger.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Ledger.WriteTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.Builder.Timeout.Std())
	assert.False(t, cfg.Heartbeat.Enabled)
	assert.Equal(t, "migrations", cfg.Database.Postgres.Migrations)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"builder": {"timeout": "soon"}}`))
	assert.ErrorContains(t, err, "invalid duration")

	_, err = Load(writeConfig(t, `{not json`))
	assert.Error(t, err)
}

func TestDurationNumeric(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`1500000000`)))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(b))
}
