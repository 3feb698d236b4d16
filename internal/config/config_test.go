package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "server"
log_level = "debug"

[postgres]
database = "marketd_test"

[watcher]
poll_interval = "30s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "server", cfg.Mode)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, "marketd_test", cfg.Postgres.Database)
	// Untouched defaults survive the merge.
	require.Equal(t, "localhost", cfg.Postgres.Host)
	require.Equal(t, 30*time.Second, cfg.Watcher.PollInterval.Duration)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MARKETD_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("MARKETD_SERVER_PORT", "9001")
	t.Setenv("MARKETD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	path := writeConfig(t, `mode = "server"`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "hunter2", cfg.Postgres.Password)
	require.Equal(t, 9001, cfg.Server.Port)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidateServerModeWithoutSubgraph(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "server"
	require.NoError(t, cfg.Validate())
}

func TestValidateWatcherModeRequiresSubgraph(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "watcher"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "subgraph_url")

	cfg.Watcher.SubgraphURL = "https://api.example.com/subgraphs/marketplace"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "juggle"
	cfg.LogLevel = "loud"
	cfg.Server.Port = 70000
	cfg.Postgres.PoolMinConns = 50
	cfg.Nonce.MaxRange = 0

	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown mode")
	require.Contains(t, err.Error(), "unknown log_level")
	require.Contains(t, err.Error(), "port must be")
	require.Contains(t, err.Error(), "pool_min_conns")
	require.Contains(t, err.Error(), "max_range")
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pgpass"
	cfg.Redis.Password = "redispass"
	cfg.Server.APIKey = "apikey"
	cfg.Watcher.APIKey = "graphkey"
	cfg.S3.SecretKey = "s3secret"

	red := RedactedConfig(&cfg)
	require.Equal(t, "***", red.Postgres.Password)
	require.Equal(t, "***", red.Redis.Password)
	require.Equal(t, "***", red.Server.APIKey)
	require.Equal(t, "***", red.Watcher.APIKey)
	require.Equal(t, "***", red.S3.SecretKey)

	// Original is untouched.
	require.Equal(t, "pgpass", cfg.Postgres.Password)
}
