package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"DB_URL", "LISTEN_ADDR", "API_KEYS", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"REDIS_KEY_PREFIX", "TRANSCRIPT_ROOT", "RECONCILE_TIMEOUT", "MAX_BODY_BYTES",
	"LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoadRequiresDBURL(t *testing.T) {
	clearEnv(t)
	_, err := Load("")
	assert.EqualError(t, err, "DB_URL required")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_URL", "postgres://localhost/hooks")
	t.Setenv("TRANSCRIPT_ROOT", "/var/transcripts")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultReconcileTimeout, cfg.ReconcileTimeout)
	assert.Equal(t, int64(DefaultMaxBodyBytes), cfg.MaxBodyBytes)
	assert.Equal(t, DefaultRedisKeyPrefix, cfg.Redis.KeyPrefix)
	assert.Equal(t, "", cfg.Redis.Addr)
	assert.Equal(t, "/var/transcripts", cfg.TranscriptRoot)
	assert.Equal(t, map[string]string{"operator-key-123": "operator"}, cfg.APIKeys)
}

func TestLoadExpandsHomeInTranscriptRoot(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_URL", "postgres://x")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".claude", "projects"), cfg.TranscriptRoot)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_url: postgres://file/hooks
listen_addr: ":9000"
reconcile_timeout: 750ms
max_body_bytes: 2048
log_level: debug
redis:
  addr: 127.0.0.1:6379
  db: 2
api_keys:
  ops: key-from-file
`), 0o600))
	t.Setenv("LISTEN_ADDR", ":9100")
	t.Setenv("REDIS_DB", "4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://file/hooks", cfg.DBURL)
	assert.Equal(t, ":9100", cfg.ListenAddr)
	assert.Equal(t, 750*time.Millisecond, cfg.ReconcileTimeout)
	assert.Equal(t, int64(2048), cfg.MaxBodyBytes)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Redis.DB)
	assert.Equal(t, map[string]string{"key-from-file": "ops"}, cfg.APIKeys)

	t.Setenv("API_KEYS", "alice:k1, bob:k2")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"k1": "alice", "k2": "bob"}, cfg.APIKeys)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, kv := range map[string][2]string{
		"api keys":  {"API_KEYS", "no-colon"},
		"redis db":  {"REDIS_DB", "two"},
		"timeout":   {"RECONCILE_TIMEOUT", "soon"},
		"body size": {"MAX_BODY_BYTES", "1MB"},
	} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DB_URL", "postgres://x")
			t.Setenv(kv[0], kv[1])
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := ParseAPIKeys(" a:1 ,,b:2:extra")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "a", "2:extra": "b"}, keys)

	_, err = ParseAPIKeys(":k")
	assert.Error(t, err)
}
