package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9000
  jwt_secret: s3cret
logging:
  level: debug
state_storage:
  type: sqlite
  file_path: /tmp/state.db
queue:
  max_retries: 7
  max_delay: 10s
engine:
  debounce:
    store:state_changed:
      delay: 50ms
      key_fields: [store]
      merge: latest
  coalescing:
    sync:changes:
      group_by: storeName
      max_age: 250ms
      strategy: merge
conflict:
  strategies:
    inventory: server_authoritative
stores:
  - name: inventory
    significant_fields: [products, stock]
  - name: sales
    dependencies: [inventory]
  - name: audit
    dependencies: ["*"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.StateStorage.Type)
	assert.Equal(t, "memory", cfg.DocumentStore.Type, "default kept")
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Queue.MaxDelay)
	assert.Equal(t, time.Second, cfg.Queue.BaseDelay)

	require.Contains(t, cfg.Engine.Debounce, "store:state_changed")
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.Debounce["store:state_changed"].Delay)
	require.Contains(t, cfg.Engine.Coalescing, "sync:changes")
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.Coalescing["sync:changes"].MaxAge)

	assert.Equal(t, map[string]string{"inventory": "server_authoritative"}, cfg.Conflict.Strategies)
	assert.Equal(t, Default().Conflict.CriticalFields, cfg.Conflict.CriticalFields)

	require.Len(t, cfg.Stores, 3)
	assert.Equal(t, []string{"inventory"}, cfg.Stores[1].Dependencies)
	assert.Equal(t, []string{"*"}, cfg.Stores[2].Dependencies)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
	assert.Equal(t, Default().Engine.Debounce, cfg.Engine.Debounce)
	assert.Equal(t, 30*time.Second, cfg.Queue.MaxDelay)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SYNC_SERVER_PORT", "9191")
	t.Setenv("SYNC_QUEUE_MAX_RETRIES", "2")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Queue.MaxRetries)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Stores = []StoreConfig{{Name: "a"}, {Name: "a"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.StateStorage.Type = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Connectivity.Mode = "http"
	assert.Error(t, cfg.Validate())
	cfg.Connectivity.ProbeURL = "http://example.invalid/health"
	assert.NoError(t, cfg.Validate())
}

func TestServerTimeouts(t *testing.T) {
	s := Default().Server
	assert.Equal(t, 15*time.Second, s.GetReadTimeout())
	assert.Equal(t, 15*time.Second, s.GetWriteTimeout())
}
