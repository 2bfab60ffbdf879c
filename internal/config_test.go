package internal_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-online-tictactoe/internal"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestDefaultConfig 預設值必須通過驗證
func TestDefaultConfig(t *testing.T) {
	c := internal.DefaultConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 5*time.Second, c.Matchmaking.Interval)
	assert.Equal(t, 54*time.Second, c.WebSocket.PingPeriod)
	assert.Equal(t, 60*time.Second, c.WebSocket.PongWait)
}

// TestLoadConfig 測試 YAML 載入與環境變數覆蓋
func TestLoadConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("AUTH_SECRET", "")

	t.Run("empty path uses defaults", func(t *testing.T) {
		c, err := internal.LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, internal.DefaultConfig(), c)
		assert.False(t, c.UsePostgres())
		assert.False(t, c.UseRedis())
	})

	t.Run("yaml overrides only given fields", func(t *testing.T) {
		path := writeConfig(t, `
server:
  port: 9090
matchmaking:
  interval: 2s
  queue_idle_timeout: 0s
postgres:
  host: db
  user: app
  password: pw
  dbname: tictactoe
redis:
  addr: cache:6379
log:
  level: debug
  format: json
`)
		c, err := internal.LoadConfig(path)
		require.NoError(t, err)

		assert.Equal(t, 9090, c.Server.Port)
		assert.Equal(t, 2*time.Second, c.Matchmaking.Interval)
		assert.Equal(t, time.Duration(0), c.Matchmaking.QueueIdleTimeout)
		assert.Equal(t, time.Minute, c.Matchmaking.ReapInterval, "default kept")
		assert.Equal(t, "debug", c.Log.Level)
		assert.True(t, c.UsePostgres())
		assert.True(t, c.UseRedis())
		assert.Equal(t, "postgres://app:pw@db:5432/tictactoe?sslmode=disable", c.PostgresDSN())
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://env/db")
		t.Setenv("REDIS_ADDR", "env:6379")
		t.Setenv("AUTH_SECRET", "from-env")

		c, err := internal.LoadConfig("")
		require.NoError(t, err)
		assert.True(t, c.UsePostgres())
		assert.Equal(t, "postgres://env/db", c.PostgresDSN())
		assert.Equal(t, "env:6379", c.Redis.Addr)
		assert.Equal(t, "from-env", c.Auth.Secret)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := internal.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := internal.LoadConfig(writeConfig(t, "server: [1, 2"))
		assert.Error(t, err)
	})
}

// TestConfig_Validate 測試配置驗證
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *internal.Config)
	}{
		{name: "port too large", modify: func(c *internal.Config) { c.Server.Port = 70000 }},
		{name: "zero interval", modify: func(c *internal.Config) { c.Matchmaking.Interval = 0 }},
		{name: "zero reap interval", modify: func(c *internal.Config) { c.Matchmaking.ReapInterval = 0 }},
		{name: "negative timeout", modify: func(c *internal.Config) { c.Matchmaking.MaxSessionAge = -time.Second }},
		{name: "ping not shorter than pong", modify: func(c *internal.Config) { c.WebSocket.PingPeriod = c.WebSocket.PongWait }},
		{name: "zero send buffer", modify: func(c *internal.Config) { c.WebSocket.SendBuffer = 0 }},
		{name: "zero token ttl", modify: func(c *internal.Config) { c.Auth.TokenTTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := internal.DefaultConfig()
			tt.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}
