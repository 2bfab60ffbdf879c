package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Matchmaking struct {
		Interval         time.Duration `yaml:"interval"`           // 配對掃描間隔
		ReapInterval     time.Duration `yaml:"reap_interval"`      // 過期清理間隔
		QueueIdleTimeout time.Duration `yaml:"queue_idle_timeout"` // 多久沒輪詢就移出佇列，0 表示不清理
		UnclaimedTimeout time.Duration `yaml:"unclaimed_timeout"`  // 配對後無人連線的保留時間
		MaxSessionAge    time.Duration `yaml:"max_session_age"`    // 對局最長存活時間
	} `yaml:"matchmaking"`

	WebSocket struct {
		PongWait       time.Duration `yaml:"pong_wait"`
		PingPeriod     time.Duration `yaml:"ping_period"`
		WriteWait      time.Duration `yaml:"write_wait"`
		MaxMessageSize int64         `yaml:"max_message_size"`
		SendBuffer     int           `yaml:"send_buffer"`
	} `yaml:"websocket"`

	Auth struct {
		Secret   string        `yaml:"secret"`
		TokenTTL time.Duration `yaml:"token_ttl"`
		Secure   bool          `yaml:"secure_cookie"`
	} `yaml:"auth"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 預設配置
//
// 配對間隔 5 秒、客戶端 check_opponent 延遲 10 秒，兩者搭配決定等待體驗
func DefaultConfig() *Config {
	c := &Config{}

	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.IdleTimeout = 60 * time.Second

	c.Matchmaking.Interval = 5 * time.Second
	c.Matchmaking.ReapInterval = time.Minute
	c.Matchmaking.QueueIdleTimeout = 2 * time.Minute
	c.Matchmaking.UnclaimedTimeout = 2 * time.Minute
	c.Matchmaking.MaxSessionAge = 30 * time.Minute

	c.WebSocket.PongWait = 60 * time.Second
	c.WebSocket.PingPeriod = 54 * time.Second
	c.WebSocket.WriteWait = 10 * time.Second
	c.WebSocket.MaxMessageSize = 4096
	c.WebSocket.SendBuffer = 64

	c.Auth.TokenTTL = 30 * 24 * time.Hour

	c.Postgres.Port = 5432
	c.Postgres.MaxConns = 10
	c.Postgres.MinConns = 2

	c.Redis.PoolSize = 10

	c.Log.Level = "info"
	c.Log.Format = "text"

	return c
}

// LoadConfig 從 YAML 檔案載入配置，未設定的欄位保留預設值
//
// path 為空時只使用預設值與環境變數
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自啟動參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if secret := os.Getenv("AUTH_SECRET"); secret != "" {
		c.Auth.Secret = secret
	}
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("無效的端口: %d", c.Server.Port)
	}
	if c.Matchmaking.Interval <= 0 {
		return fmt.Errorf("配對間隔必須大於 0")
	}
	if c.Matchmaking.ReapInterval <= 0 {
		return fmt.Errorf("清理間隔必須大於 0")
	}
	if c.Matchmaking.QueueIdleTimeout < 0 || c.Matchmaking.UnclaimedTimeout < 0 || c.Matchmaking.MaxSessionAge < 0 {
		return fmt.Errorf("過期時間不能為負數")
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		return fmt.Errorf("ping 間隔 (%s) 必須小於 pong 等待時間 (%s)", c.WebSocket.PingPeriod, c.WebSocket.PongWait)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("發送緩衝必須大於 0")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token 有效期必須大於 0")
	}
	return nil
}

// UsePostgres 是否配置了 PostgreSQL
func (c *Config) UsePostgres() bool {
	return os.Getenv("DATABASE_URL") != "" || c.Postgres.Host != ""
}

// UseRedis 是否配置了 Redis
func (c *Config) UseRedis() bool {
	return c.Redis.Addr != ""
}

// PostgresDSN 生成 PostgreSQL 連線字串（URL 形式，pgx 與 golang-migrate 共用）
func (c *Config) PostgresDSN() string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}
