// Package testutils 提供整合測試用的測試容器
//
// 本套件啟動 PostgreSQL 與 Redis 容器：
//   - PostgreSQL 啟動後自動執行 internal/migrations 的遷移
//   - 所有容器在測試結束時自動清理
//
// 需要 Docker；呼叫端以 testing.Short() 決定是否跳過。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-online-tictactoe/internal/migrations"
)

// Logger 測試時減少日誌噪音
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// PostgresEnv PostgreSQL 測試環境
type PostgresEnv struct {
	Pool      *pgxpool.Pool
	DSN       string
	Container tc.Container
}

// SetupPostgres 啟動 PostgreSQL 容器、建立連接池並執行遷移
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupPostgres(t)
//	    store := internal.NewPostgresUserStore(env.Pool, logger, bcrypt.MinCost)
//	}
func SetupPostgres(t testing.TB) *PostgresEnv {
	t.Helper()

	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	env := &PostgresEnv{Container: pgContainer}
	t.Cleanup(func() {
		if env.Pool != nil {
			env.Pool.Close()
		}
		_ = pgContainer.Terminate(context.Background())
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.DSN = dsn

	migrator, err := migrations.New(dsn, Logger())
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	_ = migrator.Close()

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	env.Pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.Pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}

	return env
}

// Truncate 清空用戶與統計表（用於測試之間的清理）
func (env *PostgresEnv) Truncate(t testing.TB) {
	t.Helper()

	if _, err := env.Pool.Exec(context.Background(), "TRUNCATE TABLE game_stats, users CASCADE"); err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

// SetupRedis 啟動 Redis 容器並回傳已連線的客戶端
func SetupRedis(t testing.TB) *redis.Client {
	t.Helper()

	ctx := context.Background()

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		_ = redisContainer.Terminate(ctx)
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	t.Cleanup(func() {
		_ = client.Close()
		_ = redisContainer.Terminate(context.Background())
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return client
}
