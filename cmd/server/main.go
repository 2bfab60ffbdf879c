package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/koopa0/system-design/14-online-tictactoe/internal"
	"github.com/koopa0/system-design/14-online-tictactoe/internal/migrations"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// 解析命令行參數
	flagSet := pflag.NewFlagSet("tictactoe-server", pflag.ContinueOnError)
	var (
		configPath = flagSet.String("config", "", "YAML 配置檔路徑")
		port       = flagSet.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flagSet.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flagSet.String("log-format", "", "日誌格式 (text, json)")
	)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("載入配置失敗: %w", err)
	}
	if *port != 0 {
		config.Server.Port = *port
	}
	if *logLevel != "" {
		config.Log.Level = *logLevel
	}
	if *logFormat != "" {
		config.Log.Format = *logFormat
	}
	if err := config.Validate(); err != nil {
		return err
	}

	// 設置日誌
	logger := setupLogger(config.Log.Level, config.Log.Format)
	slog.SetDefault(logger)

	ctx := context.Background()

	// 用戶存放：有 PostgreSQL 配置時使用資料庫，否則用記憶體
	var users internal.UserStore
	if config.UsePostgres() {
		pool, err := connectPostgres(ctx, config, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		users = internal.NewPostgresUserStore(pool, logger, 0)
	} else {
		logger.Warn("未配置 PostgreSQL，使用記憶體用戶存放（重啟後資料消失）")
		users = internal.NewMemoryUserStore(0)
	}

	// 登入追蹤：有 Redis 時跨實例共享
	var logins internal.LoginTracker
	if config.UseRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			PoolSize: config.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("連接 Redis 失敗: %w", err)
		}
		defer client.Close()
		logins = internal.NewRedisLoginTracker(client, config.Auth.TokenTTL)
	} else {
		logins = internal.NewMemoryLoginTracker(config.Auth.TokenTTL)
	}

	secret := config.Auth.Secret
	if secret == "" {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("未配置 auth.secret，使用隨機密鑰（重啟後所有 token 失效）")
	}
	auth := internal.NewAuthenticator(secret, config.Auth.TokenTTL, config.Auth.Secure)

	// 創建配對管理器
	manager := internal.NewManager(internal.OptionsFromConfig(config), logger)

	// 創建 WebSocket Hub
	wsHub := internal.NewWebSocketHub(manager, users, internal.WebSocketOptionsFromConfig(config), logger)

	// 創建 HTTP 處理器
	handler := internal.NewHandler(manager, wsHub, users, logins, auth, logger)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  config.Server.IdleTimeout,
	}

	// 啟動服務器
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("井字遊戲服務器啟動",
			"port", config.Server.Port,
			"match_interval", config.Matchmaking.Interval,
			"log_level", config.Log.Level,
			"log_format", config.Log.Format)
		serverErrors <- server.ListenAndServe()
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			manager.Stop()
			return fmt.Errorf("服務器啟動失敗: %w", err)
		}
	case <-sigChan:
		logger.Info("收到關閉信號，開始優雅關閉...")
	}

	// 優雅關閉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 停止配對管理器
	manager.Stop()

	// 停止 WebSocket Hub
	wsHub.Stop()

	logger.Info("服務器已關閉")
	return nil
}

// connectPostgres 建立連線池並執行遷移
func connectPostgres(ctx context.Context, config *internal.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	dsn := config.PostgresDSN()

	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL 配置失敗: %w", err)
	}
	pgConfig.MaxConns = config.Postgres.MaxConns
	pgConfig.MinConns = config.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("連接 PostgreSQL 失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL 無法連線: %w", err)
	}

	// 執行資料庫遷移
	migrator, err := migrations.New(dsn, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("資料庫遷移失敗: %w", err)
	}

	return pool, nil
}

// randomSecret 產生 32 bytes 的隨機簽章密鑰
func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("產生密鑰失敗: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// setupLogger 設置日誌
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
