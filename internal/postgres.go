package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// pgUniqueViolation PostgreSQL 唯一約束錯誤碼
const pgUniqueViolation = "23505"

// PostgresUserStore 以 PostgreSQL 存放帳號與統計
type PostgresUserStore struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	bcryptCost int
}

var _ UserStore = (*PostgresUserStore)(nil)

// NewPostgresUserStore 創建 PostgreSQL 用戶存放
func NewPostgresUserStore(pool *pgxpool.Pool, logger *slog.Logger, bcryptCost int) *PostgresUserStore {
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &PostgresUserStore{
		pool:       pool,
		logger:     logger,
		bcryptCost: bcryptCost,
	}
}

// CreateUser 註冊用戶，用戶與兩筆統計在同一交易中建立
func (s *PostgresUserStore) CreateUser(ctx context.Context, username, password string) (*User, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}

	hash, err := hashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3) RETURNING created_at`,
		user.ID, user.Username, user.PasswordHash,
	).Scan(&user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, apperrors.ErrUsernameTaken
		}
		s.logger.Error("postgres create user failed", "username", username, "error", err)
		return nil, fmt.Errorf("insert user: %w", err)
	}

	for _, kind := range []StatKind{StatComputer, StatOnline} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO game_stats (user_id, kind) VALUES ($1, $2)`,
			user.ID, string(kind),
		); err != nil {
			return nil, fmt.Errorf("insert %s stats: %w", kind, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return user, nil
}

// Authenticate 驗證帳號密碼
func (s *PostgresUserStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.scanUser(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, err
	}

	if !checkPassword(user.PasswordHash, password) {
		return nil, apperrors.ErrInvalidCredentials
	}
	return user, nil
}

// GetUser 以 ID 取得用戶
func (s *PostgresUserStore) GetUser(ctx context.Context, userID string) (*User, error) {
	return s.scanUser(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE id = $1`, userID)
}

// Username 以 ID 查顯示名稱
func (s *PostgresUserStore) Username(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperrors.ErrUserNotFound.WithDetails(userID)
	}
	if err != nil {
		return "", fmt.Errorf("query username: %w", err)
	}
	return name, nil
}

func (s *PostgresUserStore) scanUser(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrUserNotFound.WithDetails(arg)
	}
	if err != nil {
		s.logger.Error("postgres query user failed", "error", err)
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// GetStats 取得統計
func (s *PostgresUserStore) GetStats(ctx context.Context, userID string, kind StatKind) (GameStats, error) {
	if err := validKind(kind); err != nil {
		return GameStats{}, err
	}

	var st GameStats
	err := s.pool.QueryRow(ctx,
		`SELECT games_played, games_won, games_draws, games_defeat
		   FROM game_stats WHERE user_id = $1 AND kind = $2`,
		userID, string(kind),
	).Scan(&st.Played, &st.Won, &st.Draws, &st.Defeats)
	if errors.Is(err, pgx.ErrNoRows) {
		return GameStats{}, apperrors.ErrUserNotFound.WithDetails(userID)
	}
	if err != nil {
		return GameStats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

// UpdateStats 覆寫統計
func (s *PostgresUserStore) UpdateStats(ctx context.Context, userID string, kind StatKind, stats GameStats) error {
	if err := validKind(kind); err != nil {
		return err
	}
	if err := stats.Validate(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE game_stats
		    SET games_played = $3, games_won = $4, games_draws = $5, games_defeat = $6, updated_at = $7
		  WHERE user_id = $1 AND kind = $2`,
		userID, string(kind), stats.Played, stats.Won, stats.Draws, stats.Defeats, time.Now(),
	)
	if err != nil {
		s.logger.Error("postgres update stats failed", "user_id", userID, "kind", kind, "error", err)
		return fmt.Errorf("update stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrUserNotFound.WithDetails(userID)
	}
	return nil
}
