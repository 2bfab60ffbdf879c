package internal

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// StatKind 統計種類
type StatKind string

const (
	StatComputer StatKind = "computer" // 對電腦
	StatOnline   StatKind = "online"   // 線上對戰
)

// User 用戶資料
type User struct {
	ID           string    `json:"user_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// GameStats 對局統計
type GameStats struct {
	Played  int `json:"games_played"`
	Won     int `json:"games_won"`
	Draws   int `json:"games_draws"`
	Defeats int `json:"games_defeat"`
}

// Validate 統計值不能為負數
func (s GameStats) Validate() error {
	if s.Played < 0 || s.Won < 0 || s.Draws < 0 || s.Defeats < 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "統計值不能為負數")
	}
	return nil
}

// UserDirectory 對局核心唯一依賴的用戶介面：以 ID 查顯示名稱
type UserDirectory interface {
	Username(ctx context.Context, userID string) (string, error)
}

// UserStore 帳號與統計存放
type UserStore interface {
	UserDirectory
	CreateUser(ctx context.Context, username, password string) (*User, error)
	Authenticate(ctx context.Context, username, password string) (*User, error)
	GetUser(ctx context.Context, userID string) (*User, error)
	GetStats(ctx context.Context, userID string, kind StatKind) (GameStats, error)
	UpdateStats(ctx context.Context, userID string, kind StatKind, stats GameStats) error
}

// validateCredentials 註冊時的基本檢查
func validateCredentials(username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "用戶名與密碼不能為空")
	}
	if len(username) > 80 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "用戶名過長")
	}
	// bcrypt 只使用前 72 bytes
	if len(password) > 72 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "密碼過長")
	}
	return nil
}

// hashPassword bcrypt 雜湊
func hashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "密碼雜湊失敗")
	}
	return string(hash), nil
}

// checkPassword 驗證密碼
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func validKind(kind StatKind) error {
	if kind != StatComputer && kind != StatOnline {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "未知的統計種類: %s", kind)
	}
	return nil
}

// MemoryUserStore 記憶體實作，未配置資料庫時與測試使用
type MemoryUserStore struct {
	mu         sync.RWMutex
	users      map[string]*User // userID -> User
	byName     map[string]string
	stats      map[StatKind]map[string]GameStats
	bcryptCost int
}

var _ UserStore = (*MemoryUserStore)(nil)

// NewMemoryUserStore 創建記憶體用戶存放
//
// bcryptCost <= 0 時使用 bcrypt.DefaultCost
func NewMemoryUserStore(bcryptCost int) *MemoryUserStore {
	if bcryptCost <= 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &MemoryUserStore{
		users:  make(map[string]*User),
		byName: make(map[string]string),
		stats: map[StatKind]map[string]GameStats{
			StatComputer: make(map[string]GameStats),
			StatOnline:   make(map[string]GameStats),
		},
		bcryptCost: bcryptCost,
	}
}

// CreateUser 註冊用戶，同時建立兩種歸零的統計
func (s *MemoryUserStore) CreateUser(_ context.Context, username, password string) (*User, error) {
	if err := validateCredentials(username, password); err != nil {
		return nil, err
	}

	hash, err := hashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[username]; exists {
		return nil, apperrors.ErrUsernameTaken
	}

	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	s.users[user.ID] = user
	s.byName[username] = user.ID
	s.stats[StatComputer][user.ID] = GameStats{}
	s.stats[StatOnline][user.ID] = GameStats{}

	cp := *user
	return &cp, nil
}

// Authenticate 驗證帳號密碼
func (s *MemoryUserStore) Authenticate(_ context.Context, username, password string) (*User, error) {
	s.mu.RLock()
	id, exists := s.byName[username]
	var user User
	if exists {
		user = *s.users[id]
	}
	s.mu.RUnlock()

	if !exists || !checkPassword(user.PasswordHash, password) {
		return nil, apperrors.ErrInvalidCredentials
	}
	return &user, nil
}

// GetUser 以 ID 取得用戶
func (s *MemoryUserStore) GetUser(_ context.Context, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[userID]
	if !exists {
		return nil, apperrors.ErrUserNotFound.WithDetails(userID)
	}
	cp := *user
	return &cp, nil
}

// Username 以 ID 查顯示名稱
func (s *MemoryUserStore) Username(ctx context.Context, userID string) (string, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	return user.Username, nil
}

// GetStats 取得統計
func (s *MemoryUserStore) GetStats(_ context.Context, userID string, kind StatKind) (GameStats, error) {
	if err := validKind(kind); err != nil {
		return GameStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats, exists := s.stats[kind][userID]
	if !exists {
		return GameStats{}, apperrors.ErrUserNotFound.WithDetails(userID)
	}
	return stats, nil
}

// UpdateStats 覆寫統計（客戶端計算後整筆上傳）
func (s *MemoryUserStore) UpdateStats(_ context.Context, userID string, kind StatKind, stats GameStats) error {
	if err := validKind(kind); err != nil {
		return err
	}
	if err := stats.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stats[kind][userID]; !exists {
		return apperrors.ErrUserNotFound.WithDetails(userID)
	}
	s.stats[kind][userID] = stats
	return nil
}
