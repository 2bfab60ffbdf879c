package internal

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// LoginTracker 單一登入：同一帳號同時只允許一個登入中的客戶端
type LoginTracker interface {
	// Acquire 標記登入，已有登入時回傳 ErrAlreadyLoggedIn
	Acquire(ctx context.Context, userID string) error
	// Release 登出，未登入時不做任何事
	Release(ctx context.Context, userID string) error
	// Active 是否登入中
	Active(ctx context.Context, userID string) (bool, error)
}

var (
	_ LoginTracker = (*MemoryLoginTracker)(nil)
	_ LoginTracker = (*RedisLoginTracker)(nil)
)

// MemoryLoginTracker 單機記憶體實作
type MemoryLoginTracker struct {
	mu     sync.Mutex
	active map[string]time.Time // userID -> 到期時間
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryLoginTracker 創建記憶體登入追蹤，ttl 通常與 token 有效期相同
func NewMemoryLoginTracker(ttl time.Duration) *MemoryLoginTracker {
	return &MemoryLoginTracker{
		active: make(map[string]time.Time),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Acquire 標記登入
func (t *MemoryLoginTracker) Acquire(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if until, exists := t.active[userID]; exists && now.Before(until) {
		return apperrors.ErrAlreadyLoggedIn.WithDetails(userID)
	}
	t.active[userID] = now.Add(t.ttl)
	return nil
}

// Release 登出
func (t *MemoryLoginTracker) Release(_ context.Context, userID string) error {
	t.mu.Lock()
	delete(t.active, userID)
	t.mu.Unlock()
	return nil
}

// Active 是否登入中
func (t *MemoryLoginTracker) Active(_ context.Context, userID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	until, exists := t.active[userID]
	return exists && t.now().Before(until), nil
}

// RedisLoginTracker 多實例部署時以 Redis 共享登入狀態
//
// 以 SET NX + TTL 實作，登入逾期會自動釋放；Redis 錯誤回報為 SERVICE_UNAVAILABLE
type RedisLoginTracker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLoginTracker 創建 Redis 登入追蹤
func NewRedisLoginTracker(client *redis.Client, ttl time.Duration) *RedisLoginTracker {
	return &RedisLoginTracker{
		client: client,
		prefix: "tictactoe:login:",
		ttl:    ttl,
	}
}

func (t *RedisLoginTracker) key(userID string) string {
	return t.prefix + userID
}

// Acquire 標記登入
func (t *RedisLoginTracker) Acquire(ctx context.Context, userID string) error {
	ok, err := t.client.SetNX(ctx, t.key(userID), time.Now().Unix(), t.ttl).Result()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "login service unavailable")
	}
	if !ok {
		return apperrors.ErrAlreadyLoggedIn.WithDetails(userID)
	}
	return nil
}

// Release 登出
func (t *RedisLoginTracker) Release(ctx context.Context, userID string) error {
	if err := t.client.Del(ctx, t.key(userID)).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "login service unavailable")
	}
	return nil
}

// Active 是否登入中
func (t *RedisLoginTracker) Active(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.Exists(ctx, t.key(userID)).Result()
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "login service unavailable")
	}
	return n > 0, nil
}
