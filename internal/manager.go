package internal

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// 系統設計問題：
//   等待佇列、對局表由配對 goroutine 與大量 HTTP / WebSocket 處理器同時讀寫，
//   如何避免資料競爭與重複配對？
//
// 設計方案：
//   ✅ 單一擁有者 - 佇列與對局表只存在於 Manager 內部，不對外暴露 map
//   ✅ 一把互斥鎖 - 「檢查後移除」之類的讀改寫序列在同一臨界區完成
//   ✅ 定時掃描 - 每個間隔執行一次配對，每輪以 recover 隔離
//   ✅ 過期清理 - 被遺棄的搜尋與無人認領的對局定期回收

// MatchmakingOptions Manager 的時間參數
type MatchmakingOptions struct {
	Interval         time.Duration
	ReapInterval     time.Duration
	QueueIdleTimeout time.Duration
	UnclaimedTimeout time.Duration
	MaxSessionAge    time.Duration
}

// OptionsFromConfig 從配置取出配對參數
func OptionsFromConfig(c *Config) MatchmakingOptions {
	return MatchmakingOptions{
		Interval:         c.Matchmaking.Interval,
		ReapInterval:     c.Matchmaking.ReapInterval,
		QueueIdleTimeout: c.Matchmaking.QueueIdleTimeout,
		UnclaimedTimeout: c.Matchmaking.UnclaimedTimeout,
		MaxSessionAge:    c.Matchmaking.MaxSessionAge,
	}
}

// Option 調整 Manager 行為（主要供測試注入）
type Option func(*Manager)

// WithClock 替換時間來源
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithChooser 替換隨機偏好的解析方式
func WithChooser(pick Chooser) Option {
	return func(m *Manager) { m.pick = pick }
}

// WithIDGenerator 替換對局 ID 產生器
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithoutBackground 不啟動背景 goroutine，由呼叫者手動 MatchNow / Reap
func WithoutBackground() Option {
	return func(m *Manager) { m.background = false }
}

// SearchResult is_game_searched 的結果
type SearchResult struct {
	Found      bool
	GameID     string
	OpponentID string
}

// Manager 配對與對局管理器
type Manager struct {
	queue  []WaitingEntry          // 等待佇列，依入隊順序
	games  map[string]*GameSession // gameID -> GameSession
	mu     sync.Mutex
	opts   MatchmakingOptions
	logger *slog.Logger

	now        func() time.Time
	pick       Chooser
	newID      func() string
	onExpire   func(*GameSession)
	background bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager 創建配對管理器並啟動背景配對與清理
func NewManager(opts MatchmakingOptions, logger *slog.Logger, options ...Option) *Manager {
	m := &Manager{
		games:      make(map[string]*GameSession),
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		pick:       defaultChooser,
		newID:      uuid.NewString,
		background: true,
		stopCh:     make(chan struct{}),
	}
	for _, o := range options {
		o(m)
	}

	if m.background {
		m.wg.Add(2)
		go m.matchLoop()
		go m.reapLoop()
	}

	return m
}

// SetExpireHook 設定對局被過期回收時的通知（Hub 用來通知仍在線的玩家）
func (m *Manager) SetExpireHook(hook func(*GameSession)) {
	m.mu.Lock()
	m.onExpire = hook
	m.mu.Unlock()
}

// JoinQueue 加入等待佇列
//
// Random 於此處立即解析；同一用戶重複加入不會去重
func (m *Manager) JoinQueue(userID string, sign Sign, turn Turn) (WaitingEntry, error) {
	entry, err := NewWaitingEntry(userID, sign, turn, m.now(), m.pick)
	if err != nil {
		return WaitingEntry{}, err
	}

	m.mu.Lock()
	m.queue = append(m.queue, entry)
	size := len(m.queue)
	m.mu.Unlock()

	m.logger.Info("玩家加入等待佇列",
		"user_id", userID,
		"sign", entry.Sign,
		"turn", entry.Turn.String(),
		"queue_size", size)

	return entry, nil
}

// SearchStatus 查詢用戶是否已配對
//
// 仍在佇列中 → 尚未找到（即使另有對局）；不在佇列也沒有對局時同樣回報尚未找到
func (m *Manager) SearchStatus(userID string) SearchResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := false
	now := m.now()
	for i := range m.queue {
		if m.queue[i].UserID == userID {
			m.queue[i].LastSeen = now
			queued = true
		}
	}
	if queued {
		return SearchResult{}
	}

	game := m.findGameLocked(userID)
	if game == nil {
		return SearchResult{}
	}

	opponent, _ := game.Opponent(userID)
	return SearchResult{
		Found:      true,
		GameID:     game.ID,
		OpponentID: opponent.UserID,
	}
}

// findGameLocked 找用戶最早的未結束對局（需持有鎖）
func (m *Manager) findGameLocked(userID string) *GameSession {
	var found *GameSession
	for _, g := range m.games {
		if !g.HasPlayer(userID) || g.State() == StateOver {
			continue
		}
		if found == nil || g.CreatedAt.Before(found.CreatedAt) {
			found = g
		}
	}
	return found
}

// ResetSearch 取消搜尋：移除該用戶的第一個等待項，不存在時不做任何事
func (m *Manager) ResetSearch(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.queue {
		if e.UserID == userID {
			m.queue = append(m.queue[:i:i], m.queue[i+1:]...)
			m.logger.Info("玩家取消搜尋", "user_id", userID, "queue_size", len(m.queue))
			return true
		}
	}
	return false
}

// MatchNow 立即執行一輪配對（公開方法供測試使用）
//
// 每次以 FindPair 取第一組，移除後再掃描剩餘佇列，直到沒有可配對的組合
func (m *Manager) MatchNow() []*GameSession {
	var created []*GameSession
	for {
		game, ok := m.matchOnce()
		if !ok {
			return created
		}
		created = append(created, game)
	}
}

// matchOnce 配對一組；panic 會被攔截並視為本輪結束
func (m *Manager) matchOnce() (game *GameSession, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("配對掃描發生 panic", "error", r)
			game, ok = nil, false
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	i, j, found := FindPair(m.queue)
	if !found {
		return nil, false
	}

	a, b := m.queue[i], m.queue[j]
	first, second := orderPlayers(a, b)

	// ID 先產生再修改佇列，產生器出錯時佇列保持原樣
	id := m.newID()
	if _, exists := m.games[id]; exists {
		panic(fmt.Sprintf("對局 ID 重複: %s", id))
	}

	m.queue = removePair(m.queue, i, j)
	game = NewGameSession(id, first, second, m.now())
	m.games[id] = game

	m.logger.Info("配對成功",
		"game_id", id,
		"player1", first.UserID,
		"player1_sign", first.Sign,
		"player2", second.UserID,
		"player2_sign", second.Sign,
		"queue_size", len(m.queue))

	return game, true
}

// GetGame 獲取對局
func (m *Manager) GetGame(gameID string) (*GameSession, error) {
	m.mu.Lock()
	game, exists := m.games[gameID]
	m.mu.Unlock()

	if !exists {
		return nil, apperrors.ErrGameNotFound.WithDetails(gameID)
	}
	return game, nil
}

// RemoveGame 從 Session Store 移除對局，回傳是否真的移除
func (m *Manager) RemoveGame(gameID string) bool {
	m.mu.Lock()
	game, exists := m.games[gameID]
	if exists {
		delete(m.games, gameID)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	_ = game.Advance(StateClosed)
	m.logger.Info("對局已移除", "game_id", gameID)
	return true
}

// QueueSnapshot 等待佇列的副本
func (m *Manager) QueueSnapshot() []WaitingEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WaitingEntry, len(m.queue))
	copy(out, m.queue)
	return out
}

// matchLoop 定時配對
func (m *Manager) matchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.MatchNow()
		case <-m.stopCh:
			return
		}
	}
}

// reapLoop 定時清理過期資料
func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Reap()
		case <-m.stopCh:
			return
		}
	}
}

// Reap 執行一次過期清理（公開方法供測試使用）
//
// 回傳被移除的等待項數量與對局數量
func (m *Manager) Reap() (entries int, games int) {
	now := m.now()

	m.mu.Lock()
	if idle := m.opts.QueueIdleTimeout; idle > 0 {
		kept := m.queue[:0]
		for _, e := range m.queue {
			if now.Sub(e.LastSeen) > idle {
				entries++
				m.logger.Info("等待項逾時移除", "user_id", e.UserID)
				continue
			}
			kept = append(kept, e)
		}
		m.queue = kept
	}

	var expired []*GameSession
	for id, g := range m.games {
		if m.expired(g, now) {
			delete(m.games, id)
			expired = append(expired, g)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	// 通知在鎖外進行，避免與 Hub 的鎖交錯
	for _, g := range expired {
		_ = g.Advance(StateClosed)
		m.logger.Info("對局已過期清理", "game_id", g.ID, "age", now.Sub(g.CreatedAt))
		if hook != nil {
			hook(g)
		}
	}

	return entries, len(expired)
}

// expired 對局是否過期
func (m *Manager) expired(g *GameSession, now time.Time) bool {
	age := now.Sub(g.CreatedAt)

	// 配對後一直沒人連線
	if m.opts.UnclaimedTimeout > 0 && g.State() == StateMatched && age > m.opts.UnclaimedTimeout {
		return true
	}

	if m.opts.MaxSessionAge > 0 && age > m.opts.MaxSessionAge {
		return true
	}

	return false
}

// Stop 停止管理器
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
	m.logger.Info("配對管理器已停止")
}

// Stats 獲取統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	byState := make(map[SessionState]int)
	for _, g := range m.games {
		byState[g.State()]++
	}

	return map[string]any{
		"queue_size":  len(m.queue),
		"total_games": len(m.games),
		"by_state":    byState,
	}
}
