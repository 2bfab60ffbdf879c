package internal

import (
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// SessionState 對局狀態
//
// 有限狀態機設計：
//
//	matched → connecting → active → over
//	   └──────────┴───────────┴───────┴──→ closed
//
// 狀態轉換規則：
//   - matched → connecting：第一位玩家建立即時連線
//   - connecting → active：check_opponent 確認雙方都在線
//   - active → over：一方送出 game_over
//   - 任何狀態 → closed：房間清空 / 強制結束 / 過期
//
// play 與 game_over 只在 active 狀態接受，其餘一律記錄後忽略
type SessionState string

const (
	StateMatched    SessionState = "matched"    // 已配對，尚無人連線
	StateConnecting SessionState = "connecting" // 至少一位玩家已連線
	StateActive     SessionState = "active"     // 雙方到齊，對局進行中
	StateOver       SessionState = "over"       // 已分出勝負或平手
	StateClosed     SessionState = "closed"     // 已從 Session Store 移除
)

// transitions 合法的狀態轉換（同狀態重入視為合法，例如雙方各送一次 check_opponent）
var transitions = map[SessionState][]SessionState{
	StateMatched:    {StateConnecting, StateClosed},
	StateConnecting: {StateConnecting, StateActive, StateClosed},
	StateActive:     {StateActive, StateOver, StateClosed},
	StateOver:       {StateOver, StateClosed},
	StateClosed:     {StateClosed},
}

// CanTransition 檢查轉換是否合法
func CanTransition(from, to SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// GameSession 一場已配對的對局
//
// Player1 永遠是先手；ID、玩家與 CreatedAt 建立後不變，可無鎖讀取
type GameSession struct {
	ID        string    `json:"game_id"`
	Player1   Player    `json:"player1"`
	Player2   Player    `json:"player2"`
	CreatedAt time.Time `json:"created_at"`

	mu        sync.RWMutex
	state     SessionState
	updatedAt time.Time
}

// NewGameSession 創建新對局
func NewGameSession(id string, first, second Player, now time.Time) *GameSession {
	return &GameSession{
		ID:        id,
		Player1:   first,
		Player2:   second,
		CreatedAt: now,
		state:     StateMatched,
		updatedAt: now,
	}
}

// State 當前狀態
func (g *GameSession) State() SessionState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Advance 轉換狀態，非法轉換回傳 INVALID_STATE
func (g *GameSession) Advance(to SessionState) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !CanTransition(g.state, to) {
		return apperrors.Newf(apperrors.ErrCodeInvalidState, "對局 %s 不能從 %s 轉換到 %s", g.ID, g.state, to)
	}
	if g.state != to {
		g.state = to
		g.updatedAt = time.Now()
	}
	return nil
}

// Require 檢查對局是否處於指定狀態之一
func (g *GameSession) Require(states ...SessionState) error {
	current := g.State()
	for _, s := range states {
		if current == s {
			return nil
		}
	}
	return apperrors.Newf(apperrors.ErrCodeInvalidState, "對局 %s 當前狀態 %s 不允許此操作", g.ID, current)
}

// HasPlayer 用戶是否為此對局玩家
func (g *GameSession) HasPlayer(userID string) bool {
	return g.Player1.UserID == userID || g.Player2.UserID == userID
}

// Self 取得用戶自己的一方，第二個回傳值表示是否先手
func (g *GameSession) Self(userID string) (Player, bool, error) {
	switch userID {
	case g.Player1.UserID:
		return g.Player1, true, nil
	case g.Player2.UserID:
		return g.Player2, false, nil
	}
	return Player{}, false, apperrors.ErrNotParticipant.WithDetails(userID)
}

// Opponent 取得對手
func (g *GameSession) Opponent(userID string) (Player, error) {
	switch userID {
	case g.Player1.UserID:
		return g.Player2, nil
	case g.Player2.UserID:
		return g.Player1, nil
	}
	return Player{}, apperrors.ErrNotParticipant.WithDetails(userID)
}

// GetState 獲取對局快照（用於序列化）
func (g *GameSession) GetState() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]any{
		"game_id":    g.ID,
		"player1":    g.Player1,
		"player2":    g.Player2,
		"state":      g.state,
		"created_at": g.CreatedAt,
		"updated_at": g.updatedAt,
	}
}
