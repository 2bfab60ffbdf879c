package internal

import (
	"encoding/json"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// 客戶端 → 伺服器事件
const (
	EventCheckOpponent = "check_opponent"
	EventPlay          = "play"
	EventGameOver      = "game_over"
	EventLeave         = "leave"
	EventResetGame     = "reset_game"
)

// 伺服器 → 客戶端事件
const (
	EventInfo           = "info"
	EventStartGame      = "start_game"
	EventOpponentReset  = "opponent_reset"
	EventUpdateBoard    = "update_board"
	EventUpdateGameOver = "update_game_over"
	EventError          = "error"
)

// 給 info 事件的先後手訊息，與網頁客戶端文字一致
const (
	MessageYourTurn    = "Your turn"
	MessageNotYourTurn = "Not your turn"
)

// BoardSize 棋盤格數，位置為 0..8
const BoardSize = 9

// Event 伺服器送出的事件
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// inboundEvent 客戶端送來的事件，data 延後解析
type inboundEvent struct {
	Type string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// ClientData 客戶端事件的共用欄位，各事件只使用其中一部分
type ClientData struct {
	GameID     string `json:"game_id"`
	UserID     string `json:"user_id"`
	OpponentID string `json:"opponent_id,omitempty"`
	Pos        *int   `json:"pos,omitempty"`
	IsDraw     bool   `json:"is_draw,omitempty"`
	A          *int   `json:"a,omitempty"`
	B          *int   `json:"b,omitempty"`
	C          *int   `json:"c,omitempty"`
}

// InfoData 連線後送給自己的對局資訊
type InfoData struct {
	Message      string `json:"message"`
	Sign         Sign   `json:"sign"`
	Opponent     string `json:"opponent"`
	OpponentID   string `json:"opponent_id"`
	OpponentSign Sign   `json:"opponent_sign"`
}

// UpdateBoardData 對手落子
type UpdateBoardData struct {
	Pos int `json:"pos"`
}

// UpdateGameOverData 對手結束對局；平手時不帶連線位置
type UpdateGameOverData struct {
	IsDraw bool `json:"is_draw"`
	Pos    int  `json:"pos"`
	A      *int `json:"a,omitempty"`
	B      *int `json:"b,omitempty"`
	C      *int `json:"c,omitempty"`
}

// ErrorData 事件被拒絕時回給發送者
type ErrorData struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

func validPos(p *int) bool {
	return p != nil && *p >= 0 && *p < BoardSize
}

// validatePlay 檢查 play 欄位
func (d ClientData) validatePlay() error {
	if !validPos(d.Pos) {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "無效的落子位置")
	}
	return nil
}

// validateGameOver 檢查 game_over 欄位：非平手時必須帶三個連線位置
func (d ClientData) validateGameOver() error {
	if !validPos(d.Pos) {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "無效的落子位置")
	}
	if d.IsDraw {
		return nil
	}
	if !validPos(d.A) || !validPos(d.B) || !validPos(d.C) {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "勝利時必須提供三個連線位置")
	}
	return nil
}

// gameOverData 轉成要轉發給對手的內容
func (d ClientData) gameOverData() UpdateGameOverData {
	out := UpdateGameOverData{IsDraw: d.IsDraw, Pos: *d.Pos}
	if !d.IsDraw {
		out.A, out.B, out.C = d.A, d.B, d.C
	}
	return out
}
