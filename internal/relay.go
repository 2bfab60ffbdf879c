package internal

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// 轉發規則：
//
//	check_opponent → 對手在房間：start_game 給對手；不在：opponent_reset 給自己
//	play           → 房間只剩自己：opponent_reset 給自己；否則 update_board 給對手
//	game_over      → update_game_over 給對手，對局進入 over
//	leave          → 離開房間，房間清空時刪除對局
//	reset_game     → opponent_reset 給對手，然後同 leave
//
// 對手一律由對局推導，payload 中的 user_id / opponent_id 只用來核對

// connectTimeout 連線時查詢用戶名稱的上限
const connectTimeout = 5 * time.Second

// onConnect 連線建立後送出 info，第一位連線者讓對局進入 connecting
func (hub *WebSocketHub) onConnect(ctx context.Context, c *Connection, game *GameSession) {
	if game.State() == StateMatched {
		if err := game.Advance(StateConnecting); err != nil {
			hub.logger.Warn("對局狀態轉換失敗", "game_id", game.ID, "error", err)
		}
	}

	self, isFirst, err := game.Self(c.UserID)
	if err != nil {
		hub.logger.Error("連線者不在對局中", "game_id", game.ID, "user_id", c.UserID)
		return
	}
	opponent, _ := game.Opponent(c.UserID)

	message := MessageNotYourTurn
	if isFirst {
		message = MessageYourTurn
	}

	hub.send(c, Event{
		Type: EventInfo,
		Data: InfoData{
			Message:      message,
			Sign:         self.Sign,
			Opponent:     hub.displayName(ctx, opponent.UserID),
			OpponentID:   opponent.UserID,
			OpponentSign: opponent.Sign,
		},
	})
}

// displayName 查對手名稱，查不到時以 ID 代替
func (hub *WebSocketHub) displayName(ctx context.Context, userID string) string {
	if hub.users == nil {
		return userID
	}
	name, err := hub.users.Username(ctx, userID)
	if err != nil {
		if !apperrors.IsNotFound(err) {
			hub.logger.Warn("查詢用戶名稱失敗", "user_id", userID, "error", err)
		}
		return userID
	}
	return name
}

// handleMessage 解析並分派一則客戶端事件
//
// 單則事件的 panic 只影響該事件，連線與其他對局不受影響
func (hub *WebSocketHub) handleMessage(c *Connection, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			hub.logger.Error("處理事件發生 panic",
				"game_id", c.GameID,
				"user_id", c.UserID,
				"error", r)
		}
	}()

	var in inboundEvent
	if err := json.Unmarshal(raw, &in); err != nil {
		hub.reject(c, "", apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無效的消息格式"))
		return
	}

	var data ClientData
	if len(in.Data) > 0 && string(in.Data) != "null" {
		if err := json.Unmarshal(in.Data, &data); err != nil {
			hub.reject(c, in.Type, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "無效的事件內容"))
			return
		}
	}

	if err := hub.checkIdentity(c, data); err != nil {
		hub.reject(c, in.Type, err)
		return
	}

	switch in.Type {
	case EventLeave:
		hub.handleLeave(c)
		return
	case EventCheckOpponent, EventPlay, EventGameOver, EventResetGame:
	default:
		hub.reject(c, in.Type, apperrors.Newf(apperrors.ErrCodeInvalidInput, "未知事件: %s", in.Type))
		return
	}

	game, err := hub.manager.GetGame(c.GameID)
	if err != nil {
		// 對局已被刪除（對手離開或過期），對手視同不在
		hub.logger.Info("事件所屬對局不存在",
			"event", in.Type,
			"game_id", c.GameID,
			"user_id", c.UserID)
		if in.Type == EventResetGame {
			hub.handleLeave(c)
			return
		}
		hub.send(c, Event{Type: EventOpponentReset})
		return
	}

	opponent, err := game.Opponent(c.UserID)
	if err != nil {
		hub.reject(c, in.Type, err)
		return
	}
	if data.OpponentID != "" && data.OpponentID != opponent.UserID {
		hub.reject(c, in.Type, apperrors.New(apperrors.ErrCodeInvalidInput, "opponent_id 與對局不符"))
		return
	}

	switch in.Type {
	case EventCheckOpponent:
		hub.handleCheckOpponent(c, game, opponent)
	case EventPlay:
		hub.handlePlay(c, game, opponent, data)
	case EventGameOver:
		hub.handleGameOver(c, game, opponent, data)
	case EventResetGame:
		hub.handleResetGame(c, opponent)
	}
}

// checkIdentity payload 中的 ID 必須與連線一致，省略時以連線為準
func (hub *WebSocketHub) checkIdentity(c *Connection, data ClientData) error {
	if data.UserID != "" && data.UserID != c.UserID {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "user_id 與連線不符")
	}
	if data.GameID != "" && data.GameID != c.GameID {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "game_id 與連線不符")
	}
	return nil
}

func (hub *WebSocketHub) handleCheckOpponent(c *Connection, game *GameSession, opponent Player) {
	peer := hub.member(game.ID, opponent.UserID)
	if peer == nil {
		hub.send(c, Event{Type: EventOpponentReset})
		return
	}

	if err := game.Advance(StateActive); err != nil {
		hub.logger.Info("check_opponent 被忽略", "game_id", game.ID, "user_id", c.UserID, "error", err)
		return
	}

	hub.send(peer, Event{Type: EventStartGame})
}

func (hub *WebSocketHub) handlePlay(c *Connection, game *GameSession, opponent Player, data ClientData) {
	if err := data.validatePlay(); err != nil {
		hub.reject(c, EventPlay, err)
		return
	}

	peer := hub.member(game.ID, opponent.UserID)
	if peer == nil || hub.RoomSize(game.ID) < 2 {
		hub.send(c, Event{Type: EventOpponentReset})
		return
	}

	if err := game.Require(StateActive); err != nil {
		hub.reject(c, EventPlay, err)
		return
	}

	hub.send(peer, Event{Type: EventUpdateBoard, Data: UpdateBoardData{Pos: *data.Pos}})
}

func (hub *WebSocketHub) handleGameOver(c *Connection, game *GameSession, opponent Player, data ClientData) {
	if err := data.validateGameOver(); err != nil {
		hub.reject(c, EventGameOver, err)
		return
	}
	if err := game.Require(StateActive); err != nil {
		hub.reject(c, EventGameOver, err)
		return
	}
	if err := game.Advance(StateOver); err != nil {
		hub.reject(c, EventGameOver, err)
		return
	}

	hub.logger.Info("對局結束",
		"game_id", game.ID,
		"reporter", c.UserID,
		"is_draw", data.IsDraw)

	peer := hub.member(game.ID, opponent.UserID)
	if peer == nil {
		return
	}
	hub.send(peer, Event{Type: EventUpdateGameOver, Data: data.gameOverData()})
}

func (hub *WebSocketHub) handleResetGame(c *Connection, opponent Player) {
	if peer := hub.member(c.GameID, opponent.UserID); peer != nil {
		hub.send(peer, Event{Type: EventOpponentReset})
	}
	hub.handleLeave(c)
}

func (hub *WebSocketHub) handleLeave(c *Connection) {
	if hub.Detach(c) {
		hub.logger.Info("玩家離開對局",
			"game_id", c.GameID,
			"user_id", c.UserID,
			"remaining", hub.RoomSize(c.GameID))
	}
}

// reject 記錄被拒絕的事件並回傳 error 事件給發送者
func (hub *WebSocketHub) reject(c *Connection, event string, err error) {
	hub.logger.Warn("事件被拒絕",
		"event", event,
		"game_id", c.GameID,
		"user_id", c.UserID,
		"code", apperrors.CodeOf(err),
		"error", err)

	hub.send(c, Event{
		Type: EventError,
		Data: ErrorData{Event: event, Message: apperrors.MessageOf(err)},
	})
}
