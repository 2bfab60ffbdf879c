package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   兩位玩家如何透過伺服器即時交換落子？
//
// 核心挑戰：
//   1. 連接註冊：用戶 → 連線，同一用戶同時只保留一條
//   2. 房間成員：以 gameID 分組，判斷對手是否還在
//   3. 心跳機制：檢測死連接（54s/60s）
//   4. 清理：最後一人離開房間時刪除對局
//
// 設計方案：
//   ✅ Hub 模式 - 集中管理註冊表與房間，同一把 RWMutex
//   ✅ Send channel 只在持有寫鎖時關閉，發送端持讀鎖並檢查 closed
//   ✅ 鎖順序固定為 hub.mu → manager.mu，Manager 回呼 Hub 時不持有自己的鎖

// WebSocketOptions 連線參數
type WebSocketOptions struct {
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// WebSocketOptionsFromConfig 從配置取出連線參數
func WebSocketOptionsFromConfig(c *Config) WebSocketOptions {
	return WebSocketOptions{
		PongWait:       c.WebSocket.PongWait,
		PingPeriod:     c.WebSocket.PingPeriod,
		WriteWait:      c.WebSocket.WriteWait,
		MaxMessageSize: c.WebSocket.MaxMessageSize,
		SendBuffer:     c.WebSocket.SendBuffer,
	}
}

// WebSocketHub WebSocket 連接中心
//
//  1. 註冊表：map[userID]*Connection
//     - 同一用戶第二次連線會取代並關閉舊連線
//
//  2. 房間：map[gameID]map[userID]*Connection
//     - 成員數決定對手是否還在、何時刪除對局
type WebSocketHub struct {
	manager  *Manager
	users    UserDirectory
	logger   *slog.Logger
	opts     WebSocketOptions
	upgrader websocket.Upgrader

	conns map[string]*Connection            // userID -> Connection
	rooms map[string]map[string]*Connection // gameID -> userID -> Connection
	mu    sync.RWMutex
}

// Connection WebSocket 連接
type Connection struct {
	UserID string
	GameID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *WebSocketHub
	closed bool // 受 hub.mu 保護
}

// NewWebSocketHub 創建 WebSocket Hub，並接上對局過期通知
func NewWebSocketHub(manager *Manager, users UserDirectory, opts WebSocketOptions, logger *slog.Logger) *WebSocketHub {
	hub := &WebSocketHub{
		manager: manager,
		users:   users,
		logger:  logger,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 桌面客戶端沒有 Origin
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}

	manager.SetExpireHook(hub.expireGame)

	return hub
}

// ServeWS 處理 WebSocket 連接：GET /ws?game_id=...&user_id=...
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	gameID := r.URL.Query().Get("game_id")
	userID := r.URL.Query().Get("user_id")
	if gameID == "" || userID == "" {
		http.Error(w, "缺少對局 ID 或用戶 ID", http.StatusBadRequest)
		return
	}

	game, err := hub.manager.GetGame(gameID)
	if err != nil {
		http.Error(w, "對局不存在", http.StatusNotFound)
		return
	}
	if !game.HasPlayer(userID) {
		http.Error(w, "用戶不在對局中", http.StatusForbidden)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	connection := &Connection{
		UserID: userID,
		GameID: gameID,
		Conn:   conn,
		Send:   make(chan []byte, hub.opts.SendBuffer),
		Hub:    hub,
	}

	hub.register(connection)
	go connection.writePump()

	hub.logger.Info("WebSocket 連接建立",
		"game_id", gameID,
		"user_id", userID)

	// info 先進入發送緩衝，才開始處理客戶端事件
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	hub.onConnect(ctx, connection, game)
	cancel()

	go connection.readPump()
}

// register 註冊連接，取代同一用戶的舊連線
func (hub *WebSocketHub) register(conn *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	old, replaced := hub.conns[conn.UserID]

	// 新連線先入房，同一對局的舊連線移除時房間不會因此清空
	hub.conns[conn.UserID] = conn
	if hub.rooms[conn.GameID] == nil {
		hub.rooms[conn.GameID] = make(map[string]*Connection)
	}
	hub.rooms[conn.GameID][conn.UserID] = conn

	if replaced {
		hub.logger.Info("同一用戶重複連線，關閉舊連線",
			"user_id", conn.UserID,
			"old_game_id", old.GameID,
			"game_id", conn.GameID)
		hub.removeLocked(old)
		old.Conn.Close()
	}
}

// Detach 把連線移出註冊表與房間；房間因此清空時刪除對局
//
// 只處理仍在註冊表中的那條連線，重複呼叫不會影響其他對局
func (hub *WebSocketHub) Detach(conn *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if current, exists := hub.conns[conn.UserID]; !exists || current != conn {
		return false
	}
	hub.removeLocked(conn)
	return true
}

// removeLocked 移除連線並關閉其 Send channel（需持有寫鎖）
func (hub *WebSocketHub) removeLocked(conn *Connection) {
	if current, exists := hub.conns[conn.UserID]; exists && current == conn {
		delete(hub.conns, conn.UserID)
	}

	if room, exists := hub.rooms[conn.GameID]; exists {
		if member, ok := room[conn.UserID]; ok && member == conn {
			delete(room, conn.UserID)
		}
		if len(room) == 0 {
			delete(hub.rooms, conn.GameID)
			hub.manager.RemoveGame(conn.GameID)
		}
	}

	hub.closeSendLocked(conn)
}

// closeSendLocked 關閉 Send channel，writePump 會送出 close frame（需持有寫鎖）
func (hub *WebSocketHub) closeSendLocked(conn *Connection) {
	if conn.closed {
		return
	}
	conn.closed = true
	close(conn.Send)
}

// send 把事件放入連線的發送緩衝，緩衝滿時丟棄
func (hub *WebSocketHub) send(conn *Connection, event Event) bool {
	message, err := json.Marshal(event)
	if err != nil {
		hub.logger.Error("序列化事件失敗", "event", event.Type, "error", err)
		return false
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.sendLocked(conn, message, event.Type)
}

// sendLocked 需持有讀鎖或寫鎖
func (hub *WebSocketHub) sendLocked(conn *Connection, message []byte, eventType string) bool {
	if conn == nil || conn.closed {
		return false
	}
	select {
	case conn.Send <- message:
		return true
	default:
		hub.logger.Warn("連接緩衝區滿，丟棄事件",
			"game_id", conn.GameID,
			"user_id", conn.UserID,
			"event", eventType)
		return false
	}
}

// member 取得房間中的某位玩家連線
func (hub *WebSocketHub) member(gameID, userID string) *Connection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.rooms[gameID][userID]
}

// RoomSize 房間目前的連線數
func (hub *WebSocketHub) RoomSize(gameID string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.rooms[gameID])
}

// IsConnected 用戶是否有已註冊的連線
func (hub *WebSocketHub) IsConnected(userID string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	_, exists := hub.conns[userID]
	return exists
}

// expireGame Manager 回收對局時呼叫：通知仍在線的玩家並清空房間
func (hub *WebSocketHub) expireGame(game *GameSession) {
	message, _ := json.Marshal(Event{Type: EventOpponentReset})

	hub.mu.Lock()
	defer hub.mu.Unlock()

	room := hub.rooms[game.ID]
	for userID, conn := range room {
		hub.sendLocked(conn, message, EventOpponentReset)
		if current, exists := hub.conns[userID]; exists && current == conn {
			delete(hub.conns, userID)
		}
		hub.closeSendLocked(conn)
	}
	delete(hub.rooms, game.ID)
}

// Stop 關閉所有連接
func (hub *WebSocketHub) Stop() {
	hub.mu.Lock()
	for _, conn := range hub.conns {
		hub.closeSendLocked(conn)
		conn.Conn.Close()
	}
	hub.conns = make(map[string]*Connection)
	hub.rooms = make(map[string]map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("WebSocket Hub 已停止")
}

// GetConnectionCount 各對局的連線數
func (hub *WebSocketHub) GetConnectionCount() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	result := make(map[string]int, len(hub.rooms))
	for gameID, conns := range hub.rooms {
		result[gameID] = len(conns)
	}
	return result
}

// readPump 讀取客戶端消息
//
// 60 秒內沒有任何消息（包括 Pong）視為死連接；
// 結束時等同 leave：移出註冊表與房間
func (c *Connection) readPump() {
	defer func() {
		if c.Hub.Detach(c) {
			c.Hub.logger.Info("WebSocket 斷線清理",
				"game_id", c.GameID,
				"user_id", c.UserID)
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Hub.opts.MaxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.Hub.opts.PongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.Hub.opts.PongWait)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"game_id", c.GameID,
					"user_id", c.UserID)
			}
			break
		}

		if messageType == websocket.TextMessage {
			c.Hub.handleMessage(c, message)
		}
	}
}

// writePump 寫入消息到客戶端，每 54 秒送出 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.opts.WriteWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，嘗試送出關閉消息，忽略錯誤
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(c.Hub.opts.WriteWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
