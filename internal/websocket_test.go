package internal_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/koopa0/system-design/14-online-tictactoe/internal"
)

// wsMessage 伺服器送出的事件
type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsEnv 已配對一局的測試環境
type wsEnv struct {
	manager *internal.Manager
	hub     *internal.WebSocketHub
	server  *httptest.Server
	clock   *fakeClock
	alice   *internal.User // 先手 X
	bob     *internal.User // 後手 O
	game    *internal.GameSession
}

func testWebSocketOptions() internal.WebSocketOptions {
	return internal.WebSocketOptions{
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()

	ctx := context.Background()
	clock := newFakeClock()
	users := internal.NewMemoryUserStore(bcrypt.MinCost)

	alice, err := users.CreateUser(ctx, "alice", "secret")
	require.NoError(t, err)
	bob, err := users.CreateUser(ctx, "bob", "secret")
	require.NoError(t, err)

	manager := internal.NewManager(testOptions(), testLogger(),
		internal.WithoutBackground(),
		internal.WithClock(clock.Now))
	hub := internal.NewWebSocketHub(manager, users, testWebSocketOptions(), testLogger())

	_, err = manager.JoinQueue(alice.ID, internal.SignX, internal.TurnFirst)
	require.NoError(t, err)
	_, err = manager.JoinQueue(bob.ID, internal.SignO, internal.TurnSecond)
	require.NoError(t, err)
	games := manager.MatchNow()
	require.Len(t, games, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		hub.Stop()
		manager.Stop()
	})

	return &wsEnv{
		manager: manager,
		hub:     hub,
		server:  server,
		clock:   clock,
		alice:   alice,
		bob:     bob,
		game:    games[0],
	}
}

func (e *wsEnv) wsURL(gameID, userID string) string {
	q := url.Values{}
	if gameID != "" {
		q.Set("game_id", gameID)
	}
	if userID != "" {
		q.Set("user_id", userID)
	}
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?" + q.Encode()
}

// connect 建立連線並讀掉 info，確保伺服器端已完成註冊
func (e *wsEnv) connect(t *testing.T, userID string) (*websocket.Conn, internal.InfoData) {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(e.game.ID, userID), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	msg := readEvent(t, conn)
	require.Equal(t, internal.EventInfo, msg.Event)

	var info internal.InfoData
	require.NoError(t, json.Unmarshal(msg.Data, &info))
	return conn, info
}

// connectBoth 雙方連線並完成 check_opponent，對局進入 active
func (e *wsEnv) connectBoth(t *testing.T) (alice, bob *websocket.Conn) {
	t.Helper()

	alice, _ = e.connect(t, e.alice.ID)
	bob, _ = e.connect(t, e.bob.ID)

	sendEvent(t, alice, internal.EventCheckOpponent, map[string]any{
		"game_id": e.game.ID, "user_id": e.alice.ID, "opponent_id": e.bob.ID,
	})
	msg := readEvent(t, bob)
	require.Equal(t, internal.EventStartGame, msg.Event)
	require.Equal(t, internal.StateActive, e.game.State())

	return alice, bob
}

func readEvent(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, data map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

// TestWebSocket_ServeWSRejects 測試連線前的檢查
func TestWebSocket_ServeWSRejects(t *testing.T) {
	env := newWSEnv(t)

	tests := []struct {
		name       string
		gameID     string
		userID     string
		wantStatus int
	}{
		{name: "missing game id", userID: env.alice.ID, wantStatus: http.StatusBadRequest},
		{name: "missing user id", gameID: env.game.ID, wantStatus: http.StatusBadRequest},
		{name: "unknown game", gameID: "nope", userID: env.alice.ID, wantStatus: http.StatusNotFound},
		{name: "not a participant", gameID: env.game.ID, userID: "mallory", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(tt.gameID, tt.userID), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

// TestWebSocket_Info 連線後收到對局資訊
func TestWebSocket_Info(t *testing.T) {
	env := newWSEnv(t)

	_, info := env.connect(t, env.alice.ID)
	assert.Equal(t, internal.MessageYourTurn, info.Message)
	assert.Equal(t, internal.SignX, info.Sign)
	assert.Equal(t, "bob", info.Opponent)
	assert.Equal(t, env.bob.ID, info.OpponentID)
	assert.Equal(t, internal.SignO, info.OpponentSign)
	assert.Equal(t, internal.StateConnecting, env.game.State())

	_, info = env.connect(t, env.bob.ID)
	assert.Equal(t, internal.MessageNotYourTurn, info.Message)
	assert.Equal(t, internal.SignO, info.Sign)
	assert.Equal(t, "alice", info.Opponent)
	assert.Equal(t, env.alice.ID, info.OpponentID)
	assert.Equal(t, internal.SignX, info.OpponentSign)

	assert.Equal(t, 2, env.hub.RoomSize(env.game.ID))
}

// TestWebSocket_CheckOpponent 測試確認對手
func TestWebSocket_CheckOpponent(t *testing.T) {
	env := newWSEnv(t)

	alice, _ := env.connect(t, env.alice.ID)

	// 對手尚未連線
	sendEvent(t, alice, internal.EventCheckOpponent, map[string]any{
		"game_id": env.game.ID, "user_id": env.alice.ID, "opponent_id": env.bob.ID,
	})
	msg := readEvent(t, alice)
	assert.Equal(t, internal.EventOpponentReset, msg.Event)
	assert.Equal(t, internal.StateConnecting, env.game.State())

	// 對手連線後，雙方各自確認一次
	bob, _ := env.connect(t, env.bob.ID)

	sendEvent(t, alice, internal.EventCheckOpponent, map[string]any{
		"game_id": env.game.ID, "user_id": env.alice.ID, "opponent_id": env.bob.ID,
	})
	assert.Equal(t, internal.EventStartGame, readEvent(t, bob).Event)

	sendEvent(t, bob, internal.EventCheckOpponent, map[string]any{
		"game_id": env.game.ID, "user_id": env.bob.ID, "opponent_id": env.alice.ID,
	})
	assert.Equal(t, internal.EventStartGame, readEvent(t, alice).Event)

	assert.Equal(t, internal.StateActive, env.game.State())
}

// TestWebSocket_PlayRelay 落子轉發給對手
func TestWebSocket_PlayRelay(t *testing.T) {
	env := newWSEnv(t)
	alice, bob := env.connectBoth(t)

	moves := []struct {
		from, to *websocket.Conn
		userID   string
		pos      int
	}{
		{from: alice, to: bob, userID: env.alice.ID, pos: 4},
		{from: bob, to: alice, userID: env.bob.ID, pos: 0},
		{from: alice, to: bob, userID: env.alice.ID, pos: 8},
	}

	for _, m := range moves {
		sendEvent(t, m.from, internal.EventPlay, map[string]any{
			"game_id": env.game.ID, "user_id": m.userID, "pos": m.pos,
		})
		msg := readEvent(t, m.to)
		require.Equal(t, internal.EventUpdateBoard, msg.Event)

		var data internal.UpdateBoardData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, m.pos, data.Pos)
	}
}

// TestWebSocket_PlayAfterOpponentLeft 房間只剩自己時回 opponent_reset
func TestWebSocket_PlayAfterOpponentLeft(t *testing.T) {
	env := newWSEnv(t)
	alice, bob := env.connectBoth(t)

	sendEvent(t, bob, internal.EventLeave, map[string]any{
		"game_id": env.game.ID, "user_id": env.bob.ID,
	})
	require.Eventually(t, func() bool {
		return env.hub.RoomSize(env.game.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendEvent(t, alice, internal.EventPlay, map[string]any{
		"game_id": env.game.ID, "user_id": env.alice.ID, "pos": 3,
	})
	assert.Equal(t, internal.EventOpponentReset, readEvent(t, alice).Event)

	// 對局仍在，直到最後一人離開
	_, err := env.manager.GetGame(env.game.ID)
	assert.NoError(t, err)
}

// TestWebSocket_GameOver 結束對局的轉發內容
func TestWebSocket_GameOver(t *testing.T) {
	t.Run("draw omits line", func(t *testing.T) {
		env := newWSEnv(t)
		alice, bob := env.connectBoth(t)

		sendEvent(t, alice, internal.EventGameOver, map[string]any{
			"game_id": env.game.ID, "user_id": env.alice.ID, "opponent_id": env.bob.ID,
			"is_draw": true, "pos": 7,
		})
		msg := readEvent(t, bob)
		require.Equal(t, internal.EventUpdateGameOver, msg.Event)

		var raw map[string]any
		require.NoError(t, json.Unmarshal(msg.Data, &raw))
		assert.Equal(t, true, raw["is_draw"])
		assert.InDelta(t, 7, raw["pos"], 0)
		assert.NotContains(t, raw, "a")
		assert.NotContains(t, raw, "b")
		assert.NotContains(t, raw, "c")

		assert.Equal(t, internal.StateOver, env.game.State())
	})

	t.Run("win carries line", func(t *testing.T) {
		env := newWSEnv(t)
		alice, bob := env.connectBoth(t)

		sendEvent(t, alice, internal.EventGameOver, map[string]any{
			"game_id": env.game.ID, "user_id": env.alice.ID, "opponent_id": env.bob.ID,
			"is_draw": false, "pos": 6, "a": 2, "b": 4, "c": 6,
		})
		msg := readEvent(t, bob)
		require.Equal(t, internal.EventUpdateGameOver, msg.Event)

		var data internal.UpdateGameOverData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.False(t, data.IsDraw)
		assert.Equal(t, 6, data.Pos)
		require.NotNil(t, data.A)
		require.NotNil(t, data.B)
		require.NotNil(t, data.C)
		assert.Equal(t, []int{2, 4, 6}, []int{*data.A, *data.B, *data.C})

		// 結束後不再接受落子
		sendEvent(t, bob, internal.EventPlay, map[string]any{
			"game_id": env.game.ID, "user_id": env.bob.ID, "pos": 1,
		})
		assert.Equal(t, internal.EventError, readEvent(t, bob).Event)
	})
}

// TestWebSocket_RejectedEvents 非法事件回 error 給發送者
func TestWebSocket_RejectedEvents(t *testing.T) {
	env := newWSEnv(t)
	alice, _ := env.connectBoth(t)

	tests := []struct {
		name  string
		event string
		data  map[string]any
	}{
		{
			name:  "position out of range",
			event: internal.EventPlay,
			data:  map[string]any{"game_id": env.game.ID, "user_id": env.alice.ID, "pos": 9},
		},
		{
			name:  "missing position",
			event: internal.EventPlay,
			data:  map[string]any{"game_id": env.game.ID, "user_id": env.alice.ID},
		},
		{
			name:  "spoofed user id",
			event: internal.EventPlay,
			data:  map[string]any{"game_id": env.game.ID, "user_id": env.bob.ID, "pos": 1},
		},
		{
			name:  "wrong game id",
			event: internal.EventPlay,
			data:  map[string]any{"game_id": "other", "user_id": env.alice.ID, "pos": 1},
		},
		{
			name:  "wrong opponent id",
			event: internal.EventCheckOpponent,
			data:  map[string]any{"game_id": env.game.ID, "user_id": env.alice.ID, "opponent_id": "mallory"},
		},
		{
			name:  "win without line",
			event: internal.EventGameOver,
			data:  map[string]any{"game_id": env.game.ID, "user_id": env.alice.ID, "is_draw": false, "pos": 2},
		},
		{
			name:  "unknown event",
			event: "teleport",
			data:  map[string]any{"game_id": env.game.ID, "user_id": env.alice.ID},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sendEvent(t, alice, tt.event, tt.data)
			msg := readEvent(t, alice)
			require.Equal(t, internal.EventError, msg.Event)

			var data internal.ErrorData
			require.NoError(t, json.Unmarshal(msg.Data, &data))
			assert.Equal(t, tt.event, data.Event)
			assert.NotEmpty(t, data.Message)
		})
	}

	// 錯誤不影響對局
	assert.Equal(t, internal.StateActive, env.game.State())

	// 格式錯誤的消息
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, internal.EventError, readEvent(t, alice).Event)
}

// TestWebSocket_LeaveRemovesGame 最後一人離開時刪除對局
func TestWebSocket_LeaveRemovesGame(t *testing.T) {
	env := newWSEnv(t)
	alice, bob := env.connectBoth(t)

	sendEvent(t, alice, internal.EventLeave, map[string]any{
		"game_id": env.game.ID, "user_id": env.alice.ID,
	})
	require.Eventually(t, func() bool {
		return env.hub.RoomSize(env.game.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := env.manager.GetGame(env.game.ID)
	require.NoError(t, err, "one player still in the room")

	sendEvent(t, bob, internal.EventLeave, map[string]any{
		"game_id": env.game.ID, "user_id": env.bob.ID,
	})
	require.Eventually(t, func() bool {
		_, err := env.manager.GetGame(env.game.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, internal.StateClosed, env.game.State())
	assert.False(t, env.hub.IsConnected(env.alice.ID))
	assert.False(t, env.hub.IsConnected(env.bob.ID))
}

// TestWebSocket_LeaveIdempotent 重複 leave 不影響其他人
func TestWebSocket_LeaveIdempotent(t *testing.T) {
	env := newWSEnv(t)
	alice, _ := env.connectBoth(t)

	for i := 0; i < 3; i++ {
		// 第一次之後連線已被伺服器關閉，寫入錯誤可忽略
		_ = alice.WriteJSON(map[string]any{
			"event": internal.EventLeave,
			"data":  map[string]any{"game_id": env.game.ID, "user_id": env.alice.ID},
		})
	}

	require.Eventually(t, func() bool {
		return !env.hub.IsConnected(env.alice.ID)
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, env.hub.RoomSize(env.game.ID))
	assert.True(t, env.hub.IsConnected(env.bob.ID))
	_, err := env.manager.GetGame(env.game.ID)
	assert.NoError(t, err)
}

// TestWebSocket_ResetGame 重置對局通知對手
func TestWebSocket_ResetGame(t *testing.T) {
	env := newWSEnv(t)
	alice, bob := env.connectBoth(t)

	sendEvent(t, alice, internal.EventResetGame, map[string]any{
		"game_id": env.game.ID, "user_id": env.alice.ID, "opponent_id": env.bob.ID,
	})
	assert.Equal(t, internal.EventOpponentReset, readEvent(t, bob).Event)

	require.Eventually(t, func() bool {
		return !env.hub.IsConnected(env.alice.ID)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, env.hub.RoomSize(env.game.ID))
}

// TestWebSocket_DisconnectCleansUp 斷線等同離開
func TestWebSocket_DisconnectCleansUp(t *testing.T) {
	env := newWSEnv(t)
	alice, bob := env.connectBoth(t)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return env.hub.RoomSize(env.game.ID) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		_, err := env.manager.GetGame(env.game.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// TestWebSocket_Reconnect 同一用戶重新連線取代舊連線
func TestWebSocket_Reconnect(t *testing.T) {
	env := newWSEnv(t)

	old, _ := env.connect(t, env.alice.ID)
	bob, _ := env.connect(t, env.bob.ID)
	fresh, info := env.connect(t, env.alice.ID)
	assert.Equal(t, internal.MessageYourTurn, info.Message)

	// 舊連線被伺服器關閉
	require.NoError(t, old.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := old.ReadMessage()
	assert.Error(t, err)

	assert.Equal(t, 2, env.hub.RoomSize(env.game.ID))
	_, err = env.manager.GetGame(env.game.ID)
	require.NoError(t, err)

	// 新連線可正常轉發
	sendEvent(t, fresh, internal.EventCheckOpponent, map[string]any{
		"game_id": env.game.ID, "user_id": env.alice.ID,
	})
	assert.Equal(t, internal.EventStartGame, readEvent(t, bob).Event)
}

// TestWebSocket_ReconnectAlone 房間只有自己時重新連線，對局保留給對手
func TestWebSocket_ReconnectAlone(t *testing.T) {
	env := newWSEnv(t)

	old, _ := env.connect(t, env.alice.ID)
	fresh, _ := env.connect(t, env.alice.ID)

	require.NoError(t, old.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := old.ReadMessage()
	assert.Error(t, err)

	assert.Equal(t, 1, env.hub.RoomSize(env.game.ID))
	_, err = env.manager.GetGame(env.game.ID)
	require.NoError(t, err, "game must survive a lone reconnect")

	// 對手仍可加入並開始對局
	bob, info := env.connect(t, env.bob.ID)
	assert.Equal(t, env.alice.ID, info.OpponentID)

	sendEvent(t, fresh, internal.EventCheckOpponent, map[string]any{
		"game_id": env.game.ID, "user_id": env.alice.ID,
	})
	assert.Equal(t, internal.EventStartGame, readEvent(t, bob).Event)
	assert.Equal(t, internal.StateActive, env.game.State())
}

// TestWebSocket_InfoBeforeFirstEvent 連線後立即送出事件，info 仍然最先抵達
func TestWebSocket_InfoBeforeFirstEvent(t *testing.T) {
	env := newWSEnv(t)

	conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL(env.game.ID, env.alice.ID), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	sendEvent(t, conn, internal.EventCheckOpponent, map[string]any{
		"game_id": env.game.ID, "user_id": env.alice.ID,
	})

	assert.Equal(t, internal.EventInfo, readEvent(t, conn).Event)
	assert.Equal(t, internal.EventOpponentReset, readEvent(t, conn).Event, "bob is not connected yet")
}

// TestWebSocket_ExpiredGameNotifiesPlayers 過期回收通知仍在線的玩家
func TestWebSocket_ExpiredGameNotifiesPlayers(t *testing.T) {
	env := newWSEnv(t)
	alice, bob := env.connectBoth(t)

	env.clock.Advance(31 * time.Minute)
	_, games := env.manager.Reap()
	require.Equal(t, 1, games)

	assert.Equal(t, internal.EventOpponentReset, readEvent(t, alice).Event)
	assert.Equal(t, internal.EventOpponentReset, readEvent(t, bob).Event)

	assert.Equal(t, 0, env.hub.RoomSize(env.game.ID))
	assert.False(t, env.hub.IsConnected(env.alice.ID))
	assert.Equal(t, internal.StateClosed, env.game.State())
}

// TestWebSocket_GetConnectionCount 測試連線統計
func TestWebSocket_GetConnectionCount(t *testing.T) {
	env := newWSEnv(t)
	env.connectBoth(t)

	counts := env.hub.GetConnectionCount()
	assert.Equal(t, map[string]int{env.game.ID: 2}, counts)
}
