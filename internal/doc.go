// Package internal 實現線上井字遊戲的配對與對局轉發服務器。
//
// 服務器不計算棋局，只負責把兩位玩家湊成一局，並在兩個客戶端之間轉發事件：
//
// # 配對
//
// 玩家透過 HTTP 提交偏好（棋子 X/O/隨機、先手/後手/隨機）加入等待佇列。
// 背景 goroutine 每 5 秒掃描一次佇列，兩位玩家棋子不同且先後手不同即配對成功，
// 建立一個 GameSession，先手玩家固定為 Player1。客戶端以輪詢
// GET /is_game_searched 取得對局 ID 與對手。
//
// # 對局
//
// 雙方以 GET /ws?game_id=...&user_id=... 建立 WebSocket 連線，伺服器立即送出 info
// （先後手、棋子、對手名稱）。之後的事件依下列規則轉發：
//   - check_opponent：對手在線則通知對手 start_game，否則回 opponent_reset
//   - play：轉發 update_board 給對手；房間只剩自己時回 opponent_reset
//   - game_over：轉發 update_game_over，對局進入 over
//   - leave / reset_game / 斷線：離開房間，最後一人離開時刪除對局
//
// 對局狀態機：
//
//	matched → connecting → active → over → closed
//
// # 帳號與統計
//
// 註冊、登入（HS256 JWT，存於 HttpOnly cookie）、單一登入限制，以及對電腦與
// 線上對戰的勝負統計。用戶資料存放於 PostgreSQL（pgx + golang-migrate），
// 未配置時使用記憶體實作；登入狀態可存放於 Redis 供多實例共享。
//
// # 併發設計
//
//   - Manager 以一把互斥鎖保護等待佇列與對局表
//   - WebSocketHub 以 RWMutex 保護連線註冊表與房間
//   - 鎖順序固定為 Hub → Manager，Manager 的回呼一律在鎖外執行
//   - 每條連線一個 readPump 與一個 writePump，54 秒 Ping、60 秒未收到視為死連接
//
// 使用範例
//
//	manager := internal.NewManager(internal.OptionsFromConfig(config), logger)
//	hub := internal.NewWebSocketHub(manager, users, internal.WebSocketOptionsFromConfig(config), logger)
//	handler := internal.NewHandler(manager, hub, users, logins, auth, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
package internal
