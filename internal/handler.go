package internal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// 與網頁客戶端一致的回應訊息
const (
	msgSuccess          = "Success"
	msgNotSearched      = "Game is not searched yet"
	msgSearchReset      = "Success search reset"
	msgUserCreated      = "User created successfully"
	msgUsernameTaken    = "Username already exists"
	msgLoginOK          = "Login successful"
	msgLogoutOK         = "Logout successful"
	msgBadCredentials   = "Invalid username or password"
	msgStatsUpdated     = "Game statistics updated successfully"
	msgAlreadyLoggedIn  = "Error"
	maxRequestBodyBytes = 1 << 20
)

// Handler HTTP 請求處理器
type Handler struct {
	manager *Manager
	hub     *WebSocketHub
	users   UserStore
	logins  LoginTracker
	auth    *Authenticator
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, hub *WebSocketHub, users UserStore, logins LoginTracker, auth *Authenticator, logger *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		hub:     hub,
		users:   users,
		logins:  logins,
		auth:    auth,
		logger:  logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}
	authed := func(handler http.HandlerFunc) http.HandlerFunc {
		return wrap(h.requireAuth(handler))
	}

	// 帳號
	mux.HandleFunc("POST /register", wrap(h.register))
	mux.HandleFunc("POST /login", wrap(h.login))
	mux.HandleFunc("GET /logout", authed(h.logout))
	mux.HandleFunc("GET /{$}", authed(h.profile))

	// 統計
	mux.HandleFunc("POST /update_computer_statistic", authed(h.updateStats(StatComputer)))
	mux.HandleFunc("POST /update_friend_statistic", authed(h.updateStats(StatOnline)))

	// 配對
	mux.HandleFunc("POST /join_queue", authed(h.joinQueue))
	mux.HandleFunc("GET /is_game_searched", authed(h.isGameSearched))
	mux.HandleFunc("GET /reset_search", authed(h.resetSearch))
	mux.HandleFunc("GET /games/{game_id}", authed(h.gameDetail))

	// 即時對局；升級需要原始 ResponseWriter，不經過日誌包裝
	mux.HandleFunc("GET /ws", h.recoverer(h.hub.ServeWS))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// 請求結構
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type joinQueueRequest struct {
	Sign string `json:"sign"`
	Turn Turn   `json:"turn"`
}

// pcStat 對電腦統計的回應格式
type pcStat struct {
	DrawnGame   int `json:"drawn_game"`
	PlayerWin   int `json:"Player_win"`
	ComputerWin int `json:"Computer_win"`
}

// friendStat 線上對戰統計的回應格式
type friendStat struct {
	DrawnGame  int `json:"drawn_game"`
	Player1Win int `json:"Player1_win"`
	Player2Win int `json:"Player2_win"`
}

// register 註冊帳號
func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	user, err := h.users.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		if apperrors.IsAlreadyExists(err) {
			h.errorResponse(w, msgUsernameTaken, http.StatusConflict)
			return
		}
		h.appErrorResponse(w, err)
		return
	}

	h.logger.Info("用戶註冊", "user_id", user.ID, "username", user.Username)

	h.jsonResponse(w, map[string]any{
		"message": msgUserCreated,
		"user_id": user.ID,
	}, http.StatusCreated)
}

// login 登入並寫入 token cookie；同一帳號已登入時拒絕
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	user, err := h.users.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if apperrors.IsUnauthorized(err) || apperrors.IsInvalidInput(err) {
			h.errorResponse(w, msgBadCredentials, http.StatusUnauthorized)
			return
		}
		h.appErrorResponse(w, err)
		return
	}

	if err := h.logins.Acquire(ctx, user.ID); err != nil {
		if apperrors.IsConflict(err) {
			h.logger.Info("重複登入被拒絕", "user_id", user.ID)
			h.errorResponse(w, msgAlreadyLoggedIn, http.StatusConflict)
			return
		}
		h.appErrorResponse(w, err)
		return
	}

	token, err := h.auth.Issue(user.ID)
	if err != nil {
		_ = h.logins.Release(ctx, user.ID)
		h.appErrorResponse(w, err)
		return
	}

	pc, friend, err := h.loadStats(r, user.ID)
	if err != nil {
		_ = h.logins.Release(ctx, user.ID)
		h.appErrorResponse(w, err)
		return
	}

	h.auth.SetCookie(w, token)
	h.logger.Info("用戶登入", "user_id", user.ID)

	h.jsonResponse(w, map[string]any{
		"message":     msgLoginOK,
		"user_id":     user.ID,
		"pc_stat":     pc,
		"friend_stat": friend,
	}, http.StatusOK)
}

// logout 登出
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	if err := h.logins.Release(r.Context(), userID); err != nil {
		h.logger.Error("登入狀態清除失敗", "user_id", userID, "error", err)
	}
	h.auth.ClearCookie(w)

	h.logger.Info("用戶登出", "user_id", userID)
	h.messageResponse(w, msgLogoutOK, http.StatusOK)
}

// profile 目前登入用戶的資料與統計
func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	user, err := h.users.GetUser(r.Context(), userID)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	pc, friend, err := h.loadStats(r, userID)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"message":     msgSuccess,
		"user":        user.Username,
		"user_id":     user.ID,
		"pc_stat":     pc,
		"friend_stat": friend,
	}, http.StatusOK)
}

// loadStats 讀取兩種統計並轉成回應格式
func (h *Handler) loadStats(r *http.Request, userID string) (pcStat, friendStat, error) {
	pc, err := h.users.GetStats(r.Context(), userID, StatComputer)
	if err != nil {
		return pcStat{}, friendStat{}, err
	}
	online, err := h.users.GetStats(r.Context(), userID, StatOnline)
	if err != nil {
		return pcStat{}, friendStat{}, err
	}

	return pcStat{DrawnGame: pc.Draws, PlayerWin: pc.Won, ComputerWin: pc.Defeats},
		friendStat{DrawnGame: online.Draws, Player1Win: online.Won, Player2Win: online.Defeats},
		nil
}

// updateStats 覆寫某一種統計
func (h *Handler) updateStats(kind StatKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserIDFrom(r.Context())

		var req GameStats
		if !h.decode(w, r, &req) {
			return
		}

		if err := h.users.UpdateStats(r.Context(), userID, kind, req); err != nil {
			h.appErrorResponse(w, err)
			return
		}

		h.messageResponse(w, msgStatsUpdated, http.StatusOK)
	}
}

// joinQueue 加入等待佇列
func (h *Handler) joinQueue(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	var req joinQueueRequest
	if !h.decode(w, r, &req) {
		return
	}

	sign, err := ParseSign(req.Sign)
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}

	if _, err := h.manager.JoinQueue(userID, sign, req.Turn); err != nil {
		h.appErrorResponse(w, err)
		return
	}

	h.messageResponse(w, msgSuccess, http.StatusOK)
}

// gameDetail 對局詳情，只有對局玩家可以查詢
func (h *Handler) gameDetail(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	game, err := h.manager.GetGame(r.PathValue("game_id"))
	if err != nil {
		h.appErrorResponse(w, err)
		return
	}
	if !game.HasPlayer(userID) {
		h.errorResponse(w, "用戶不在對局中", http.StatusForbidden)
		return
	}

	state := game.GetState()
	state["connected"] = h.hub.RoomSize(game.ID)
	h.jsonResponse(w, state, http.StatusOK)
}

// isGameSearched 查詢配對結果
func (h *Handler) isGameSearched(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	result := h.manager.SearchStatus(userID)
	if !result.Found {
		h.messageResponse(w, msgNotSearched, http.StatusOK)
		return
	}

	h.jsonResponse(w, map[string]any{
		"message":  msgSuccess,
		"opponent": result.OpponentID,
		"game_id":  result.GameID,
	}, http.StatusOK)
}

// resetSearch 取消搜尋
func (h *Handler) resetSearch(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFrom(r.Context())

	h.manager.ResetSearch(userID)
	h.messageResponse(w, msgSearchReset, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.manager.Stats()

	connections := 0
	for _, n := range h.hub.GetConnectionCount() {
		connections += n
	}
	stats["connections"] = connections

	h.jsonResponse(w, stats, http.StatusOK)
}

// decode 解析 JSON 請求，失敗時已寫入 400
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		msg := "無效的請求格式"
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			msg = appErr.Message
		}
		h.errorResponse(w, msg, http.StatusBadRequest)
		return false
	}
	return true
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// messageResponse 只帶 message 的響應
func (h *Handler) messageResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"message": message,
	}, status)
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.messageResponse(w, message, status)
}

// appErrorResponse 依錯誤碼決定狀態碼
func (h *Handler) appErrorResponse(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("處理請求失敗", "error", err)
	}
	h.jsonResponse(w, map[string]any{
		"message": apperrors.MessageOf(err),
		"code":    apperrors.CodeOf(err),
	}, status)
}

func statusOf(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeAlreadyExists, apperrors.ErrCodeConflict, apperrors.ErrCodeInvalidState:
		return http.StatusConflict
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// requireAuth 驗證 token，且該用戶目前仍處於登入狀態
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := h.auth.FromRequest(r)
		if err != nil {
			h.errorResponse(w, "未登入", http.StatusUnauthorized)
			return
		}

		active, err := h.logins.Active(r.Context(), userID)
		if err != nil {
			h.appErrorResponse(w, err)
			return
		}
		if !active {
			h.errorResponse(w, "登入已失效", http.StatusUnauthorized)
			return
		}

		next(w, r.WithContext(WithUserID(r.Context(), userID)))
	}
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
