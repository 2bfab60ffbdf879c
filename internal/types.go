package internal

import (
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// Sign 玩家棋子記號
type Sign string

const (
	SignX      Sign = "X"
	SignO      Sign = "O"
	SignRandom Sign = "R" // 只出現在請求中，入隊時即解析
)

// ParseSign 解析棋子偏好
func ParseSign(s string) (Sign, error) {
	switch Sign(strings.ToUpper(strings.TrimSpace(s))) {
	case SignX:
		return SignX, nil
	case SignO:
		return SignO, nil
	case SignRandom:
		return SignRandom, nil
	}
	return "", apperrors.Newf(apperrors.ErrCodeInvalidInput, "無效的棋子選擇: %q", s)
}

// Turn 先後手偏好
//
// 與客戶端協議一致：0 = 隨機、1 = 先手、2 = 後手
type Turn int

const (
	TurnRandom Turn = 0
	TurnFirst  Turn = 1
	TurnSecond Turn = 2
)

// UnmarshalJSON 同時接受數字與字串（網頁客戶端送的是 "0"/"1"/"2"）
func (t *Turn) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var n int
	switch v := raw.(type) {
	case float64:
		n = int(v)
		if float64(n) != v {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "無效的先後手選擇: %v", v)
		}
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "無效的先後手選擇: %q", v)
		}
		n = parsed
	default:
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "無效的先後手選擇: %s", string(data))
	}

	if n < int(TurnRandom) || n > int(TurnSecond) {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "無效的先後手選擇: %d", n)
	}
	*t = Turn(n)
	return nil
}

func (t Turn) String() string {
	switch t {
	case TurnFirst:
		return "first"
	case TurnSecond:
		return "second"
	default:
		return "random"
	}
}

// Player 對局中的一方
type Player struct {
	UserID string `json:"id"`
	Sign   Sign   `json:"sign"`
}

// WaitingEntry 等待配對的請求
//
// Sign 與 Turn 在入隊時就已解析，佇列中不會出現 Random
type WaitingEntry struct {
	UserID     string    `json:"user_id"`
	Sign       Sign      `json:"sign"`
	Turn       Turn      `json:"turn"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastSeen   time.Time `json:"last_seen"` // 最後一次輪詢，用於清理被遺棄的搜尋
}

// Chooser 隨機二選一，測試時可替換
type Chooser func() bool

func defaultChooser() bool {
	return rand.IntN(2) == 0
}

// resolveSign 把 Random 解析成 X 或 O
func resolveSign(s Sign, pick Chooser) Sign {
	if s != SignRandom {
		return s
	}
	if pick() {
		return SignX
	}
	return SignO
}

// resolveTurn 把 Random 解析成先手或後手
func resolveTurn(t Turn, pick Chooser) Turn {
	if t != TurnRandom {
		return t
	}
	if pick() {
		return TurnFirst
	}
	return TurnSecond
}

// NewWaitingEntry 建立已解析偏好的等待項
func NewWaitingEntry(userID string, sign Sign, turn Turn, now time.Time, pick Chooser) (WaitingEntry, error) {
	if userID == "" {
		return WaitingEntry{}, apperrors.New(apperrors.ErrCodeInvalidInput, "缺少用戶 ID")
	}
	if sign != SignX && sign != SignO && sign != SignRandom {
		return WaitingEntry{}, apperrors.Newf(apperrors.ErrCodeInvalidInput, "無效的棋子選擇: %q", sign)
	}
	if turn < TurnRandom || turn > TurnSecond {
		return WaitingEntry{}, apperrors.Newf(apperrors.ErrCodeInvalidInput, "無效的先後手選擇: %d", turn)
	}
	if pick == nil {
		pick = defaultChooser
	}

	return WaitingEntry{
		UserID:     userID,
		Sign:       resolveSign(sign, pick),
		Turn:       resolveTurn(turn, pick),
		EnqueuedAt: now,
		LastSeen:   now,
	}, nil
}
