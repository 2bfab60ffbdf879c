package internal

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/koopa0/system-design/14-online-tictactoe/pkg/errors"
)

// TokenCookie 存放登入 token 的 cookie 名稱
const TokenCookie = "token"

type ctxKey string

const userIDKey ctxKey = "user_id"

// tokenClaims JWT 內容，user_id 與網頁客戶端協議一致
type tokenClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Authenticator 簽發與驗證登入 token（HS256）
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// NewAuthenticator 創建驗證器
func NewAuthenticator(secret string, ttl time.Duration, secureCookie bool) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		secure: secureCookie,
		now:    time.Now,
	}
}

// Issue 為用戶簽發 token
func (a *Authenticator) Issue(userID string) (string, error) {
	now := a.now()
	claims := tokenClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeInternal, "簽發 token 失敗")
	}
	return token, nil
}

// Verify 驗證 token 並取出用戶 ID
func (a *Authenticator) Verify(token string) (string, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "無效的 token")
	}
	if claims.UserID == "" {
		return "", apperrors.New(apperrors.ErrCodeUnauthorized, "token 缺少用戶 ID")
	}
	return claims.UserID, nil
}

// FromRequest 從 cookie 或 Authorization header 取得並驗證 token
func (a *Authenticator) FromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(TokenCookie); err == nil && c.Value != "" {
		return a.Verify(c.Value)
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return a.Verify(strings.TrimPrefix(h, "Bearer "))
	}
	return "", apperrors.New(apperrors.ErrCodeUnauthorized, "未登入")
}

// SetCookie 寫入 HttpOnly、SameSite=Strict 的 token cookie
func (a *Authenticator) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(a.ttl.Seconds()),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCookie 刪除 token cookie
func (a *Authenticator) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     TokenCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// WithUserID 把用戶 ID 放入 context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFrom 從 context 取出用戶 ID
func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}
