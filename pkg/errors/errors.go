// Package errors 提供應用程式錯誤處理
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInvalidState 狀態不允許此操作
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeUnauthorized 未驗證身分
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeConflict 與現有狀態衝突（如重複登入）
	ErrCodeConflict = "CONFLICT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrGameNotFound) 可用
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 以格式化訊息創建錯誤
func Newf(code, format string, args ...any) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本，預定義錯誤因此不會被改寫
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrGameNotFound 對局不存在
	ErrGameNotFound = New(ErrCodeNotFound, "game not found")

	// ErrUserNotFound 用戶不存在
	ErrUserNotFound = New(ErrCodeNotFound, "user not found")

	// ErrUsernameTaken 用戶名已存在
	ErrUsernameTaken = New(ErrCodeAlreadyExists, "username already exists")

	// ErrInvalidCredentials 帳號或密碼錯誤
	ErrInvalidCredentials = New(ErrCodeUnauthorized, "invalid username or password")

	// ErrAlreadyLoggedIn 用戶已在其他地方登入
	ErrAlreadyLoggedIn = New(ErrCodeConflict, "user already logged in")

	// ErrNotParticipant 用戶不是該對局的玩家
	ErrNotParticipant = New(ErrCodeInvalidInput, "user is not a participant of the game")
)

// CodeOf 取出錯誤碼，非 AppError 視為內部錯誤
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// MessageOf 取出可回給客戶端的訊息，非 AppError 一律回傳通用訊息
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeNotFound
}

// IsAlreadyExists 檢查是否為已存在錯誤
func IsAlreadyExists(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeAlreadyExists
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeInvalidInput
}

// IsInvalidState 檢查是否為狀態錯誤
func IsInvalidState(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeInvalidState
}

// IsUnauthorized 檢查是否為未驗證錯誤
func IsUnauthorized(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeUnauthorized
}

// IsConflict 檢查是否為衝突錯誤
func IsConflict(err error) bool {
	return err != nil && CodeOf(err) == ErrCodeConflict
}
