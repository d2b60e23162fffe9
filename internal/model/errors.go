// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string          // エラーコード
	Message  string          // エラーメッセージ
	Category string          // カテゴリ: validation, auth, payment, provider, system
	Action   string          // ユーザー向け対処方法
	Details  json.RawMessage // 上流プロバイダーの応答（診断用、任意）
	Err      error           // 原因となったエラー（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeValidation               = "VALIDATION_ERROR"
	ErrCodeMissingFields            = "MISSING_FIELDS"
	ErrCodeInvalidType              = "INVALID_TYPE"
	ErrCodeInvalidAmount            = "INVALID_AMOUNT"
	ErrCodeInvalidBody              = "INVALID_BODY"
	ErrCodeInvalidCredentials       = "INVALID_CREDENTIALS"
	ErrCodeNotAuthenticated         = "NOT_AUTHENTICATED"
	ErrCodeProvider                 = "PROVIDER_ERROR"
	ErrCodeProfileNotFound          = "PROFILE_NOT_FOUND"
	ErrCodeProviderInitiationFailed = "PROVIDER_INITIATION_FAILED"
	ErrCodeUnauthorized             = "UNAUTHORIZED"
	ErrCodeRateLimitExceeded        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// HasCode はerrがAPIErrorを含み、かつ指定コードを持つかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewValidationError は入力検証エラーを生成する。ネットワーク呼び出し前に返される。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "Check the entered values and try again.",
	}
}

// NewMissingFieldsError は必須フィールド欠落エラーを生成する。
func NewMissingFieldsError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingFields,
		Message:  "Missing required fields",
		Category: "validation",
		Action:   "Provide amount, currency, user_id, type and item_id.",
	}
}

// NewInvalidTypeError は決済種別エラーを生成する。
func NewInvalidTypeError(paymentType string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidType,
		Message:  "Invalid type: must be 'event' or 'service'",
		Category: "validation",
		Action:   fmt.Sprintf("Use 'event' or 'service' instead of %q.", paymentType),
	}
}

// NewInvalidAmountError は金額エラーを生成する。
func NewInvalidAmountError(amount string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAmount,
		Message:  fmt.Sprintf("Invalid amount: %s", amount),
		Category: "validation",
		Action:   "Amount must be a positive number.",
	}
}

// NewInvalidBodyError はリクエストボディの解析エラーを生成する。
func NewInvalidBodyError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBody,
		Message:  fmt.Sprintf("Invalid request body: %s", reason),
		Category: "validation",
		Action:   "Send a JSON object.",
	}
}

// NewInvalidCredentialsError は認証情報の拒否エラーを生成する。
func NewInvalidCredentialsError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password",
		Category: "auth",
		Action:   "Check your email and password.",
		Err:      cause,
	}
}

// NewNotAuthenticatedError は有効なセッションがない場合のエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "No active session",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewProviderError は上流サービスの拒否・到達不能エラーを生成する。
// messageはユーザーに表示して安全な文言を渡すこと。
func NewProviderError(message string, cause error) *APIError {
	if message == "" {
		message = "The service is temporarily unavailable"
	}
	return &APIError{
		Code:     ErrCodeProvider,
		Message:  message,
		Category: "provider",
		Action:   "Please try again later.",
		Err:      cause,
	}
}

// NewProfileNotFoundError は決済者プロフィール未検出エラーを生成する。
func NewProfileNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  "User profile not found",
		Category: "payment",
		Action:   fmt.Sprintf("Complete the profile for user %s before paying.", userID),
	}
}

// NewProviderInitiationFailedError は決済作成失敗エラーを生成する。
// detailsにはプロバイダーの応答をそのまま渡す。自動リトライしてはならない。
func NewProviderInitiationFailedError(details json.RawMessage, cause error) *APIError {
	return &APIError{
		Code:     ErrCodeProviderInitiationFailed,
		Message:  "Failed to initiate payment",
		Category: "payment",
		Action:   "Payment was not created. Please try again.",
		Details:  details,
		Err:      cause,
	}
}

// NewUnauthorizedError はBearerトークンが無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Unauthorized",
		Category: "auth",
		Action:   "Send a valid bearer token.",
	}
}

// NewRateLimitError はレート制限超過エラーを生成する。
func NewRateLimitError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Internal server error",
		Category: "system",
		Action:   "Please try again later.",
	}
}
