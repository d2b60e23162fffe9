package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/resortpay/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 決済プロバイダーの応答がある場合はchapaDataにそのまま載せる。
type ErrorResponseBody struct {
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	Category  string          `json:"category,omitempty"`
	Action    string          `json:"action,omitempty"`
	ChapaData json.RawMessage `json:"chapaData,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Error:    apiErr.Message,
		Code:     apiErr.Code,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
	if len(apiErr.Details) > 0 && json.Valid(apiErr.Details) {
		body.ChapaData = apiErr.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
