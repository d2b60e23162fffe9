package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/resortpay/internal/middleware"
	"github.com/hitoshi/resortpay/internal/model"
)

// PaymentServiceInterface は決済ハンドラーが必要とするサービスインターフェース。
type PaymentServiceInterface interface {
	// Initiate は決済を開始し、決済ページへのリダイレクトURLを返す。
	Initiate(ctx context.Context, req model.PaymentRequest) (*model.TransactionRef, error)
}

// PaymentHandler は決済開始のHTTPハンドラー。
type PaymentHandler struct {
	service PaymentServiceInterface
	logger  *slog.Logger
}

// NewPaymentHandler はPaymentHandlerを生成する。
func NewPaymentHandler(service PaymentServiceInterface, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		service: service,
		logger:  logger,
	}
}

// paymentResponse は決済開始成功時のAPIレスポンス。
// chapa_tx_refは既存のモバイルクライアント向けの別名。
type paymentResponse struct {
	TxRef       string `json:"tx_ref"`
	RedirectURL string `json:"redirectUrl"`
	ChapaTxRef  string `json:"chapa_tx_ref"`
}

// InitiatePayment は決済開始を処理する。
// POST /functions/v1/payments
func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req model.PaymentRequest
	if err := decodeJSONObject(r.Body, &req); err != nil {
		h.logger.Warn("invalid payment request body", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidBodyError(err.Error()))
		return
	}

	ref, err := h.service.Initiate(r.Context(), req)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, paymentResponse{
		TxRef:       ref.TxRef,
		RedirectURL: ref.RedirectURL,
		ChapaTxRef:  ref.TxRef,
	})
}

// decodeJSONObject はボディを1つのJSONオブジェクトとしてデコードする。
func decodeJSONObject(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

// handleServiceError はサービス層のエラーをHTTPレスポンスに変換する。
func (h *PaymentHandler) handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	h.logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeMissingFields, model.ErrCodeInvalidType, model.ErrCodeInvalidAmount,
		model.ErrCodeInvalidBody, model.ErrCodeValidation:
		return http.StatusBadRequest
	case model.ErrCodeProfileNotFound:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized, model.ErrCodeNotAuthenticated, model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case model.ErrCodeProviderInitiationFailed, model.ErrCodeProvider:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
