// Package checkout は決済開始エンドポイントを呼び出すクライアントを提供する。
// 返されたURLを開いた後の支払い完了は追跡しない。
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/resortpay/internal/model"
)

// maxResponseSize は決済開始レスポンスの読み込み上限（バイト）。
const maxResponseSize = 1 << 20

// Client は決済開始エンドポイントのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	logger     *slog.Logger
}

// NewClient はClientを生成する。
// apiKeyはSupabase Functions経由で呼び出す場合のanonキー。空の場合は送らない。
func NewClient(httpClient *http.Client, endpoint, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		apiKey:     apiKey,
		logger:     logger,
	}
}

type initiateResponse struct {
	TxRef       string `json:"tx_ref"`
	RedirectURL string `json:"redirectUrl"`
}

type errorResponse struct {
	Error     string          `json:"error"`
	Code      string          `json:"code"`
	ChapaData json.RawMessage `json:"chapaData"`
}

// Initiate はアクセストークンを付けて決済開始を要求し、開くべきURLを返す。
// 失敗時は*model.APIErrorを返す。サーバーのエラーコードとプロバイダーの応答を引き継ぐ。
func (c *Client) Initiate(ctx context.Context, accessToken string, req model.PaymentRequest) (*model.TransactionRef, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	if c.apiKey != "" {
		httpReq.Header.Set("apikey", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("決済開始リクエストに失敗しました", slog.String("error", err.Error()))
		return nil, model.NewProviderError("", fmt.Errorf("payment request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, model.NewProviderError("", fmt.Errorf("failed to read payment response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, body)
	}

	var out initiateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, model.NewProviderError("", fmt.Errorf("failed to decode payment response: %w", err))
	}
	if out.TxRef == "" || out.RedirectURL == "" {
		return nil, model.NewProviderError("", fmt.Errorf("payment response is missing tx_ref or redirectUrl"))
	}

	c.logger.Info("決済ページのURLを取得しました", slog.String("tx_ref", out.TxRef))
	return &model.TransactionRef{TxRef: out.TxRef, RedirectURL: out.RedirectURL}, nil
}

// decodeError はエラーレスポンスをAPIErrorに変換する。
func decodeError(statusCode int, body []byte) error {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Code == "" {
		return model.NewProviderError("", fmt.Errorf("payment endpoint returned status %d", statusCode))
	}

	apiErr := &model.APIError{
		Code:    e.Code,
		Message: e.Error,
		Err:     fmt.Errorf("payment endpoint returned status %d", statusCode),
	}
	if len(e.ChapaData) > 0 && string(e.ChapaData) != "null" {
		apiErr.Details = e.ChapaData
	}
	return apiErr
}
