// Package chapa はChapa決済APIのクライアントを提供する。
// トランザクション作成（initialize）のみを扱い、検証やWebhookは扱わない。
package chapa

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

const (
	// DefaultEndpoint はトランザクション作成APIのエンドポイント。
	DefaultEndpoint = "https://api.chapa.co/v1/transaction/initialize"
	// defaultMaxResponseSize はレスポンスボディの読み取り上限（1MB）。
	defaultMaxResponseSize int64 = 1 << 20
)

// Options はClientの設定。
type Options struct {
	Endpoint        string
	SecretKey       string
	MaxResponseSize int64
}

// Client はChapa決済APIのクライアント。
// 1回の呼び出しで1回だけHTTPリクエストを送り、リトライしない。
type Client struct {
	httpClient      *http.Client
	logger          *slog.Logger
	endpoint        string
	secretKey       string
	maxResponseSize int64
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, opts Options, logger *slog.Logger) *Client {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	maxSize := opts.MaxResponseSize
	if maxSize <= 0 {
		maxSize = defaultMaxResponseSize
	}
	return &Client{
		httpClient:      httpClient,
		logger:          logger,
		endpoint:        endpoint,
		secretKey:       opts.SecretKey,
		maxResponseSize: maxSize,
	}
}

// initializeRequest はinitialize APIのリクエストボディ。
// customizationはChapaの仕様どおりフラットなキーで送る。
type initializeRequest struct {
	Amount                   json.Number       `json:"amount"`
	Currency                 string            `json:"currency"`
	Email                    string            `json:"email"`
	FirstName                string            `json:"first_name"`
	LastName                 string            `json:"last_name"`
	TxRef                    string            `json:"tx_ref"`
	ReturnURL                string            `json:"return_url"`
	CustomizationTitle       string            `json:"customization[title]"`
	CustomizationDescription string            `json:"customization[description]"`
	Meta                     map[string]string `json:"meta,omitempty"`
}

type initializeResponse struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
	Data    *struct {
		CheckoutURL string `json:"checkout_url"`
	} `json:"data"`
}

// CreateTransaction はChapaにトランザクション作成を依頼する。
// HTTPステータスに関わらず応答がJSONとして解釈できればCheckoutResultを返す。
// 成否の判定は呼び出し側がCheckoutResult.Succeededで行う。
// 通信エラー・応答の解釈失敗の場合のみエラーを返す。
func (c *Client) CreateTransaction(ctx context.Context, req model.CheckoutRequest) (*model.CheckoutResult, error) {
	payload, err := json.Marshal(initializeRequest{
		Amount:                   req.Amount,
		Currency:                 req.Currency,
		Email:                    req.Email,
		FirstName:                req.FirstName,
		LastName:                 req.LastName,
		TxRef:                    req.TxRef,
		ReturnURL:                req.ReturnURL,
		CustomizationTitle:       req.Title,
		CustomizationDescription: req.Description,
		Meta:                     req.Meta,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chapa request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create chapa request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("Chapa APIの呼び出しに失敗しました",
			slog.String("tx_ref", req.TxRef),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("chapa request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read chapa response: %w", err)
	}
	if int64(len(body)) > c.maxResponseSize {
		return nil, fmt.Errorf("chapa response exceeds %d bytes", c.maxResponseSize)
	}

	var decoded initializeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.logger.Error("Chapa APIのレスポンスのパースに失敗しました",
			slog.String("tx_ref", req.TxRef),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to decode chapa response (status %d): %w", resp.StatusCode, err)
	}

	result := &model.CheckoutResult{
		Status:  decoded.Status,
		Message: messageText(decoded.Message),
		Raw:     json.RawMessage(body),
	}
	if decoded.Data != nil {
		result.CheckoutURL = decoded.Data.CheckoutURL
	}

	if !result.Succeeded() {
		c.logger.Warn("Chapaがトランザクション作成を拒否しました",
			slog.String("tx_ref", req.TxRef),
			slog.Int("http_status", resp.StatusCode),
			slog.String("status", result.Status),
			slog.String("message", result.Message),
		)
	}

	return result, nil
}

// messageText はmessageフィールドを文字列化する。
// Chapaは検証エラー時にmessageをフィールド別のオブジェクトで返すことがある。
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
