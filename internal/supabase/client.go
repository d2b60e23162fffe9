// Package supabase はSupabase（GoTrue認証APIとPostgREST）のHTTPクライアントを提供する。
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxResponseSize はSupabaseレスポンスの読み取り上限。
const maxResponseSize = 1 << 20

// Error はSupabaseが返したエラー応答を表す。
// GoTrueのバージョンによりerror/error_description形式とerror_code/msg形式がある。
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase: status %d: %s", e.StatusCode, e.Message)
}

// UserMessage はユーザーに表示してよいプロバイダーのメッセージを返す。
func (e *Error) UserMessage() string {
	return e.Message
}

// errorBody はGoTrue/PostgRESTのエラー応答の和集合。
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func parseError(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		e.Code = firstNonEmpty(eb.ErrorCode, eb.Error)
		e.Message = firstNonEmpty(eb.Msg, eb.ErrorDescription, eb.Message, eb.Error)
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// rest はSupabase APIへの共通のリクエスト処理を行う。
type rest struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
}

// do はJSONリクエストを送り、2xxの場合はoutにデコードする。
// bearerが空の場合はAPIキーをBearerトークンとして使う。
func (r *rest) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(r.baseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if bearer == "" {
		bearer = r.apiKey
	}
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Error("Supabase APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", pathOnly(path)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("supabase request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return fmt.Errorf("failed to read supabase response: %w", err)
	}
	if len(respBody) > maxResponseSize {
		r.logger.Warn("Supabase APIのレスポンスが上限を超えました",
			slog.String("method", method),
			slog.String("path", pathOnly(path)),
			slog.Int("limit", maxResponseSize),
		)
		return fmt.Errorf("supabase response exceeds %d bytes", maxResponseSize)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseError(resp.StatusCode, respBody)
		r.logger.Warn("Supabase APIがエラーステータスを返しました",
			slog.String("method", method),
			slog.String("path", pathOnly(path)),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode supabase response: %w", err)
	}
	return nil
}

// pathOnly はログ出力用にクエリ文字列を除いたパスを返す。
func pathOnly(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
