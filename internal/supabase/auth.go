package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/resortpay/internal/model"
)

// AuthClient はGoTrue認証APIのクライアント。
// identity.AuthProviderを実装する。
type AuthClient struct {
	rest rest
	now  func() time.Time
}

// NewAuthClient はAuthClientを生成する。apiKeyにはanonキーを渡す。
func NewAuthClient(httpClient *http.Client, baseURL, apiKey string, logger *slog.Logger) *AuthClient {
	return &AuthClient{
		rest: rest{httpClient: httpClient, logger: logger, baseURL: baseURL, apiKey: apiKey},
		now:  time.Now,
	}
}

type userResponse struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (u *userResponse) toModel() *model.User {
	if u == nil || u.ID == "" {
		return nil
	}
	return &model.User{
		ID:        u.ID,
		Email:     u.Email,
		Name:      metadataString(u.UserMetadata, "name"),
		AvatarURL: metadataString(u.UserMetadata, "avatar_url"),
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func metadataString(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

type sessionResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

func (s *sessionResponse) toModel(now time.Time) *model.Session {
	if s == nil || s.AccessToken == "" {
		return nil
	}
	session := &model.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    s.TokenType,
		User:         s.User.toModel(),
	}
	switch {
	case s.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	case s.ExpiresIn > 0:
		session.ExpiresAt = now.Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return session
}

// SignInWithPassword はメールアドレスとパスワードでセッションを取得する。
// 資格情報が拒否された場合はINVALID_CREDENTIALSのAPIErrorを返す。
func (c *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	var resp sessionResponse
	err := c.rest.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", "",
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		if isInvalidCredentials(err) {
			return nil, model.NewInvalidCredentialsError(err)
		}
		return nil, err
	}
	return resp.toModel(c.now()), nil
}

// SignUp はユーザーを登録する。nameはuser_metadata.nameとして保存される。
// メール確認が有効な場合、セッションはnilで返る。
func (c *AuthClient) SignUp(ctx context.Context, email, password, name string) (*model.User, *model.Session, error) {
	body := map[string]any{
		"email":    email,
		"password": password,
		"data":     map[string]string{"name": name},
	}
	// 自動確認時はセッション形式、確認待ちの場合はユーザー形式で返る
	var raw json.RawMessage
	if err := c.rest.do(ctx, http.MethodPost, "/auth/v1/signup", "", body, &raw); err != nil {
		return nil, nil, err
	}

	var sess sessionResponse
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, nil, fmt.Errorf("failed to decode signup response: %w", err)
	}
	if session := sess.toModel(c.now()); session != nil {
		return session.User, session, nil
	}

	var user userResponse
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, nil, fmt.Errorf("failed to decode signup user: %w", err)
	}
	return user.toModel(), nil, nil
}

// SignOut はアクセストークンのセッションを失効させる。
func (c *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	return c.rest.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil)
}

// GetUser はアクセストークンに対応するユーザーを取得する。
func (c *AuthClient) GetUser(ctx context.Context, accessToken string) (*model.User, error) {
	var resp userResponse
	if err := c.rest.do(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

// UpdateUser はユーザー属性を部分更新する。nameはuser_metadataとして送る。
func (c *AuthClient) UpdateUser(ctx context.Context, accessToken string, attrs model.UserAttributes) (*model.User, error) {
	body := map[string]any{}
	if attrs.Email != nil {
		body["email"] = *attrs.Email
	}
	if attrs.Name != nil {
		body["data"] = map[string]string{"name": *attrs.Name}
	}

	var resp userResponse
	if err := c.rest.do(ctx, http.MethodPut, "/auth/v1/user", accessToken, body, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

// ResetPasswordForEmail はパスワード再設定メールの送信を依頼する。
// 配信結果はプロバイダーからは分からない。
func (c *AuthClient) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	path := "/auth/v1/recover"
	if redirectTo != "" {
		path += "?redirect_to=" + url.QueryEscape(redirectTo)
	}
	return c.rest.do(ctx, http.MethodPost, path, "", map[string]string{"email": email}, nil)
}

// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
func (c *AuthClient) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	var resp sessionResponse
	err := c.rest.do(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", "",
		map[string]string{"refresh_token": refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	session := resp.toModel(c.now())
	if session == nil {
		return nil, errors.New("supabase: refresh response did not contain a session")
	}
	return session, nil
}

// isInvalidCredentials はサインイン失敗が資格情報の拒否によるものかを判定する。
func isInvalidCredentials(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	switch apiErr.Code {
	case "invalid_grant", "invalid_credentials":
		return true
	}
	return false
}
