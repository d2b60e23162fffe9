// Package auth はSupabaseが発行したアクセストークンの検証を提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/resortpay/internal/model"
)

// SupabaseAudience はSupabaseがログイン済みユーザーのトークンに設定するaudience。
const SupabaseAudience = "authenticated"

var (
	// ErrMissingToken はトークンが空の場合のエラー。
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken は署名・有効期限・audienceの検証に失敗した場合のエラー。
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Identity は検証済みトークンの主体を表す。
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Claims はSupabaseのアクセストークンのクレーム。
type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// TokenVerifier はHS256で署名されたSupabaseのJWTをローカルで検証する。
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenVerifier はTokenVerifierを生成する。
// audienceが空の場合はaudienceを検証しない。
func NewTokenVerifier(secret, audience string, leeway time.Duration) *TokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(opts...),
	}
}

// Verify はトークンを検証し、主体を返す。
func (v *TokenVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

// UserFetcher はアクセストークンからユーザーを取得する。
// supabase.AuthClientが実装する。
type UserFetcher interface {
	GetUser(ctx context.Context, accessToken string) (*model.User, error)
}

// RemoteVerifier はJWTシークレットを持たない環境で、認証プロバイダーに問い合わせてトークンを検証する。
type RemoteVerifier struct {
	users UserFetcher
}

// NewRemoteVerifier はRemoteVerifierを生成する。
func NewRemoteVerifier(users UserFetcher) *RemoteVerifier {
	return &RemoteVerifier{users: users}
}

// Verify はプロバイダーの /auth/v1/user でトークンを検証する。
func (v *RemoteVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	user, err := v.users.GetUser(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if user == nil || user.ID == "" {
		return nil, ErrInvalidToken
	}

	return &Identity{UserID: user.ID, Email: user.Email, Role: SupabaseAudience}, nil
}
