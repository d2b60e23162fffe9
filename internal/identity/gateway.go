package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/resortpay/internal/model"
)

// minPasswordLength はサインアップ時に要求するパスワードの最小文字数。
const minPasswordLength = 6

// AuthProvider は認証プロバイダーへの呼び出しを抽象化するインターフェース。
// supabase.AuthClientが実装する。
type AuthProvider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	// SignUp はメール確認待ちの場合nilのセッションを返す。
	SignUp(ctx context.Context, email, password, name string) (*model.User, *model.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (*model.User, error)
	UpdateUser(ctx context.Context, accessToken string, attrs model.UserAttributes) (*model.User, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error)
}

// userMessager はユーザーに表示してよいメッセージを持つプロバイダーエラー。
type userMessager interface {
	UserMessage() string
}

// Options はGatewayの設定。
type Options struct {
	PasswordResetRedirectURL string
}

// Gateway は認証プロバイダーを包み、セッションの状態をStoreに反映する。
// 入力検証はネットワーク呼び出しの前に行う。
type Gateway struct {
	provider AuthProvider
	store    *Store
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewGateway はGatewayを生成する。storeがnilの場合は新しいStoreを使う。
func NewGateway(provider AuthProvider, store *Store, opts Options, logger *slog.Logger) *Gateway {
	if store == nil {
		store = NewStore()
	}
	return &Gateway{
		provider: provider,
		store:    store,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Store はゲートウェイのセッションストアを返す。
func (g *Gateway) Store() *Store { return g.store }

// Session は現在のセッションを返す。
func (g *Gateway) Session() *model.Session { return g.store.Session() }

// User はキャッシュ済みのユーザーを返す。
func (g *Gateway) User() *model.User { return g.store.User() }

// State は現在の認証状態を返す。
func (g *Gateway) State() State { return g.store.State() }

// Subscribe は変更通知のコールバックを登録する。
func (g *Gateway) Subscribe(fn func(Change)) (unsubscribe func()) {
	return g.store.Subscribe(fn)
}

// SignIn はメールアドレスとパスワードでサインインする。
func (g *Gateway) SignIn(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return model.NewValidationError("Email and password are required")
	}

	g.store.beginAuth()

	session, err := g.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		g.store.failAuth()
		if model.HasCode(err, model.ErrCodeInvalidCredentials) {
			g.logger.Info("サインインが拒否されました")
			return err
		}
		g.logger.Error("サインインに失敗しました", slog.String("error", err.Error()))
		return providerError(err)
	}
	if session == nil {
		g.store.failAuth()
		return model.NewProviderError("No session returned", nil)
	}

	g.store.completeAuth(session)
	g.logger.Info("サインインしました", slog.String("user_id", userID(session.User)))
	return nil
}

// SignUp はユーザーを登録する。displayNameはプロバイダーのユーザーメタデータとして保存する。
// プロバイダーがセッションを返した場合（メール確認なし）は認証済みになる。
func (g *Gateway) SignUp(ctx context.Context, email, password, displayName string) error {
	email = strings.TrimSpace(email)
	displayName = strings.TrimSpace(displayName)
	if email == "" || password == "" || displayName == "" {
		return model.NewValidationError("All fields are required")
	}
	if utf8.RuneCountInString(password) < minPasswordLength {
		return model.NewValidationError("Password must be at least 6 characters")
	}

	user, session, err := g.provider.SignUp(ctx, email, password, displayName)
	if err != nil {
		g.logger.Warn("サインアップに失敗しました", slog.String("error", err.Error()))
		return providerError(err)
	}

	if session != nil {
		if session.User == nil {
			session.User = user
		}
		g.store.beginAuth()
		g.store.completeAuth(session)
	}
	g.logger.Info("サインアップしました",
		slog.String("user_id", userID(user)),
		slog.Bool("session_issued", session != nil),
	)
	return nil
}

// SignOut はプロバイダーのセッションを失効させてからローカルの状態を破棄する。
// 失効に失敗した場合はローカルの状態を変更しない。セッションがなければ何もしない。
func (g *Gateway) SignOut(ctx context.Context) error {
	session := g.store.Session()
	if session == nil {
		return nil
	}

	if err := g.provider.SignOut(ctx, session.AccessToken); err != nil {
		g.logger.Error("サインアウトに失敗しました", slog.String("error", err.Error()))
		return providerError(err)
	}

	g.store.signOut()
	g.logger.Info("サインアウトしました", slog.String("user_id", userID(session.User)))
	return nil
}

// ResetPassword はパスワード再設定メールの送信を依頼する。配信結果は確認できない。
func (g *Gateway) ResetPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return model.NewValidationError("Email is required")
	}

	if err := g.provider.ResetPasswordForEmail(ctx, email, g.opts.PasswordResetRedirectURL); err != nil {
		g.logger.Error("パスワード再設定の依頼に失敗しました", slog.String("error", err.Error()))
		return providerError(err)
	}
	return nil
}

// UpdateUser はユーザー属性を部分更新する。nilのフィールドは変更しない。
// 変更対象がなければネットワーク呼び出しをせずにキャッシュ済みユーザーを返す。
func (g *Gateway) UpdateUser(ctx context.Context, attrs model.UserAttributes) (*model.User, error) {
	session := g.store.Session()
	if session == nil || session.Expired(g.now()) {
		return nil, model.NewNotAuthenticatedError()
	}
	if attrs.IsEmpty() {
		return g.store.User(), nil
	}
	if attrs.Email != nil && strings.TrimSpace(*attrs.Email) == "" {
		return nil, model.NewValidationError("Email cannot be empty")
	}

	user, err := g.provider.UpdateUser(ctx, session.AccessToken, attrs)
	if err != nil {
		g.logger.Error("ユーザー情報の更新に失敗しました", slog.String("error", err.Error()))
		return nil, providerError(err)
	}
	if user == nil {
		return nil, model.NewProviderError("No user returned", nil)
	}

	g.store.updateUser(user)
	return user, nil
}

// Restore は保存済みのリフレッシュトークンからセッションを復元する。
// アプリ起動時のセッション取得に使う。
func (g *Gateway) Restore(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return model.NewValidationError("Refresh token is required")
	}

	g.store.beginAuth()

	session, err := g.provider.RefreshSession(ctx, refreshToken)
	if err != nil {
		g.store.failAuth()
		return providerError(err)
	}
	if session == nil {
		g.store.failAuth()
		return model.NewProviderError("No session returned", nil)
	}
	if session.User == nil {
		user, err := g.provider.GetUser(ctx, session.AccessToken)
		if err != nil {
			g.store.failAuth()
			return providerError(err)
		}
		session.User = user
	}

	g.store.completeAuth(session)
	return nil
}

// Refresh はリフレッシュトークンでセッションを更新する。
// プロバイダーが更新を拒否した場合はセッションを期限切れとして破棄する。
// 呼び出し側のコンテキストが終了した場合はセッションを保持したままエラーを返す。
func (g *Gateway) Refresh(ctx context.Context) error {
	session := g.store.Session()
	if session == nil {
		return model.NewNotAuthenticatedError()
	}

	next, err := g.provider.RefreshSession(ctx, session.RefreshToken)
	if err == nil && next == nil {
		err = errors.New("refresh returned no session")
	}
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return providerError(err)
	}
	if err != nil {
		if g.store.expire(session) {
			g.logger.Warn("セッションの更新に失敗したため期限切れにしました",
				slog.String("user_id", userID(session.User)),
				slog.String("error", err.Error()),
			)
		}
		return providerError(err)
	}
	if next.User == nil {
		next.User = session.User
	}

	g.store.replaceSession(session, next)
	return nil
}

// providerError はプロバイダーのエラーをPROVIDER_ERRORに変換する。
// プロバイダーが表示用メッセージを返していればそのまま使う。
func providerError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var um userMessager
	if errors.As(err, &um) {
		return model.NewProviderError(um.UserMessage(), err)
	}
	return model.NewProviderError("", err)
}

func userID(u *model.User) string {
	if u == nil {
		return ""
	}
	return u.ID
}
