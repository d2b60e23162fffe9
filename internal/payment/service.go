// Package payment は決済開始のドメインロジックを提供する。
//
// 1リクエストにつき「検証 → tx_ref採番 → 決済者プロフィール解決 → プロバイダー呼び出し」を
// 順番に1回ずつ実行する。以下は既知の制約であり、このパッケージでは扱わない。
//   - プロバイダー呼び出し前に保留中の決済レコードを書き込まない
//   - 同一内容の再送は新しいtx_refと新しいプロバイダートランザクションになる（重複排除なし）
//   - 決済完了を記録するWebhook/コールバックはない
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/resortpay/internal/metrics"
	"github.com/hitoshi/resortpay/internal/model"
	"github.com/hitoshi/resortpay/internal/repository"
)

// Provider は決済プロバイダーのトランザクション作成インターフェース。
type Provider interface {
	CreateTransaction(ctx context.Context, req model.CheckoutRequest) (*model.CheckoutResult, error)
}

// Sanitizer は決済ページに表示するテキストを整形する。
type Sanitizer interface {
	Sanitize(raw string) string
}

// Options は決済ページの表示内容と戻り先URLの設定。
type Options struct {
	ReturnURL   string
	Title       string
	Description string
}

// Service は決済開始のサービス層。
type Service struct {
	profiles  repository.ProfileRepository
	provider  Provider
	sanitizer Sanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	opts      Options
	newTxRef  func() string
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	profiles repository.ProfileRepository,
	provider Provider,
	sanitizer Sanitizer,
	collector metrics.MetricsCollector,
	opts Options,
	logger *slog.Logger,
) *Service {
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Service{
		profiles:  profiles,
		provider:  provider,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		opts:      opts,
		newTxRef:  NewTxRef,
		now:       time.Now,
	}
}

// NewTxRef は"tx-"に続けてランダムなUUIDv4を付けたトランザクション参照を返す。
func NewTxRef() string {
	return "tx-" + uuid.NewString()
}

// Initiate は決済を開始し、決済ページへのリダイレクトURLを返す。
// 返すエラーは*model.APIErrorで、コードは以下のいずれか:
// MISSING_FIELDS, INVALID_TYPE, INVALID_AMOUNT, PROFILE_NOT_FOUND,
// PROVIDER_ERROR（プロフィールストア障害）, PROVIDER_INITIATION_FAILED。
func (s *Service) Initiate(ctx context.Context, req model.PaymentRequest) (*model.TransactionRef, error) {
	if err := req.Validate(); err != nil {
		s.metrics.RecordPaymentInitiation(metrics.OutcomeRejected)
		return nil, err
	}

	txRef := s.newTxRef()
	logger := s.logger.With(
		slog.String("tx_ref", txRef),
		slog.String("user_id", req.UserID),
		slog.String("type", string(req.Type)),
		slog.String("item_id", string(req.ItemID)),
	)

	profile, err := s.profiles.FindByID(ctx, req.UserID)
	if err != nil {
		s.metrics.RecordPaymentInitiation(metrics.OutcomeStoreError)
		logger.Error("決済者プロフィールの取得に失敗しました", slog.String("error", err.Error()))
		return nil, model.NewProviderError("", fmt.Errorf("failed to load payer profile: %w", err))
	}
	if profile == nil {
		s.metrics.RecordPaymentInitiation(metrics.OutcomeProfileNotFound)
		logger.Warn("決済者プロフィールが見つかりません")
		return nil, model.NewProfileNotFoundError(req.UserID)
	}

	returnURL, err := withTxRef(s.opts.ReturnURL, txRef)
	if err != nil {
		s.metrics.RecordPaymentInitiation(metrics.OutcomeProviderFailed)
		return nil, model.NewProviderInitiationFailedError(nil, fmt.Errorf("invalid return URL: %w", err))
	}

	checkout := model.CheckoutRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Email:       profile.Email,
		FirstName:   profile.FirstName,
		LastName:    profile.LastName,
		TxRef:       txRef,
		ReturnURL:   returnURL,
		Title:       s.sanitizer.Sanitize(s.opts.Title),
		Description: s.describe(req),
		Meta: map[string]string{
			"type":    string(req.Type),
			"item_id": string(req.ItemID),
			"user_id": req.UserID,
		},
	}

	start := s.now()
	result, err := s.provider.CreateTransaction(ctx, checkout)
	s.metrics.RecordProviderLatency(s.now().Sub(start))
	if err != nil {
		s.metrics.RecordPaymentInitiation(metrics.OutcomeProviderFailed)
		logger.Error("決済プロバイダーの呼び出しに失敗しました", slog.String("error", err.Error()))
		return nil, model.NewProviderInitiationFailedError(nil, err)
	}
	if !result.Succeeded() {
		s.metrics.RecordPaymentInitiation(metrics.OutcomeProviderFailed)
		logger.Error("決済プロバイダーがトランザクションを作成しませんでした",
			slog.String("status", result.Status),
			slog.String("message", result.Message),
			slog.String("chapa_data", string(result.Raw)),
		)
		return nil, model.NewProviderInitiationFailedError(result.Raw,
			fmt.Errorf("provider status %q: %s", result.Status, result.Message))
	}

	redirectURL, err := withTxRef(result.CheckoutURL, txRef)
	if err != nil {
		s.metrics.RecordPaymentInitiation(metrics.OutcomeProviderFailed)
		return nil, model.NewProviderInitiationFailedError(result.Raw, fmt.Errorf("invalid checkout URL: %w", err))
	}

	s.metrics.RecordPaymentInitiation(metrics.OutcomeSuccess)
	logger.Info("決済を開始しました")

	return &model.TransactionRef{TxRef: txRef, RedirectURL: redirectURL}, nil
}

// describe は決済ページの説明文を組み立てる。購入種別と対象IDを付記する。
func (s *Service) describe(req model.PaymentRequest) string {
	base := s.sanitizer.Sanitize(s.opts.Description)
	suffix := s.sanitizer.Sanitize(fmt.Sprintf("%s %s", req.Type, req.ItemID))
	if base == "" {
		return suffix
	}
	return base + " - " + suffix
}

// withTxRef はURLのクエリにtx_refを設定する。既存のクエリパラメータは保持する。
func withTxRef(rawURL, txRef string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("URL must be absolute: %q", rawURL)
	}
	q := u.Query()
	q.Set("tx_ref", txRef)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
