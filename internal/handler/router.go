package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/resortpay/internal/metrics"
	"github.com/hitoshi/resortpay/internal/middleware"
	"github.com/hitoshi/resortpay/internal/model"
)

// maxRequestBodySize は決済開始リクエストのボディ上限（バイト）。
const maxRequestBodySize = 64 << 10

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenVerifier     middleware.TokenVerifier // nilの場合はBearer認証を行わない
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	MetricsGatherer   prometheus.Gatherer
	Logger            *slog.Logger

	// ヘルスチェック
	HealthChecker HealthChecker

	// 決済
	PaymentService PaymentServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → Metrics → SecurityHeaders → CORS → RateLimit(General)
//
// 決済ルートはさらに BearerAuth → RateLimit(Payment) を通る。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NopCollector{}
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(deps.RateLimiter.GeneralMiddleware())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "NOT_FOUND",
			Message:  "Not found",
			Category: "system",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusMethodNotAllowed, &model.APIError{
			Code:     "METHOD_NOT_ALLOWED",
			Message:  "Method not allowed",
			Category: "system",
		})
	})

	healthHandler := NewHealthHandler(deps.HealthChecker, logger)
	paymentHandler := NewPaymentHandler(deps.PaymentService, logger)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}

	// --- 決済ルート ---
	// ミドルウェアスタック: RequestSize → BearerAuth → RateLimit(Payment)
	r.Group(func(r chi.Router) {
		r.Use(chimw.RequestSize(maxRequestBodySize))
		if deps.TokenVerifier != nil {
			r.Use(middleware.NewBearerAuthMiddleware(deps.TokenVerifier, logger))
		}
		r.Use(deps.RateLimiter.PaymentMiddleware())

		r.Post("/functions/v1/payments", paymentHandler.InitiatePayment)
		r.Post("/api/payments", paymentHandler.InitiatePayment)
	})

	return r
}
