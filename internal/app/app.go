package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/resortpay/internal/auth"
	"github.com/hitoshi/resortpay/internal/chapa"
	"github.com/hitoshi/resortpay/internal/config"
	"github.com/hitoshi/resortpay/internal/database"
	"github.com/hitoshi/resortpay/internal/handler"
	"github.com/hitoshi/resortpay/internal/logger"
	"github.com/hitoshi/resortpay/internal/metrics"
	"github.com/hitoshi/resortpay/internal/middleware"
	"github.com/hitoshi/resortpay/internal/payment"
	"github.com/hitoshi/resortpay/internal/repository"
	"github.com/hitoshi/resortpay/internal/security"
	"github.com/hitoshi/resortpay/internal/supabase"
)

// tokenLeeway はJWT検証時に許容する時計のずれ。
const tokenLeeway = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再初期化
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		if err := cfg.ValidateMigrate(); err != nil {
			return err
		}
		return runMigrate(cfg)
	case CommandCheckout:
		if err := cfg.ValidateCheckout(); err != nil {
			return err
		}
		var flagArgs []string
		if len(args) > 1 {
			flagArgs = args[1:]
		}
		return runCheckout(cfg, w, flagArgs)
	default:
		if err := cfg.ValidateServe(); err != nil {
			return err
		}
		return runServe(cfg)
	}
}

// runServe はAPIサーバーモードで起動する。
// 依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. 決済プロバイダーの送信先検証
	guard := security.NewOutboundGuard()
	if err := guard.ValidateEndpoint(cfg.ChapaAPIURL); err != nil {
		return fmt.Errorf("invalid CHAPA_API_URL: %w", err)
	}

	// 2. プロフィールストアの初期化
	profiles, healthChecker, closeStore, err := openProfileStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. メトリクスの初期化
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	// 4. ドメインサービスの初期化
	chapaClient := chapa.NewClient(guard.NewSafeClient(cfg.ProviderTimeout), chapa.Options{
		Endpoint:        cfg.ChapaAPIURL,
		SecretKey:       cfg.ChapaSecretKey,
		MaxResponseSize: cfg.ProviderMaxResponseSize,
	}, log)

	paymentService := payment.NewService(
		profiles, chapaClient, security.NewTextSanitizer(), collector,
		payment.Options{
			ReturnURL:   cfg.PaymentReturnURL,
			Title:       cfg.PaymentTitle,
			Description: cfg.PaymentDescription,
		},
		log,
	)

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPayment), log,
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		TokenVerifier:     newTokenVerifier(cfg, log),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Metrics:           collector,
		MetricsGatherer:   reg,
		Logger:            log,
		HealthChecker:     healthChecker,
		PaymentService:    paymentService,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// openProfileStore はプロフィールストアを開く。
// DATABASE_URLがあればPostgresを直接参照し、なければSupabase RESTを使う。
func openProfileStore(cfg *config.Config, log *slog.Logger) (repository.ProfileRepository, handler.HealthChecker, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Info("using Supabase REST profile store", slog.String("supabase_url", cfg.SupabaseURL))
		store := supabase.NewProfileStore(
			&http.Client{Timeout: cfg.ProviderTimeout}, cfg.SupabaseURL, cfg.ProfileStoreKey(), log,
		)
		return store, nil, func() {}, nil
	}

	db, err := database.Connect(context.Background(), cfg.DatabaseURL, cfg.DatabaseConnectRetries, log)
	if err != nil {
		return nil, nil, nil, err
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return repository.NewPostgresProfileRepo(db), db, func() { db.Close() }, nil
}

// newTokenVerifier は決済ルートのBearerトークン検証器を選ぶ。
// JWTシークレットがあればローカル検証、なければ認証プロバイダーへ問い合わせる。
// どちらも設定されていない場合はnilを返し、Bearer認証を無効にする。
func newTokenVerifier(cfg *config.Config, log *slog.Logger) middleware.TokenVerifier {
	switch {
	case cfg.SupabaseJWTSecret != "":
		return auth.NewTokenVerifier(cfg.SupabaseJWTSecret, auth.SupabaseAudience, tokenLeeway)
	case cfg.SupabaseURL != "" && cfg.SupabaseAnonKey != "":
		authClient := supabase.NewAuthClient(
			&http.Client{Timeout: cfg.ProviderTimeout}, cfg.SupabaseURL, cfg.SupabaseAnonKey, log,
		)
		return auth.NewRemoteVerifier(authClient)
	default:
		log.Warn("bearer authentication is disabled: set SUPABASE_JWT_SECRET or SUPABASE_URL and SUPABASE_ANON_KEY")
		return nil
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	db, err := database.Connect(context.Background(), cfg.DatabaseURL, cfg.DatabaseConnectRetries, slog.Default())
	if err != nil {
		return err
	}
	db.Close()

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
