package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hitoshi/resortpay/internal/checkout"
	"github.com/hitoshi/resortpay/internal/config"
	"github.com/hitoshi/resortpay/internal/identity"
	"github.com/hitoshi/resortpay/internal/model"
	"github.com/hitoshi/resortpay/internal/supabase"
)

// checkoutOptions はcheckoutコマンドのフラグ値。
type checkoutOptions struct {
	Amount   string
	Currency string
	Type     string
	ItemID   string
}

// parseCheckoutFlags はcheckoutコマンドのフラグを解析する。
// 金額や種別の妥当性は送信前にPaymentRequest.Validateで検証する。
func parseCheckoutFlags(args []string, output io.Writer) (*checkoutOptions, error) {
	opts := &checkoutOptions{}

	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.Amount, "amount", "", "payment amount (e.g. 100.50)")
	fs.StringVar(&opts.Currency, "currency", "ETB", "currency code")
	fs.StringVar(&opts.Type, "type", string(model.PaymentTypeEvent), "payment type: event or service")
	fs.StringVar(&opts.ItemID, "item", "", "event or service id")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// paymentRequest はサインイン中のユーザーIDを決済者としてリクエストを組み立てる。
func (o *checkoutOptions) paymentRequest(userID string) model.PaymentRequest {
	return model.PaymentRequest{
		Amount:   json.Number(o.Amount),
		Currency: o.Currency,
		UserID:   userID,
		Type:     model.PaymentType(o.Type),
		ItemID:   model.FlexibleID(o.ItemID),
	}
}

// runCheckout はサインインして決済を開始し、決済ページのURLをwに出力する。
// 認証情報は環境変数RESORTPAY_EMAILとRESORTPAY_PASSWORDから読む。
func runCheckout(cfg *config.Config, w io.Writer, args []string) error {
	opts, err := parseCheckoutFlags(args, w)
	if err != nil {
		return err
	}

	email := os.Getenv("RESORTPAY_EMAIL")
	password := os.Getenv("RESORTPAY_PASSWORD")
	if email == "" || password == "" {
		return errors.New("required environment variables are not set: [RESORTPAY_EMAIL RESORTPAY_PASSWORD]")
	}

	log := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	authClient := supabase.NewAuthClient(httpClient, cfg.SupabaseURL, cfg.SupabaseAnonKey, log)
	gateway := identity.NewGateway(authClient, nil, identity.Options{
		PasswordResetRedirectURL: cfg.PasswordResetRedirectURL,
	}, log)

	unsubscribe := gateway.Subscribe(func(c identity.Change) {
		log.Debug("session changed",
			slog.String("event", string(c.Event)),
			slog.String("from", c.From.String()),
			slog.String("state", c.State.String()),
		)
	})
	defer unsubscribe()

	if err := gateway.SignIn(ctx, email, password); err != nil {
		return fmt.Errorf("sign in failed: %w", err)
	}
	defer func() {
		if err := gateway.SignOut(context.Background()); err != nil {
			log.Warn("sign out failed", slog.String("error", err.Error()))
		}
	}()

	// 決済関数の応答待ちの間にトークンが失効しないよう監視する
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go identity.NewExpiryWatcher(gateway, cfg.SessionRefreshMargin, log).Start(watchCtx, cfg.SessionCheckInterval)

	user := gateway.User()
	if user == nil {
		return model.NewNotAuthenticatedError()
	}
	req := opts.paymentRequest(user.ID)
	if err := req.Validate(); err != nil {
		return err
	}

	session := gateway.Session()
	if session == nil {
		return model.NewNotAuthenticatedError()
	}

	client := checkout.NewClient(httpClient, cfg.PaymentFunctionURL, cfg.SupabaseAnonKey, log)
	ref, err := client.Initiate(ctx, session.AccessToken, req)
	if err != nil {
		return fmt.Errorf("payment initiation failed: %w", err)
	}

	log.Info("payment initiated",
		slog.String("tx_ref", ref.TxRef),
		slog.String("user_id", user.ID),
	)
	_, err = fmt.Fprintln(w, ref.RedirectURL)
	return err
}
