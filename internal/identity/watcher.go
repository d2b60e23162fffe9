package identity

import (
	"context"
	"log/slog"
	"time"
)

// ExpiryWatcher はセッションの有効期限を定期的に確認し、期限の少し前に更新する。
// 更新に失敗したセッションはGateway.Refreshにより期限切れとして破棄される。
type ExpiryWatcher struct {
	gateway *Gateway
	logger  *slog.Logger
	margin  time.Duration
	now     func() time.Time
}

// NewExpiryWatcher はExpiryWatcherを生成する。
// marginは有効期限の何秒前から更新を試みるかを表す。
func NewExpiryWatcher(gateway *Gateway, margin time.Duration, logger *slog.Logger) *ExpiryWatcher {
	return &ExpiryWatcher{
		gateway: gateway,
		logger:  logger,
		margin:  margin,
		now:     time.Now,
	}
}

// Start は指定間隔のティッカーで監視を開始する。
// コンテキストがキャンセルされるまで実行を継続する。
func (w *ExpiryWatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Debug("セッション監視を開始しました",
		slog.Duration("interval", interval),
		slog.Duration("margin", w.margin),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("セッション監視を停止しました")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce はセッションを1回確認し、期限が近ければ更新する。
// 更新を試みた場合はtrueを返す。
func (w *ExpiryWatcher) RunOnce(ctx context.Context) bool {
	session := w.gateway.Session()
	if session == nil || session.ExpiresAt.IsZero() {
		return false
	}
	if w.now().Add(w.margin).Before(session.ExpiresAt) {
		return false
	}

	if err := w.gateway.Refresh(ctx); err != nil {
		w.logger.Warn("セッションの自動更新に失敗しました", slog.String("error", err.Error()))
	}
	return true
}
