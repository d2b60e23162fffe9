package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const (
	// initialConnectBackoff は接続リトライの初回待機時間。
	initialConnectBackoff = 500 * time.Millisecond
	// maxConnectBackoff は接続リトライの最大待機時間。
	maxConnectBackoff = 8 * time.Second
)

// Pinger は接続確認が可能なデータベースを表す。*sql.DBが満たす。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Open はPostgreSQLデータベース接続を開く。
// sql.Openは接続を試行しないため、実際の接続確認にはConnectまたはdb.PingContextを使用すること。
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return db, nil
}

// Connect は接続を開き、疎通を確認する。
// コンテナ起動直後はDBの準備が間に合わないことがあるため、retries回まで指数バックオフで再試行する。
func Connect(ctx context.Context, databaseURL string, retries int, logger *slog.Logger) (*sql.DB, error) {
	db, err := Open(databaseURL)
	if err != nil {
		return nil, err
	}
	if err := WaitReady(ctx, db, retries, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// WaitReady はPingが成功するまで最大retries回再試行する。
func WaitReady(ctx context.Context, db Pinger, retries int, logger *slog.Logger) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt >= retries {
			break
		}

		delay := ConnectBackoff(attempt)
		logger.Warn("database is not ready, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("failed to connect to database: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("failed to connect to database: %w", err)
}

// ConnectBackoff は失敗回数に応じた待機時間を返す。
// 初回500ms、2倍ずつ増加、最大8秒。
func ConnectBackoff(attempt int) time.Duration {
	delay := initialConnectBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxConnectBackoff {
			return maxConnectBackoff
		}
	}
	return delay
}
