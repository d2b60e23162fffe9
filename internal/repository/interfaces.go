// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/resortpay/internal/model"
)

// ProfileRepository は決済者プロフィールの参照インターフェース。
// プロフィールの作成・更新はこのシステムの責務ではない。
type ProfileRepository interface {
	// FindByID は指定ユーザーIDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID string) (*model.Profile, error)
}
