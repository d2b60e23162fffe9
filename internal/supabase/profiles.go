package supabase

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/hitoshi/resortpay/internal/model"
)

// ProfileStore はPostgREST経由でprofilesテーブルを参照する。
// DATABASE_URLが設定されていない環境での決済者プロフィール解決に使う。
type ProfileStore struct {
	rest rest
}

// NewProfileStore はProfileStoreを生成する。apiKeyにはservice_roleキー（なければanonキー）を渡す。
func NewProfileStore(httpClient *http.Client, baseURL, apiKey string, logger *slog.Logger) *ProfileStore {
	return &ProfileStore{
		rest: rest{httpClient: httpClient, logger: logger, baseURL: baseURL, apiKey: apiKey},
	}
}

type profileRow struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// FindByID は指定ユーザーIDのプロフィールを取得する。見つからない場合はnilを返す。
// UUIDとして解釈できないIDは問い合わせずに未検出として扱う。
func (s *ProfileStore) FindByID(ctx context.Context, userID string) (*model.Profile, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, nil
	}

	q := url.Values{}
	q.Set("id", "eq."+userID)
	q.Set("select", "id,email,first_name,last_name")
	q.Set("limit", "1")

	var rows []profileRow
	if err := s.rest.do(ctx, http.MethodGet, "/rest/v1/profiles?"+q.Encode(), "", nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	r := rows[0]
	return &model.Profile{
		ID:        r.ID,
		Email:     r.Email,
		FirstName: r.FirstName,
		LastName:  r.LastName,
	}, nil
}
