package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/resortpay/internal/model"
)

// PostgresProfileRepo はPostgreSQLのprofilesテーブルを参照するプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定ユーザーIDのプロフィールを取得する。見つからない場合はnilを返す。
// profiles.idはUUID型のため、UUIDとして解釈できないIDはクエリせずに未検出として扱う。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, userID string) (*model.Profile, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, nil
	}

	profile := &model.Profile{}
	// Supabaseのprofilesは氏名・メールがNULL許容
	var email, firstName, lastName sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name FROM profiles WHERE id = $1`,
		userID,
	).Scan(&profile.ID, &email, &firstName, &lastName)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}
	profile.Email = email.String
	profile.FirstName = firstName.String
	profile.LastName = lastName.String

	return profile, nil
}
