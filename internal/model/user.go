// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証プロバイダーが管理するアイデンティティのプロフィールを表す。
// 表示名とアバターはプロバイダーのuser_metadataから導出する。
type User struct {
	ID        string
	Email     string
	Name      string
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserAttributes はUpdateUserで変更する属性を表す。
// nilのフィールドは変更しない。
type UserAttributes struct {
	Name  *string
	Email *string
}

// IsEmpty は変更対象の属性が1つも指定されていない場合にtrueを返す。
func (a UserAttributes) IsEmpty() bool {
	return a.Name == nil && a.Email == nil
}

// Session は認証プロバイダーが発行したログインセッションを表す。
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	User         *User
}

// Expired は指定時刻の時点でセッションが期限切れかどうかを返す。
// ExpiresAtがゼロ値の場合は期限なしとして扱う。
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Profile は決済者の連絡先情報を表す。profilesテーブルの1行に対応する。
type Profile struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}
