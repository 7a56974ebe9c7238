// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザー（認証主体）を表す。
// IDはIdentity Providerが払い出す不変の識別子で、プロフィールのキーにもなる。
type User struct {
	ID               string
	Email            string
	Name             string
	PasswordHash     []byte
	EmailConfirmedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EmailConfirmed はメールアドレスが確認済みかを返す。
func (u *User) EmailConfirmed() bool {
	return u.EmailConfirmedAt != nil
}

// Identity は認証手段（メール/外部IdP）との紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// 認証手段のプロバイダー名。
const (
	ProviderEmail  = "email"
	ProviderGoogle = "google"
)

// Session はユーザーのログインセッションを表す。
// IDはアクセストークンとしてクライアントに渡される不透明な文字列。
// RefreshTokenはクライアント側では中身を解釈しない。
type Session struct {
	ID           string    `json:"access_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	RefreshToken string    `json:"refresh_token"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// IsExpired はセッションが期限切れかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// VerificationKind はワンタイムトークンの用途を表す。
type VerificationKind string

const (
	// VerificationSignup はサインアップ時のメールアドレス確認。
	VerificationSignup VerificationKind = "signup"
	// VerificationEmailChange はメールアドレス変更の確認。
	VerificationEmailChange VerificationKind = "email_change"
	// VerificationRecovery はパスワード再設定。
	VerificationRecovery VerificationKind = "recovery"
)

// VerificationToken はメール経由で送るワンタイムトークンを表す。
// Payloadはemail_changeの場合に変更後のメールアドレスを保持する。
type VerificationToken struct {
	Token     string
	UserID    string
	Kind      VerificationKind
	Payload   string
	ExpiresAt time.Time
	CreatedAt time.Time
}
