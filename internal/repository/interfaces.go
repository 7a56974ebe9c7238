// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/satez/internal/model"
)

// ErrDuplicate は一意制約違反（メールアドレス重複など）を表す。
var ErrDuplicate = errors.New("duplicate key")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
	// FindByEmail はメールアドレス（大文字小文字を区別しない）でユーザーを取得する。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// メールアドレスが重複する場合はErrDuplicateを返す。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
	// UpdateEmail はメールアドレスを更新し、確認済みにする。
	UpdateEmail(ctx context.Context, id, email string) error
	// UpdatePasswordHash はパスワードハッシュを更新する。
	UpdatePasswordHash(ctx context.Context, id string, hash []byte) error
	// ConfirmEmail はメールアドレスを確認済みにする。
	ConfirmEmail(ctx context.Context, id string, at time.Time) error
	// DeleteByID はユーザーと関連データを削除する。
	DeleteByID(ctx context.Context, id string) error
	// ListWithoutProfile はプロフィール未作成のユーザーを作成日時順に取得する。
	ListWithoutProfile(ctx context.Context, limit int) ([]*model.User, error)
}

// IdentityRepository は認証手段の紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
	// Create は既存ユーザーにidentityを追加する。
	Create(ctx context.Context, identity *model.Identity) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。refreshExpiresAtはリフレッシュトークンの有効期限。
	Create(ctx context.Context, session *model.Session, refreshExpiresAt time.Time) error
	// FindByID は指定IDのセッションをユーザー情報付きで取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// FindByRefreshToken はリフレッシュトークンでセッションを取得する。
	// リフレッシュトークンが期限切れの場合はnilを返す。
	FindByRefreshToken(ctx context.Context, refreshToken string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteByUserIDExcept は指定セッション以外のユーザーのセッションを削除する。
	DeleteByUserIDExcept(ctx context.Context, userID, keepSessionID string) (int64, error)
	// DeleteExpired はリフレッシュ期限も切れたセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID はユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)
	// Update は行ロックを取った上で現在のプロフィール（未作成ならnil）をapplyに渡し、
	// 返された内容を保存する。applyがエラーを返した場合は何も保存しない。
	Update(ctx context.Context, userID string, apply func(current *model.Profile) (*model.Profile, error)) (*model.Profile, error)
	// CreateIfMissing はプロフィールが未作成の場合のみ作成する。作成した場合trueを返す。
	CreateIfMissing(ctx context.Context, profile *model.Profile) (bool, error)
}

// VerificationTokenRepository はワンタイムトークンの永続化インターフェース。
type VerificationTokenRepository interface {
	// Create はトークンを保存する。
	Create(ctx context.Context, token *model.VerificationToken) error
	// Consume は有効なトークンを取得と同時に削除する。見つからない場合はnilを返す。
	Consume(ctx context.Context, token string, kind model.VerificationKind) (*model.VerificationToken, error)
	// DeleteExpired は期限切れトークンを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
