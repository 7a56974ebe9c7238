package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, profile, network, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrNotAuthenticated) のように種別判定に使う。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 定義済みエラーコード
const (
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeEmailNotConfirmed  = "EMAIL_NOT_CONFIRMED"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeUnknownProvider    = "UNKNOWN_PROVIDER"
	ErrCodeProfileNotFound    = "PROFILE_NOT_FOUND"
	ErrCodeProfileStore       = "PROFILE_STORE_ERROR"
	ErrCodeTransientNetwork   = "TRANSIENT_NETWORK_ERROR"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// errors.Is の比較対象として使う種別センチネル。
var (
	ErrNotAuthenticated   = &APIError{Code: ErrCodeNotAuthenticated}
	ErrInvalidCredentials = &APIError{Code: ErrCodeInvalidCredentials}
	ErrEmailNotConfirmed  = &APIError{Code: ErrCodeEmailNotConfirmed}
	ErrTransientNetwork   = &APIError{Code: ErrCodeTransientNetwork}
	ErrProfileNotFound    = &APIError{Code: ErrCodeProfileNotFound}
	ErrProfileStore       = &APIError{Code: ErrCodeProfileStore}
	ErrInvalidToken       = &APIError{Code: ErrCodeInvalidToken}
	ErrValidationFailed   = &APIError{Code: ErrCodeValidationFailed}
)

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "ログインしてから再度お試しください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度お試しください。",
	}
}

// NewEmailNotConfirmedError はメールアドレス未確認エラーを生成する。
func NewEmailNotConfirmedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotConfirmed,
		Message:  "メールアドレスの確認が完了していません。",
		Category: "auth",
		Action:   "受信した確認メールのリンクを開いてからログインしてください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "ログインするか、パスワードの再設定をお試しください。",
	}
}

// NewValidationError は入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力内容に誤りがあります: %s", reason),
		Category: "validation",
		Action:   "入力内容を修正して再度お試しください。",
	}
}

// NewInvalidTokenError は無効または期限切れトークンのエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "リンクまたはトークンが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "もう一度手続きをやり直してください。",
	}
}

// NewUnknownProviderError は未対応の外部IdPを指定された場合のエラーを生成する。
func NewUnknownProviderError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("未対応のログイン方法です: %s", provider),
		Category: "auth",
		Action:   "別のログイン方法をお試しください。",
	}
}

// NewProfileNotFoundError はプロフィール未作成エラーを生成する。
func NewProfileNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  fmt.Sprintf("プロフィールが見つかりません: %s", userID),
		Category: "profile",
		Action:   "しばらく待ってから再度読み込んでください。",
	}
}

// NewProfileStoreError はプロフィール取得・保存の失敗を生成する。
func NewProfileStoreError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProfileStore,
		Message:  fmt.Sprintf("プロフィールの読み込みに失敗しました: %s", reason),
		Category: "profile",
		Action:   "しばらく待ってから再読み込みしてください。",
	}
}

// NewTransientNetworkError は一時的な通信エラーを生成する。
// 原因の詳細はログにのみ出し、メッセージには含めない。
func NewTransientNetworkError() *APIError {
	return &APIError{
		Code:     ErrCodeTransientNetwork,
		Message:  "サーバーとの通信に失敗しました。",
		Category: "network",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度お試しください。",
	}
}

// NewForbiddenError は他ユーザーのリソースへのアクセスエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "このリソースにアクセスする権限がありません。",
		Category: "auth",
		Action:   "ログイン中のアカウントを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ出す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
