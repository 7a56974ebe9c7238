package client

import (
	"context"
	"log/slog"

	"github.com/hitoshi/satez/internal/model"
	"github.com/hitoshi/satez/internal/signin"
)

// サインイン方式のメトリクスラベル。
const (
	methodPassword  = "password"
	methodSignUp    = "signup"
	methodFederated = "federated"
)

// SignIn はメールアドレスとパスワードでサインインし、プロフィールの読み込みまで待つ。
// 失敗した場合、現在のセッションは変更しない。
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	sess, err := m.provider.SignInWithCredentials(ctx, email, password)
	if err != nil {
		m.recordSignIn(methodPassword, model.SignInFailed)
		m.logger.Info("sign in failed", slog.String("error", err.Error()))
		return err
	}
	m.recordSignIn(methodPassword, model.SignInSuccess)

	m.store.Adopt(sess)
	return m.WaitIdle(ctx)
}

// SignUp はアカウントを作成する。メール確認が必要な場合はconfirmationRequiredがtrueになり、
// サインイン状態は変わらない。
func (m *Manager) SignUp(ctx context.Context, email, password string) (confirmationRequired bool, err error) {
	if err := m.validator.ValidateEmail(email); err != nil {
		return false, err
	}
	if err := m.validator.ValidatePassword(password); err != nil {
		return false, err
	}

	sess, err := m.provider.SignUp(ctx, email, password)
	if err != nil {
		m.recordSignIn(methodSignUp, model.SignInFailed)
		return false, err
	}
	m.recordSignIn(methodSignUp, model.SignInSuccess)

	if sess == nil {
		m.logger.Info("sign up requires email confirmation")
		return true, nil
	}

	m.store.Adopt(sess)
	return false, m.WaitIdle(ctx)
}

// SignInFederated はサインインチェーンを実行する。
// キャンセルされた場合はエラーを返さずuser_cancelledを返す。
// 全ての戦略が失敗した場合は最後の失敗だけを返す。
func (m *Manager) SignInFederated(ctx context.Context) (model.SignInResult, error) {
	if m.chain == nil {
		return model.SignInFailed, signin.ErrNoStrategies
	}

	attempt := m.chain.Run(ctx)
	m.recordSignIn(methodFederated, attempt.Result)

	switch attempt.Result {
	case model.SignInSuccess:
		m.store.Adopt(attempt.Session)
		return model.SignInSuccess, m.WaitIdle(ctx)
	case model.SignInUserCancelled:
		return model.SignInUserCancelled, nil
	default:
		return model.SignInFailed, attempt.Err
	}
}

// SignOut はサインアウトする。プロバイダーへの失効要求が失敗しても未認証状態になる。
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.store.SignOut(ctx); err != nil {
		m.logger.Warn("sign out completed locally only", slog.String("error", err.Error()))
	}
	return nil
}

// RefreshProfile はプロフィールを再取得する。Profile Storeのエラーは再試行可能なエラーとして返す。
func (m *Manager) RefreshProfile(ctx context.Context) error {
	m.mu.Lock()
	sess := m.snap.Session
	if sess == nil {
		m.mu.Unlock()
		return model.NewNotAuthenticatedError()
	}
	gen := m.beginLoadLocked()
	m.enqueueLocked()
	m.mu.Unlock()
	m.dispatch()

	return m.loadProfile(ctx, gen, sess)
}

// UpdateProfile はパッチを検証して保存し、プロフィールを再取得してゲートを再評価する。
// パッチに含まれないフィールドは変更しない。
func (m *Manager) UpdateProfile(ctx context.Context, patch model.ProfilePatch) error {
	sess := m.store.Current()
	if sess == nil {
		return model.NewNotAuthenticatedError()
	}
	if err := m.validator.ValidatePatch(patch); err != nil {
		return err
	}

	if _, err := m.profiles.Save(ctx, sess, patch); err != nil {
		return err
	}
	return m.RefreshProfile(ctx)
}

// UpdateEmail はメールアドレスの変更を要求する。
// 変更は確認メール経由で反映されるため、キャッシュしたプロフィールは更新しない。
func (m *Manager) UpdateEmail(ctx context.Context, email string) error {
	sess := m.store.Current()
	if sess == nil {
		return model.NewNotAuthenticatedError()
	}
	if err := m.validator.ValidateEmail(email); err != nil {
		return err
	}
	if err := m.provider.UpdateEmail(ctx, email); err != nil {
		return err
	}
	m.logger.Info("email change requested", slog.String("user_id", sess.UserID))
	return nil
}

// UpdatePassword はパスワードを変更し、成功後にプロフィールを再取得する。
// 再取得の失敗はスナップショットのProfileErrに残し、パスワード変更自体は成功とする。
func (m *Manager) UpdatePassword(ctx context.Context, password string) error {
	sess := m.store.Current()
	if sess == nil {
		return model.NewNotAuthenticatedError()
	}
	if err := m.validator.ValidatePassword(password); err != nil {
		return err
	}
	if err := m.provider.UpdatePassword(ctx, password); err != nil {
		return err
	}

	if err := m.RefreshProfile(ctx); err != nil {
		m.logger.Warn("failed to reload profile after password change",
			slog.String("user_id", sess.UserID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// RequestPasswordReset はパスワード再設定メールの送信を要求する。
func (m *Manager) RequestPasswordReset(ctx context.Context, email string) error {
	if err := m.validator.ValidateEmail(email); err != nil {
		return err
	}
	return m.provider.RequestPasswordReset(ctx, email)
}

func (m *Manager) recordSignIn(method string, result model.SignInResult) {
	if m.metrics != nil {
		m.metrics.RecordSignIn(method, string(result))
	}
}
