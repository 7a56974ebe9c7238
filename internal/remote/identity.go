package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/satez/internal/model"
)

// GetCurrentSession は最後に確認されたセッションを返す。
// 期限切れの場合はリフレッシュトークンで更新する。更新できない場合はnil。
func (c *Client) GetCurrentSession(ctx context.Context) (*model.Session, error) {
	sess := c.currentSession()
	if sess == nil {
		return nil, nil
	}
	if !sess.IsExpired(c.now()) {
		return sess, nil
	}

	refreshed, err := c.refresh(ctx, sess)
	if err != nil {
		if isAuthFailure(err) {
			return nil, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// SignInWithCredentials はメールアドレスとパスワードでサインインする。
func (c *Client) SignInWithCredentials(ctx context.Context, email, password string) (*model.Session, error) {
	return c.issue(ctx, "/auth/token", map[string]string{
		"grant_type": "password",
		"email":      email,
		"password":   password,
	})
}

// SignInWithProviderToken は外部IdPのアクセストークンでサインインする。
func (c *Client) SignInWithProviderToken(ctx context.Context, provider, accessToken string) (*model.Session, error) {
	return c.issue(ctx, "/auth/token", map[string]string{
		"grant_type":   "id_token",
		"provider":     provider,
		"access_token": accessToken,
	})
}

// SignUp はアカウントを作成する。メール確認が必要な場合はnilを返す。
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.Session, error) {
	var body sessionBody
	status, err := c.do(ctx, http.MethodPost, "/auth/signup", "", map[string]string{
		"email":    email,
		"password": password,
	}, &body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted || body.AccessToken == "" {
		return nil, nil
	}
	return c.adopt(body.toSession()), nil
}

// AuthorizeURL は外部IdPの認可URLをバックエンドから取得する。
func (c *Client) AuthorizeURL(ctx context.Context, provider, state string) (string, string, error) {
	var body struct {
		URL   string `json:"url"`
		State string `json:"state"`
	}
	path := "/auth/" + url.PathEscape(provider) + "/authorize?state=" + url.QueryEscape(state)
	if _, err := c.do(ctx, http.MethodGet, path, "", nil, &body); err != nil {
		return "", "", err
	}
	return body.URL, body.State, nil
}

// ExchangeCallback は認可コードをバックエンドでセッションへ交換する。
func (c *Client) ExchangeCallback(ctx context.Context, provider, code string) (*model.Session, error) {
	return c.issue(ctx, "/auth/"+url.PathEscape(provider)+"/callback", map[string]string{
		"code": code,
	})
}

// Verify はメールで受け取ったワンタイムトークンを検証する。
// セッションが発行された場合はサインイン状態になる。
func (c *Client) Verify(ctx context.Context, kind model.VerificationKind, token, password string) (*model.Session, error) {
	var body sessionBody
	req := map[string]string{"type": string(kind), "token": token}
	if password != "" {
		req["password"] = password
	}
	if _, err := c.do(ctx, http.MethodPost, "/auth/verify", "", req, &body); err != nil {
		return nil, err
	}
	if body.AccessToken == "" {
		return nil, nil
	}
	return c.adopt(body.toSession()), nil
}

// SignOut はセッションの失効を要求する。
// 要求の成否に関わらずローカルのセッションを破棄し、signed_outを通知する。
func (c *Client) SignOut(ctx context.Context) error {
	sess := c.currentSession()
	if sess == nil {
		return nil
	}

	_, err := c.do(ctx, http.MethodPost, "/auth/logout", sess.ID, nil, nil)
	if err != nil && isAuthFailure(err) {
		err = nil
	}

	c.setSession(nil)
	c.emit(model.AuthEvent{Type: model.EventSignedOut, UserID: sess.UserID, SessionID: sess.ID})
	return err
}

// UpdateEmail はメールアドレスの変更を要求する。確認メールのリンクで反映される。
func (c *Client) UpdateEmail(ctx context.Context, email string) error {
	_, err := c.doAuth(ctx, http.MethodPut, "/auth/user", map[string]string{"email": email}, nil)
	return err
}

// UpdatePassword はパスワードを変更する。
func (c *Client) UpdatePassword(ctx context.Context, password string) error {
	_, err := c.doAuth(ctx, http.MethodPut, "/auth/user", map[string]string{"password": password}, nil)
	return err
}

// RequestPasswordReset はパスワード再設定メールの送信を要求する。
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/recover", "", map[string]string{"email": email}, nil)
	return err
}

// Withdraw はアカウントを削除し、ローカルのセッションを破棄する。
func (c *Client) Withdraw(ctx context.Context) error {
	sess := c.currentSession()
	if _, err := c.doAuth(ctx, http.MethodDelete, "/auth/user", nil, nil); err != nil {
		return err
	}
	c.setSession(nil)
	if sess != nil {
		c.emit(model.AuthEvent{Type: model.EventSignedOut, UserID: sess.UserID})
	}
	return nil
}

// issue はトークンを発行するエンドポイントを呼び、得たセッションを採用する。
func (c *Client) issue(ctx context.Context, path string, req map[string]string) (*model.Session, error) {
	var body sessionBody
	if _, err := c.do(ctx, http.MethodPost, path, "", req, &body); err != nil {
		return nil, err
	}
	return c.adopt(body.toSession()), nil
}

// adopt はセッションを保存し、signed_inを通知する。
func (c *Client) adopt(sess *model.Session) *model.Session {
	c.setSession(sess)
	c.logger.Info("サインインしました", slog.String("user_id", sess.UserID))
	c.emit(model.AuthEvent{Type: model.EventSignedIn, UserID: sess.UserID, SessionID: sess.ID, Session: sess})
	return sess
}
