// Package remote はバックエンドのHTTP APIに対するIdentity ProviderとProfile Storeの実装を提供する。
// セッションはトークンキャッシュに保存し、イベントはServer-Sent Eventsで受け取る。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hitoshi/satez/internal/event"
	"github.com/hitoshi/satez/internal/model"
)

const (
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20
	userAgent        = "satez-client/1.0"
)

// Options はClientの設定。
type Options struct {
	BaseURL       string
	HTTPClient    *http.Client
	Cache         *TokenCache
	Logger        *slog.Logger
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// Client はバックエンドAPIのクライアント。
// session.IdentityProvider、client.IdentityProvider、profilesync.ProfileStoreを満たす。
type Client struct {
	baseURL       string
	httpClient    *http.Client
	streamClient  *http.Client
	cache         *TokenCache
	logger        *slog.Logger
	reconnectBase time.Duration
	reconnectMax  time.Duration
	now           func() time.Time

	mu       sync.Mutex
	session  *model.Session
	loaded   bool
	handlers map[int]func(model.AuthEvent)
	nextID   int
	// sessionChanged はセッションが変わったことをイベントループへ知らせる。
	sessionChanged chan struct{}
	streamCancel   context.CancelFunc
	stopEvents     context.CancelFunc
	eventsDone     chan struct{}
	lastEventID    string

	refreshMu sync.Mutex
}

// NewClient は新しいClientを生成する。
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewTokenCache("")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, max := opts.ReconnectBase, opts.ReconnectMax
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = time.Minute
	}

	return &Client{
		baseURL:    opts.BaseURL,
		httpClient: httpClient,
		// ストリームは長時間接続のためタイムアウトを設定しない
		streamClient:   &http.Client{Transport: httpClient.Transport},
		cache:          cache,
		logger:         logger,
		reconnectBase:  base,
		reconnectMax:   max,
		now:            time.Now,
		handlers:       make(map[int]func(model.AuthEvent)),
		sessionChanged: make(chan struct{}, 1),
	}
}

// errorBody はAPIのエラーレスポンス。
type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// sessionBody はトークン発行APIのレスポンス。
type sessionBody struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (b sessionBody) toSession() *model.Session {
	return &model.Session{
		ID:           b.AccessToken,
		UserID:       b.UserID,
		Email:        b.Email,
		DisplayName:  b.DisplayName,
		RefreshToken: b.RefreshToken,
		IssuedAt:     b.IssuedAt,
		ExpiresAt:    b.ExpiresAt,
	}
}

// do はリクエストを送り、成功時はレスポンスをoutへデコードしてステータスを返す。
// 通信エラーと5xxは一時的な通信エラーとして返す。
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("リクエストのシリアライズに失敗しました: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		c.logger.Warn("APIの呼び出しに失敗しました",
			slog.String("method", method),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return 0, model.NewTransientNetworkError()
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.logger.Warn("レスポンスボディの読み取りに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return resp.StatusCode, model.NewTransientNetworkError()
	}

	if resp.StatusCode >= 400 {
		return resp.StatusCode, c.decodeError(path, resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 && resp.StatusCode != http.StatusNoContent {
		if err := json.Unmarshal(data, out); err != nil {
			c.logger.Error("レスポンスJSONのパースに失敗しました",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			return resp.StatusCode, model.NewTransientNetworkError()
		}
	}
	return resp.StatusCode, nil
}

// decodeError はエラーレスポンスをAPIErrorへ変換する。
// 生のレスポンスはログにのみ残す。
func (c *Client) decodeError(path string, status int, data []byte) error {
	if status >= 500 {
		c.logger.Warn("APIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", status),
		)
		return model.NewTransientNetworkError()
	}

	var eb errorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Code != "" {
		return &model.APIError{
			Code:     eb.Code,
			Message:  eb.Message,
			Category: eb.Category,
			Action:   eb.Action,
		}
	}

	c.logger.Warn("APIが不明なエラーを返しました",
		slog.String("path", path),
		slog.Int("http_status", status),
	)
	switch status {
	case http.StatusUnauthorized:
		return model.NewNotAuthenticatedError()
	case http.StatusTooManyRequests:
		return model.NewRateLimitedError()
	default:
		return model.NewInternalError()
	}
}

// doAuth は現在のセッションで認証付きリクエストを送る。
// 401の場合はリフレッシュトークンで1回だけ更新して再送する。
// 更新できない場合はセッションを破棄してsigned_outを通知する。
func (c *Client) doAuth(ctx context.Context, method, path string, in, out any) (int, error) {
	sess := c.currentSession()
	if sess == nil {
		return 0, model.NewNotAuthenticatedError()
	}

	status, err := c.do(ctx, method, path, sess.ID, in, out)
	if status != http.StatusUnauthorized {
		return status, err
	}

	refreshed, rerr := c.refresh(ctx, sess)
	if rerr != nil {
		return status, rerr
	}
	return c.do(ctx, method, path, refreshed.ID, in, out)
}

// currentSession はメモリ上の現在セッションのコピーを返す。
// 初回はトークンキャッシュから読み込む。
func (c *Client) currentSession() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()
	if c.session == nil {
		return nil
	}
	cp := *c.session
	return &cp
}

func (c *Client) loadLocked() {
	if c.loaded {
		return
	}
	c.loaded = true
	s, err := c.cache.Load()
	if err != nil {
		c.logger.Warn("トークンキャッシュを読み込めませんでした", slog.String("error", err.Error()))
		return
	}
	c.session = s
}

// setSession は現在のセッションを置き換えてキャッシュへ保存する。nilは破棄を表す。
func (c *Client) setSession(s *model.Session) {
	c.mu.Lock()
	c.loaded = true
	prevID := ""
	if c.session != nil {
		prevID = c.session.ID
	}
	if s == nil {
		c.session = nil
	} else {
		cp := *s
		c.session = &cp
	}
	changed := prevID != sessionID(s)
	if changed && c.streamCancel != nil {
		c.streamCancel()
	}
	c.mu.Unlock()

	var err error
	if s == nil {
		err = c.cache.Clear()
	} else {
		err = c.cache.Save(s)
	}
	if err != nil {
		c.logger.Warn("トークンキャッシュを更新できませんでした", slog.String("error", err.Error()))
	}

	if changed {
		select {
		case c.sessionChanged <- struct{}{}:
		default:
		}
	}
}

func sessionID(s *model.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}

// refresh はリフレッシュトークンでセッションを更新する。
// 同時に複数の呼び出しがあった場合、既に更新済みならその結果を使う。
// 認証エラーで更新できない場合はセッションを破棄してsigned_outを通知し、NotAuthenticatedを返す。
func (c *Client) refresh(ctx context.Context, old *model.Session) (*model.Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	if cur := c.currentSession(); cur == nil {
		return nil, model.NewNotAuthenticatedError()
	} else if cur.ID != old.ID {
		return cur, nil
	}

	var body sessionBody
	_, err := c.do(ctx, http.MethodPost, "/auth/token", "", map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": old.RefreshToken,
	}, &body)
	if err != nil {
		if isAuthFailure(err) {
			c.logger.Info("セッションを更新できないためサインアウトします",
				slog.String("user_id", old.UserID),
			)
			c.setSession(nil)
			c.emit(model.AuthEvent{Type: model.EventSignedOut, UserID: old.UserID, SessionID: old.ID})
			return nil, model.NewNotAuthenticatedError()
		}
		return nil, err
	}

	sess := body.toSession()
	c.setSession(sess)
	c.emit(model.AuthEvent{Type: model.EventSessionRefreshed, UserID: sess.UserID, SessionID: sess.ID, Session: sess})
	return sess, nil
}

// isAuthFailure はセッションが無効になったことを示すエラーかを返す。
func isAuthFailure(err error) bool {
	return errors.Is(err, model.ErrInvalidToken) || errors.Is(err, model.ErrNotAuthenticated)
}

// emit はローカルで発生したイベントを購読者へ通知する。
func (c *Client) emit(ev model.AuthEvent) {
	if ev.ID == "" {
		ev.ID = event.NewID()
	}
	if ev.At.IsZero() {
		ev.At = c.now().UTC()
	}

	c.mu.Lock()
	handlers := make([]func(model.AuthEvent), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
