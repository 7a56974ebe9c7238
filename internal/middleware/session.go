// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/satez/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストに認証済みセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// Authenticator はアクセストークンからセッションを解決するインターフェース。
// 無効・期限切れのトークンにはNOT_AUTHENTICATEDのAPIErrorを返す。
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*model.Session, error)
}

// NewAuthMiddleware はAuthorization: Bearerヘッダーのアクセストークンを検証するミドルウェアを返す。
// 認証済みセッションをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewAuthMiddleware(auth Authenticator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			session, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				if !errors.Is(err, model.ErrNotAuthenticated) {
					slog.Error("failed to authenticate request",
						slog.String("error", err.Error()),
					)
				}
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewNotAuthenticatedError())
				return
			}

			noteSession(r.Context(), session)
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
		})
	}
}

// BearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// SessionFromContext はリクエストコンテキストから認証済みセッションを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, error) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || session == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return session, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	session, err := SessionFromContext(ctx)
	if err != nil || session.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return session.UserID, nil
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, session)
}

// sessionHolder はロギングミドルウェアが認証結果のユーザーIDを受け取るための入れ物。
type sessionHolder struct {
	userID string
}

var sessionHolderContextKey = contextKey("session_holder")

func withSessionHolder(ctx context.Context, h *sessionHolder) context.Context {
	return context.WithValue(ctx, sessionHolderContextKey, h)
}

func noteSession(ctx context.Context, session *model.Session) {
	if h, ok := ctx.Value(sessionHolderContextKey).(*sessionHolder); ok {
		h.userID = session.UserID
	}
}
