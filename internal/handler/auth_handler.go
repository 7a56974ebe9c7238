package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/satez/internal/middleware"
	"github.com/hitoshi/satez/internal/model"
)

// grant_type の値
const (
	grantPassword     = "password"
	grantRefreshToken = "refresh_token"
	grantIDToken      = "id_token"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, email, password, displayName string) (*model.Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
	SignInWithProviderToken(ctx context.Context, provider, accessToken string) (*model.Session, error)
	GetLoginURL(provider, state string) (string, error)
	HandleCallback(ctx context.Context, provider, code string) (*model.Session, error)
	Logout(ctx context.Context, session *model.Session) error
	GetCurrentUser(ctx context.Context, session *model.Session) (*model.User, error)
	UpdateEmail(ctx context.Context, session *model.Session, newEmail string) error
	UpdatePassword(ctx context.Context, session *model.Session, password string) error
	RequestPasswordReset(ctx context.Context, email string) error
	Verify(ctx context.Context, kind model.VerificationKind, token, password string) (*model.Session, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// --- リクエスト/レスポンス型 ---

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Email        string `json:"email,omitempty"`
	Password     string `json:"password,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Provider     string `json:"provider,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
}

type callbackRequest struct {
	Code string `json:"code"`
}

type updateUserRequest struct {
	Email    *string `json:"email,omitempty"`
	Password *string `json:"password,omitempty"`
}

type recoverRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	Password string `json:"password,omitempty"`
}

// tokenResponse はセッション発行時のレスポンス。
type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// userResponse はユーザー情報のレスポンス。
type userResponse struct {
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	EmailConfirmed bool   `json:"email_confirmed"`
}

type authorizeResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

type signUpPendingResponse struct {
	ConfirmationRequired bool `json:"confirmation_required"`
}

func toTokenResponse(s *model.Session) tokenResponse {
	return tokenResponse{
		AccessToken:  s.ID,
		TokenType:    "bearer",
		RefreshToken: s.RefreshToken,
		UserID:       s.UserID,
		Email:        s.Email,
		DisplayName:  s.DisplayName,
		IssuedAt:     s.IssuedAt,
		ExpiresAt:    s.ExpiresAt,
	}
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:             u.ID,
		Email:          u.Email,
		Name:           u.Name,
		EmailConfirmed: u.EmailConfirmed(),
	}
}

// --- ハンドラー ---

// SignUp はメールアドレスとパスワードでユーザーを登録する。
// POST /auth/signup
// メールアドレス確認が必要な場合は202を返す。
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if session == nil {
		writeJSON(w, http.StatusAccepted, signUpPendingResponse{ConfirmationRequired: true})
		return
	}
	writeJSON(w, http.StatusCreated, toTokenResponse(session))
}

// Token はgrant_typeに応じてセッションを発行する。
// POST /auth/token
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var (
		session *model.Session
		err     error
	)
	switch req.GrantType {
	case grantPassword:
		session, err = h.service.SignInWithPassword(r.Context(), req.Email, req.Password)
	case grantRefreshToken:
		session, err = h.service.Refresh(r.Context(), req.RefreshToken)
	case grantIDToken:
		session, err = h.service.SignInWithProviderToken(r.Context(), req.Provider, req.AccessToken)
	default:
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity,
			model.NewValidationError("grant_type: password, refresh_token, id_token のいずれかを指定してください"))
		return
	}
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(session))
}

// Authorize は外部IdPの認可URLを返す。
// GET /auth/{provider}/authorize?state=xxx
// stateはクライアントが生成して検証する。省略時はサーバーで生成して返す。
func (h *AuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	state := r.URL.Query().Get("state")
	if state == "" {
		generated, err := generateState()
		if err != nil {
			slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}
		state = generated
	}

	url, err := h.service.GetLoginURL(provider, state)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, authorizeResponse{URL: url, State: state})
}

// Callback は外部IdPの認可コードをセッションに交換する。
// POST /auth/{provider}/callback
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	var req callbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewValidationError("code: 認可コードが必要です"))
		return
	}

	session, err := h.service.HandleCallback(r.Context(), provider, req.Code)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenResponse(session))
}

// Logout は現在のセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session := requireSession(w, r)
	if session == nil {
		return
	}

	if err := h.service.Logout(r.Context(), session); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetUser は現在のログインユーザー情報を返す。
// GET /auth/user
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	session := requireSession(w, r)
	if session == nil {
		return
	}

	user, err := h.service.GetCurrentUser(r.Context(), session)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// UpdateUser はメールアドレスまたはパスワードを変更する。
// PUT /auth/user
// メールアドレスは確認リンクが開かれるまで変更されない。
func (h *AuthHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	session := requireSession(w, r)
	if session == nil {
		return
	}

	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == nil && req.Password == nil {
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity,
			model.NewValidationError("email または password を指定してください"))
		return
	}

	if req.Password != nil {
		if err := h.service.UpdatePassword(r.Context(), session, *req.Password); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	if req.Email != nil {
		if err := h.service.UpdateEmail(r.Context(), session, *req.Email); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}

	user, err := h.service.GetCurrentUser(r.Context(), session)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// Recover はパスワード再設定メールを送る。
// POST /auth/recover
// 未登録のメールアドレスでも同じ応答を返す。
func (h *AuthHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Verify はメールで送ったワンタイムトークンを検証する。
// POST /auth/verify
// セッションが発行された場合は200、発行されない場合（email_change）は204を返す。
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session, err := h.service.Verify(r.Context(), model.VerificationKind(req.Type), req.Token, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if session == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(session))
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
