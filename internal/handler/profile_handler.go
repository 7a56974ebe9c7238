package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/satez/internal/middleware"
	"github.com/hitoshi/satez/internal/model"
)

// ProfileServiceInterface はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileServiceInterface interface {
	Get(ctx context.Context, userID string) (*model.Profile, error)
	Update(ctx context.Context, session *model.Session, patch model.ProfilePatch) (*model.Profile, error)
}

// ProfileHandler はプロフィールのHTTPハンドラー。
type ProfileHandler struct {
	service ProfileServiceInterface
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(service ProfileServiceInterface) *ProfileHandler {
	return &ProfileHandler{service: service}
}

// ownSession はURLのidがログインユーザー本人であることを確認する。
// 他ユーザーのidには403を書き込みnilを返す。
func ownSession(w http.ResponseWriter, r *http.Request) *model.Session {
	session := requireSession(w, r)
	if session == nil {
		return nil
	}
	if chi.URLParam(r, "id") != session.UserID {
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return nil
	}
	return session
}

// GetProfile はプロフィールを取得する。
// GET /api/profiles/{id}
// 未作成の場合は404 PROFILE_NOT_FOUNDを返す。
func (h *ProfileHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	session := ownSession(w, r)
	if session == nil {
		return
	}

	profile, err := h.service.Get(r.Context(), session.UserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// PatchProfile はプロフィールを部分更新する。
// PATCH /api/profiles/{id}
// 指定のないフィールドは変更しない。未作成の場合はセッションのクレームから作成する。
func (h *ProfileHandler) PatchProfile(w http.ResponseWriter, r *http.Request) {
	session := ownSession(w, r)
	if session == nil {
		return
	}

	var patch model.ProfilePatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	profile, err := h.service.Update(r.Context(), session, patch)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}
