package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/satez/internal/middleware"
	"github.com/hitoshi/satez/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	signUpFn               func(ctx context.Context, email, password, displayName string) (*model.Session, error)
	signInWithPasswordFn   func(ctx context.Context, email, password string) (*model.Session, error)
	refreshFn              func(ctx context.Context, refreshToken string) (*model.Session, error)
	signInWithProviderFn   func(ctx context.Context, provider, accessToken string) (*model.Session, error)
	getLoginURLFn          func(provider, state string) (string, error)
	handleCallbackFn       func(ctx context.Context, provider, code string) (*model.Session, error)
	logoutFn               func(ctx context.Context, session *model.Session) error
	getCurrentUserFn       func(ctx context.Context, session *model.Session) (*model.User, error)
	updateEmailFn          func(ctx context.Context, session *model.Session, newEmail string) error
	updatePasswordFn       func(ctx context.Context, session *model.Session, password string) error
	requestPasswordResetFn func(ctx context.Context, email string) error
	verifyFn               func(ctx context.Context, kind model.VerificationKind, token, password string) (*model.Session, error)
}

func (m *mockAuthService) SignUp(ctx context.Context, email, password, displayName string) (*model.Session, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password, displayName)
	}
	return nil, nil
}

func (m *mockAuthService) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	if m.signInWithPasswordFn != nil {
		return m.signInWithPasswordFn(ctx, email, password)
	}
	return nil, model.NewInvalidCredentialsError()
}

func (m *mockAuthService) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, model.NewInvalidTokenError()
}

func (m *mockAuthService) SignInWithProviderToken(ctx context.Context, provider, accessToken string) (*model.Session, error) {
	if m.signInWithProviderFn != nil {
		return m.signInWithProviderFn(ctx, provider, accessToken)
	}
	return nil, model.NewUnknownProviderError(provider)
}

func (m *mockAuthService) GetLoginURL(provider, state string) (string, error) {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(provider, state)
	}
	return "", model.NewUnknownProviderError(provider)
}

func (m *mockAuthService) HandleCallback(ctx context.Context, provider, code string) (*model.Session, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, provider, code)
	}
	return nil, model.NewUnknownProviderError(provider)
}

func (m *mockAuthService) Logout(ctx context.Context, session *model.Session) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, session)
	}
	return nil
}

func (m *mockAuthService) GetCurrentUser(ctx context.Context, session *model.Session) (*model.User, error) {
	if m.getCurrentUserFn != nil {
		return m.getCurrentUserFn(ctx, session)
	}
	return &model.User{ID: session.UserID, Email: session.Email}, nil
}

func (m *mockAuthService) UpdateEmail(ctx context.Context, session *model.Session, newEmail string) error {
	if m.updateEmailFn != nil {
		return m.updateEmailFn(ctx, session, newEmail)
	}
	return nil
}

func (m *mockAuthService) UpdatePassword(ctx context.Context, session *model.Session, password string) error {
	if m.updatePasswordFn != nil {
		return m.updatePasswordFn(ctx, session, password)
	}
	return nil
}

func (m *mockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	if m.requestPasswordResetFn != nil {
		return m.requestPasswordResetFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) Verify(ctx context.Context, kind model.VerificationKind, token, password string) (*model.Session, error) {
	if m.verifyFn != nil {
		return m.verifyFn(ctx, kind, token, password)
	}
	return nil, model.NewInvalidTokenError()
}

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	withdrawFn func(ctx context.Context, userID string) error
}

func (m *mockUserService) Withdraw(ctx context.Context, userID string) error {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, userID)
	}
	return nil
}

// mockProfileService はProfileServiceInterfaceのモック実装。
type mockProfileService struct {
	getFn    func(ctx context.Context, userID string) (*model.Profile, error)
	updateFn func(ctx context.Context, session *model.Session, patch model.ProfilePatch) (*model.Profile, error)
}

func (m *mockProfileService) Get(ctx context.Context, userID string) (*model.Profile, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return nil, model.NewProfileNotFoundError(userID)
}

func (m *mockProfileService) Update(ctx context.Context, session *model.Session, patch model.ProfilePatch) (*model.Profile, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, session, patch)
	}
	p := patch.Apply(model.FallbackProfile(*session))
	return &p, nil
}

// mockAuthenticator はmiddleware.Authenticatorのモック実装。
// "token-<userID>" 形式のトークンを有効とみなす。
type mockAuthenticator struct{}

func (mockAuthenticator) Authenticate(_ context.Context, token string) (*model.Session, error) {
	const prefix = "token-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return nil, model.NewNotAuthenticatedError()
	}
	return testSession(token[len(prefix):]), nil
}

var (
	_ AuthServiceInterface     = (*mockAuthService)(nil)
	_ UserServiceInterface     = (*mockUserService)(nil)
	_ ProfileServiceInterface  = (*mockProfileService)(nil)
	_ middleware.Authenticator = mockAuthenticator{}
)

// --- テストヘルパー ---

func testSession(userID string) *model.Session {
	now := time.Now()
	return &model.Session{
		ID:           "token-" + userID,
		UserID:       userID,
		Email:        userID + "@student.com",
		RefreshToken: "refresh-" + userID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

// withSession はテスト用にリクエストコンテキストにセッションを注入するヘルパー。
func withSession(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithSession(r.Context(), testSession(userID)))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body=%s)", w.Code, status, w.Body.String())
	}
	if got := parseAPIErrorResponse(t, w).Code; got != code {
		t.Errorf("code = %q, want %q", got, code)
	}
}
