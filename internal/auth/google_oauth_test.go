package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.PostForm.Get("code") != "test-auth-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "test-access-token",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "test-refresh-token",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newUserInfoServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"sub":            "google-sub-12345",
			"email":          "user@gmail.com",
			"email_verified": true,
			"name":           "Google User",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleOAuthProvider_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	u := provider.GetLoginURL("test-state-value")

	if !strings.HasPrefix(u, "https://accounts.google.com/") {
		t.Errorf("URL should point to Google, got %q", u)
	}
	for _, want := range []string{
		"client_id=test-client-id",
		"redirect_uri=",
		"state=test-state-value",
		"response_type=code",
		"access_type=offline",
		"email",
		"profile",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("URL should contain %q, got %q", want, u)
		}
	}
	if provider.Name() != "google" {
		t.Errorf("Name() = %q, want google", provider.Name())
	}
}

func TestGoogleOAuthProvider_ExchangeCode_Success(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     newTokenServer(t).URL,
		UserInfoURL:  newUserInfoServer(t, http.StatusOK).URL,
	})

	info, err := provider.ExchangeCode(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if info.Provider != "google" {
		t.Errorf("provider = %q, want %q", info.Provider, "google")
	}
	if info.ProviderUserID != "google-sub-12345" {
		t.Errorf("providerUserID = %q, want %q", info.ProviderUserID, "google-sub-12345")
	}
	if info.Email != "user@gmail.com" || !info.EmailVerified {
		t.Errorf("email = %q verified=%v", info.Email, info.EmailVerified)
	}
	if info.Name != "Google User" {
		t.Errorf("name = %q, want %q", info.Name, "Google User")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_TokenError(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		TokenURL:     newTokenServer(t).URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "invalid-code"); err == nil {
		t.Fatal("expected error from ExchangeCode with invalid code")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_UserInfoError(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		TokenURL:     newTokenServer(t).URL,
		UserInfoURL:  newUserInfoServer(t, http.StatusInternalServerError).URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "test-auth-code"); err == nil {
		t.Fatal("expected error from ExchangeCode when user info fetch fails")
	}
}

func TestGoogleOAuthProvider_UserInfo(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		UserInfoURL: newUserInfoServer(t, http.StatusOK).URL,
	})

	info, err := provider.UserInfo(context.Background(), "test-access-token")
	if err != nil {
		t.Fatalf("UserInfo() error = %v", err)
	}
	if info.ProviderUserID != "google-sub-12345" {
		t.Errorf("providerUserID = %q", info.ProviderUserID)
	}

	if _, err := provider.UserInfo(context.Background(), "stolen-token"); err == nil {
		t.Error("expected error for rejected token")
	}
	if _, err := provider.UserInfo(context.Background(), ""); err == nil {
		t.Error("expected error for empty token")
	}
}
