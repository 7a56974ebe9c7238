package remote

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/satez/internal/model"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newTestClient はテスト用サーバーに接続するClientを生成する。
// トークンキャッシュは一時ディレクトリに置く。
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		BaseURL:       srv.URL,
		Cache:         NewTokenCache(filepath.Join(t.TempDir(), "session.json")),
		Logger:        quietLogger(),
		ReconnectBase: time.Millisecond,
		ReconnectMax:  5 * time.Millisecond,
	})
	c.now = func() time.Time { return testNow }
	return c, srv
}

func testSession(id, userID string) *model.Session {
	return &model.Session{
		ID:           id,
		UserID:       userID,
		Email:        userID + "@student.com",
		RefreshToken: "refresh-" + id,
		IssuedAt:     testNow.Add(-time.Minute),
		ExpiresAt:    testNow.Add(time.Hour),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func tokenResponse(accessToken, userID string) map[string]any {
	return map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"refresh_token": "refresh-" + accessToken,
		"user_id":       userID,
		"email":         userID + "@student.com",
		"issued_at":     testNow,
		"expires_at":    testNow.Add(time.Hour),
	}
}

func errorResponse(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{
		"code":     code,
		"message":  "error " + code,
		"category": "auth",
		"action":   "retry",
	})
}

func decodeBody(t *testing.T, r *http.Request) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Errorf("decode request body: %v", err)
	}
	return body
}

// eventRecorder はClientが通知したイベントを記録する。
type eventRecorder struct {
	mu     sync.Mutex
	events []model.AuthEvent
	ch     chan model.AuthEvent
}

// recordEvents はイベントストリームを開始せずにハンドラを直接登録する。
func recordEvents(c *Client) *eventRecorder {
	rec := &eventRecorder{ch: make(chan model.AuthEvent, 32)}
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = rec.handle
	c.mu.Unlock()
	return rec
}

func (r *eventRecorder) handle(ev model.AuthEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *eventRecorder) types() []model.AuthEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.AuthEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) next(t *testing.T) model.AuthEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return model.AuthEvent{}
	}
}

func jsonDecode(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
