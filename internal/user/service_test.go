package user

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/satez/internal/model"
)

// --- モック ---

type mockUserStore struct {
	findByIDFn   func(ctx context.Context, id string) (*model.User, error)
	deleteByIDFn func(ctx context.Context, id string) error
}

func (m *mockUserStore) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserStore) DeleteByID(ctx context.Context, id string) error {
	return m.deleteByIDFn(ctx, id)
}

type mockSessionDeleter struct {
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionDeleter) DeleteByUserID(ctx context.Context, userID string) error {
	return m.deleteByUserIDFn(ctx, userID)
}

type mockPublisher struct {
	published []model.AuthEvent
	err       error
}

func (m *mockPublisher) Publish(_ context.Context, ev model.AuthEvent) error {
	m.published = append(m.published, ev)
	return m.err
}

// --- テスト ---

// TestService_Withdraw は退会処理が順に削除し、signed_outを通知することを検証する。
func TestService_Withdraw(t *testing.T) {
	var calls []string

	users := &mockUserStore{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id, Email: "test@example.com"}, nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error {
			calls = append(calls, "user")
			return nil
		},
	}
	sessions := &mockSessionDeleter{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			calls = append(calls, "sessions")
			return nil
		},
	}
	pub := &mockPublisher{}

	svc := NewService(users, sessions, pub)

	if err := svc.Withdraw(context.Background(), "user-1"); err != nil {
		t.Fatalf("Withdraw returned error: %v", err)
	}
	if len(calls) != 2 || calls[0] != "sessions" || calls[1] != "user" {
		t.Errorf("delete order = %v, want [sessions user]", calls)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d events, want 1", len(pub.published))
	}
	ev := pub.published[0]
	if ev.Type != model.EventSignedOut || ev.UserID != "user-1" || ev.SessionID != "" {
		t.Errorf("published event = %+v, want signed_out for all sessions", ev)
	}
}

// TestService_Withdraw_PublishFailureIsIgnored は通知失敗でも退会が成功することを検証する。
func TestService_Withdraw_PublishFailureIsIgnored(t *testing.T) {
	users := &mockUserStore{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id}, nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error { return nil },
	}
	pub := &mockPublisher{err: errors.New("redis down")}

	svc := NewService(users, nil, pub)

	if err := svc.Withdraw(context.Background(), "user-1"); err != nil {
		t.Fatalf("Withdraw returned error: %v", err)
	}
}

// TestService_Withdraw_SessionDeleteError はセッション削除失敗時にユーザーを削除しないことを検証する。
func TestService_Withdraw_SessionDeleteError(t *testing.T) {
	userDeleted := false
	users := &mockUserStore{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id}, nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error {
			userDeleted = true
			return nil
		},
	}
	sessions := &mockSessionDeleter{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			return errors.New("db error")
		},
	}

	svc := NewService(users, sessions, nil)

	if err := svc.Withdraw(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if userDeleted {
		t.Error("user should not be deleted when session deletion fails")
	}
}

// TestService_Withdraw_UserNotFound は存在しないユーザーの退会がエラーになることを検証する。
func TestService_Withdraw_UserNotFound(t *testing.T) {
	users := &mockUserStore{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return nil, nil
		},
	}

	svc := NewService(users, nil, nil)

	err := svc.Withdraw(context.Background(), "nonexistent-user")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Fatalf("err = %v, want USER_NOT_FOUND", err)
	}
}
