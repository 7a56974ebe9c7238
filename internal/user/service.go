// Package user はアカウント管理（退会）のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/satez/internal/model"
)

// UserStore は退会処理に必要なユーザー操作のインターフェース。
type UserStore interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
	DeleteByID(ctx context.Context, id string) error
}

// SessionDeleter はセッションの一括削除インターフェース。
type SessionDeleter interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// EventPublisher は認証イベントの配信インターフェース。
type EventPublisher interface {
	Publish(ctx context.Context, ev model.AuthEvent) error
}

// Service はアカウント管理のサービス層。
type Service struct {
	users     UserStore
	sessions  SessionDeleter
	publisher EventPublisher
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(users UserStore, sessions SessionDeleter, publisher EventPublisher) *Service {
	return &Service{
		users:     users,
		sessions:  sessions,
		publisher: publisher,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → user（+ CASCADE: identities, profiles, verification_tokens）
// セッション削除後、ユーザーの全クライアントへsigned_outを通知する。
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	// 1. セッションを削除
	if s.sessions != nil {
		if err := s.sessions.DeleteByUserID(ctx, userID); err != nil {
			return fmt.Errorf("セッションの削除に失敗しました: %w", err)
		}
	}

	// 2. ユーザーを削除
	if err := s.users.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	// 3. 他の端末へ通知（失敗しても退会は完了している）
	if s.publisher != nil {
		ev := model.AuthEvent{Type: model.EventSignedOut, UserID: userID}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			slog.Warn("退会通知の配信に失敗しました",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}
