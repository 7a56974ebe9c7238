// Package profile はProfile Store側のプロフィール取得・部分更新を提供する。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/satez/internal/event"
	"github.com/hitoshi/satez/internal/model"
	"github.com/hitoshi/satez/internal/repository"
	"github.com/hitoshi/satez/internal/security"
	"github.com/hitoshi/satez/internal/validation"
)

// Service はプロフィールのサービス層。
type Service struct {
	repo      repository.ProfileRepository
	validator *validation.Validator
	sanitizer security.TextSanitizer
	avatar    security.AvatarValidator
	broker    event.Broker
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// avatarがnilの場合、アバターURLは形式チェックのみ行う。
func NewService(
	repo repository.ProfileRepository,
	sanitizer security.TextSanitizer,
	avatar security.AvatarValidator,
	broker event.Broker,
) *Service {
	return &Service{
		repo:      repo,
		validator: validation.New(),
		sanitizer: sanitizer,
		avatar:    avatar,
		broker:    broker,
		now:       time.Now,
	}
}

// Get はユーザーのプロフィールを取得する。未作成の場合はPROFILE_NOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	if p == nil {
		return nil, model.NewProfileNotFoundError(userID)
	}
	return p, nil
}

// Update はパッチを検証・無害化し、トランザクション内で現在のプロフィールへマージする。
// プロフィールが未作成の場合はセッションのクレームから作った最小プロフィールを土台にする。
// 保存後、同じユーザーの他セッションへprofile_source_updatedを通知する。
func (s *Service) Update(ctx context.Context, session *model.Session, patch model.ProfilePatch) (*model.Profile, error) {
	if session == nil {
		return nil, model.NewNotAuthenticatedError()
	}
	if err := s.validator.ValidatePatch(patch); err != nil {
		return nil, err
	}

	patch = s.sanitize(patch)

	if patch.AvatarRef != nil && !clears(patch, model.FieldAvatarRef) && s.avatar != nil {
		if err := s.avatar.ValidateAvatarURL(ctx, *patch.AvatarRef); err != nil {
			slog.Info("avatar URL rejected",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
			return nil, model.NewValidationError("avatar_ref: 画像として取得できるURLを指定してください")
		}
	}

	saved, err := s.repo.Update(ctx, session.UserID, func(current *model.Profile) (*model.Profile, error) {
		base := model.FallbackProfile(*session)
		if current != nil {
			base = *current
		}
		next := patch.Apply(base)
		next.UpdatedAt = s.now()
		return &next, nil
	})
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	if s.broker != nil {
		ev := model.AuthEvent{
			Type:            model.EventProfileSourceUpdated,
			UserID:          session.UserID,
			ExceptSessionID: session.ID,
		}
		if err := s.broker.Publish(ctx, ev); err != nil {
			slog.Warn("failed to publish profile update",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	return saved, nil
}

// sanitize は自由入力テキストからHTMLを除去する。
// 除去の結果空になった値はクリア指定として扱う。
func (s *Service) sanitize(p model.ProfilePatch) model.ProfilePatch {
	if s.sanitizer == nil {
		return p
	}
	out := p
	out.Clear = append([]model.ProfileField(nil), p.Clear...)
	if p.DisplayName != nil {
		v := s.sanitizer.SanitizeText(*p.DisplayName)
		out.DisplayName = &v
	}
	if p.School != nil {
		v := s.sanitizer.SanitizeText(*p.School)
		if v == "" {
			out.School = nil
			out.Clear = append(out.Clear, model.FieldSchool)
		} else {
			out.School = &v
		}
	}
	return out
}

func clears(p model.ProfilePatch, f model.ProfileField) bool {
	for _, c := range p.Clear {
		if c == f {
			return true
		}
	}
	return false
}
