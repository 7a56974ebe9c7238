// Package profilesync は現在セッションに対応するプロフィールをProfile Storeから取得する。
// プロフィールが未作成の場合はセッションのクレームから最小限のプロフィールを組み立てる。
package profilesync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/satez/internal/model"
)

// ProfileStore はプロフィールを保持するバックエンドの操作。
type ProfileStore interface {
	// GetProfile はユーザーのプロフィールを返す。未作成の場合はmodel.ErrProfileNotFoundに該当するエラーを返す。
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	// UpsertProfile はパッチをマージして保存し、保存後のプロフィールを返す。
	UpsertProfile(ctx context.Context, userID string, patch model.ProfilePatch) (*model.Profile, error)
}

// LoadRecorder はプロフィール取得結果の記録先。
type LoadRecorder interface {
	RecordProfileLoad(source string)
}

// Source は取得したプロフィールの出所。
type Source string

const (
	// SourceStore はProfile Storeのレコード。
	SourceStore Source = "store"
	// SourceFallback はセッションのクレームから組み立てた暫定プロフィール。
	SourceFallback Source = "fallback"
)

// Synchronizer はプロフィールの取得と保存を行う。状態を持たず、何度呼んでも安全。
type Synchronizer struct {
	store    ProfileStore
	logger   *slog.Logger
	recorder LoadRecorder
}

// NewSynchronizer は新しいSynchronizerを生成する。recorderはnilでもよい。
func NewSynchronizer(store ProfileStore, logger *slog.Logger, recorder LoadRecorder) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: store, logger: logger, recorder: recorder}
}

// Load はセッションのユーザーIDでプロフィールを取得する。
// 未作成の場合はフォールバックプロフィールとSourceFallbackを返し、エラーにしない。
// それ以外のエラーはProfileStoreErrorとして返し、データを補完しない。
func (s *Synchronizer) Load(ctx context.Context, session *model.Session) (model.Profile, Source, error) {
	if session == nil {
		return model.Profile{}, "", model.NewNotAuthenticatedError()
	}

	p, err := s.store.GetProfile(ctx, session.UserID)
	switch {
	case errors.Is(err, model.ErrProfileNotFound), err == nil && p == nil:
		s.logger.Info("profile not provisioned yet, using session claims",
			slog.String("user_id", session.UserID),
		)
		s.record(SourceFallback)
		return model.FallbackProfile(*session), SourceFallback, nil
	case err != nil:
		s.logger.Warn("failed to load profile",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		return model.Profile{}, "", wrapStoreError(err)
	}

	s.record(SourceStore)
	return p.Clone(), SourceStore, nil
}

// Save はパッチをProfile Storeへ保存する。
// 検証エラーや認証エラーはそのまま返し、それ以外はProfileStoreErrorとして返す。
func (s *Synchronizer) Save(ctx context.Context, session *model.Session, patch model.ProfilePatch) (model.Profile, error) {
	if session == nil {
		return model.Profile{}, model.NewNotAuthenticatedError()
	}

	p, err := s.store.UpsertProfile(ctx, session.UserID, patch)
	if err != nil {
		if errors.Is(err, model.ErrValidationFailed) || errors.Is(err, model.ErrNotAuthenticated) {
			return model.Profile{}, err
		}
		s.logger.Warn("failed to save profile",
			slog.String("user_id", session.UserID),
			slog.String("error", err.Error()),
		)
		return model.Profile{}, wrapStoreError(err)
	}
	return p.Clone(), nil
}

func (s *Synchronizer) record(src Source) {
	if s.recorder != nil {
		s.recorder.RecordProfileLoad(string(src))
	}
}

// storeError は元のエラーを保持したままProfileStoreErrorとして判定できるエラー。
type storeError struct {
	api   *model.APIError
	cause error
}

func (e *storeError) Error() string { return e.api.Error() + ": " + e.cause.Error() }

func (e *storeError) Is(target error) bool { return e.api.Is(target) }

func (e *storeError) As(target any) bool {
	if t, ok := target.(**model.APIError); ok {
		*t = e.api
		return true
	}
	return false
}

func (e *storeError) Unwrap() error { return e.cause }

// wrapStoreError はProfile Storeのエラーを再試行可能なProfileStoreErrorへ変換する。
// 一時的な通信エラーもProfileStoreErrorとして扱い、元のエラーはUnwrapで辿れる。
func wrapStoreError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeProfileStore {
		return err
	}
	return &storeError{api: model.NewProfileStoreError("時間をおいて再度お試しください"), cause: err}
}
