// Package provision はプロフィール未作成のユーザーに初期プロフィールを作成するワーカーを提供する。
package provision

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/satez/internal/model"
)

const (
	// DefaultBatchSize は1回の実行で処理するユーザー数の上限。
	DefaultBatchSize = 100
	// DefaultMaxConcurrency はプロフィール作成の最大並行数。
	DefaultMaxConcurrency = 5
)

// UserLister はプロフィール未作成のユーザーを列挙する。
type UserLister interface {
	ListWithoutProfile(ctx context.Context, limit int) ([]*model.User, error)
}

// ProfileCreator はプロフィールが存在しない場合のみ作成する。
type ProfileCreator interface {
	CreateIfMissing(ctx context.Context, profile *model.Profile) (bool, error)
}

// Provisioner は初期プロフィールの作成を定期実行する。
type Provisioner struct {
	users          UserLister
	profiles       ProfileCreator
	logger         *slog.Logger
	batchSize      int
	maxConcurrency int
	now            func() time.Time
}

// NewProvisioner は新しいProvisionerを生成する。
func NewProvisioner(users UserLister, profiles ProfileCreator, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		users:          users,
		profiles:       profiles,
		logger:         logger,
		batchSize:      DefaultBatchSize,
		maxConcurrency: DefaultMaxConcurrency,
		now:            time.Now,
	}
}

// Start は起動直後に1回実行し、その後interval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (p *Provisioner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("プロフィール作成ワーカーを開始しました", slog.Duration("interval", interval))

	p.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("プロフィール作成ワーカーを停止しました")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce はプロフィール未作成のユーザーを取得し、並行して初期プロフィールを作成する。
// 作成件数を返す。既に他の経路で作成済みのユーザーは件数に含めない。
func (p *Provisioner) RunOnce(ctx context.Context) int {
	users, err := p.users.ListWithoutProfile(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("プロフィール未作成ユーザーの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0
	}

	if len(users) == 0 {
		return 0
	}

	p.logger.Info("初期プロフィールの作成を開始します", slog.Int("user_count", len(users)))

	var (
		wg      sync.WaitGroup
		created atomic.Int64
	)
	sem := make(chan struct{}, p.maxConcurrency)

	for _, u := range users {
		select {
		case <-ctx.Done():
			wg.Wait()
			return int(created.Load())
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(u *model.User) {
			defer wg.Done()
			defer func() { <-sem }()

			if p.provisionUser(ctx, u) {
				created.Add(1)
			}
		}(u)
	}

	wg.Wait()

	p.logger.Info("初期プロフィールの作成が完了しました",
		slog.Int("user_count", len(users)),
		slog.Int64("created_count", created.Load()),
	)

	return int(created.Load())
}

// provisionUser は1ユーザー分の初期プロフィールを作成する。
func (p *Provisioner) provisionUser(ctx context.Context, u *model.User) bool {
	profile := InitialProfile(u, p.now())

	created, err := p.profiles.CreateIfMissing(ctx, &profile)
	if err != nil {
		p.logger.Error("初期プロフィールの作成に失敗しました",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return created
}

// InitialProfile はユーザー情報から初期プロフィールを組み立てる。
// 表示名の補完規則はセッションからのフォールバックと同じ。
func InitialProfile(u *model.User, now time.Time) model.Profile {
	profile := model.FallbackProfile(model.Session{
		UserID:      u.ID,
		Email:       u.Email,
		DisplayName: u.Name,
	})
	profile.UpdatedAt = now.UTC()
	return profile
}
