// Package cleanup は期限切れのセッションとワンタイムトークンを削除するジョブを提供する。
// 定期実行のバッチジョブで、削除処理は冪等。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredDeleter は期限切れレコードを削除し、削除件数を返す。
// repository.SessionRepository と repository.VerificationTokenRepository が満たす。
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Target はクリーンアップ対象のテーブルを表す。
type Target struct {
	Name    string
	Deleter ExpiredDeleter
}

// CleanupJob は期限切れレコードの削除ジョブ。
type CleanupJob struct {
	targets []Target
	logger  *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(logger *slog.Logger, targets ...Target) *CleanupJob {
	return &CleanupJob{
		targets: targets,
		logger:  logger,
	}
}

// Run は全対象の期限切れレコードを削除する。
// 1つの対象が失敗しても残りの対象は処理し、エラーはまとめて返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	var errs []error

	for _, t := range j.targets {
		start := time.Now()

		deleted, err := t.Deleter.DeleteExpired(ctx)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("target", t.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%sのクリーンアップに失敗: %w", t.Name, err))
			continue
		}

		j.logger.Info("クリーンアップジョブが完了しました",
			slog.String("target", t.Name),
			slog.Int64("deleted_count", deleted),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	return errors.Join(errs...)
}

// Start は起動直後に1回実行し、その後interval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
