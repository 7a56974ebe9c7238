// Package signin はフェデレーテッドサインインの戦略を優先順に試すフォールバックチェーンを提供する。
package signin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/satez/internal/model"
)

// ErrNoStrategies はチェーンに戦略が1つも設定されていない場合のエラー。
var ErrNoStrategies = errors.New("signin: no strategies configured")

// Strategy は同じ「外部IdPでサインイン」を実現する技術的手段の1つ。
type Strategy interface {
	ID() string
	Attempt(ctx context.Context) model.SignInAttempt
}

// AttemptRecorder は戦略ごとの試行結果の記録先。
type AttemptRecorder interface {
	RecordStrategyAttempt(strategy string, result string)
}

type funcStrategy struct {
	id string
	fn func(ctx context.Context) model.SignInAttempt
}

func (s funcStrategy) ID() string { return s.id }

func (s funcStrategy) Attempt(ctx context.Context) model.SignInAttempt { return s.fn(ctx) }

// Func は関数をStrategyとして扱う。
func Func(id string, fn func(ctx context.Context) model.SignInAttempt) Strategy {
	return funcStrategy{id: id, fn: fn}
}

// Chain は戦略を固定の優先順で1回ずつ試す。
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
	recorder   AttemptRecorder
}

// NewChain はチェーンを生成する。同じIDの戦略は最初の1つだけを使う。
func NewChain(strategies []Strategy, logger *slog.Logger, recorder AttemptRecorder) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	seen := make(map[string]bool, len(strategies))
	ordered := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if seen[s.ID()] {
			continue
		}
		seen[s.ID()] = true
		ordered = append(ordered, s)
	}
	return &Chain{strategies: ordered, logger: logger, recorder: recorder}
}

// Build は戦略IDの並びから、登録済みの戦略でチェーンを組み立てる。
// 未登録のIDが含まれる場合はUNKNOWN_PROVIDERを返す。
func Build(ids []string, registry map[string]Strategy, logger *slog.Logger, recorder AttemptRecorder) (*Chain, error) {
	strategies := make([]Strategy, 0, len(ids))
	for _, id := range ids {
		s, ok := registry[id]
		if !ok {
			return nil, model.NewUnknownProviderError(id)
		}
		strategies = append(strategies, s)
	}
	return NewChain(strategies, logger, recorder), nil
}

// IDs はチェーンの戦略IDを優先順に返す。
func (c *Chain) IDs() []string {
	ids := make([]string, len(c.strategies))
	for i, s := range c.strategies {
		ids[i] = s.ID()
	}
	return ids
}

// Run は戦略を順に試す。
//   - success: 以降の戦略を試さずに成功を返す
//   - user_cancelled: 以降の戦略を試さずにキャンセルを返す。エラーではない
//   - failed: ログに残して次の戦略へ進む
//
// 全ての戦略が失敗した場合は最後の失敗だけを返す。
// コンテキストが終了した場合は残りの戦略を試さずにctx.Err()を持つ失敗を返す。
func (c *Chain) Run(ctx context.Context) model.SignInAttempt {
	if len(c.strategies) == 0 {
		return model.Failed("", ErrNoStrategies)
	}

	var last model.SignInAttempt
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			c.logger.Info("sign-in chain stopped",
				slog.String("strategy", s.ID()),
				slog.String("error", err.Error()),
			)
			return model.Failed(s.ID(), err)
		}

		attempt := normalize(s.ID(), s.Attempt(ctx))
		c.record(attempt)

		switch attempt.Result {
		case model.SignInSuccess:
			c.logger.Info("federated sign-in succeeded",
				slog.String("strategy", attempt.Strategy),
				slog.String("user_id", attempt.Session.UserID),
			)
			return attempt
		case model.SignInUserCancelled:
			c.logger.Info("federated sign-in cancelled by user",
				slog.String("strategy", attempt.Strategy),
			)
			return attempt
		default:
			c.logger.Warn("federated sign-in strategy failed",
				slog.String("strategy", attempt.Strategy),
				slog.String("error", attempt.Err.Error()),
			)
			last = attempt
		}
	}

	return last
}

// normalize は戦略の返した結果の不整合を補正する。
func normalize(id string, a model.SignInAttempt) model.SignInAttempt {
	a.Strategy = id
	switch a.Result {
	case model.SignInSuccess:
		if a.Session == nil {
			return model.Failed(id, fmt.Errorf("strategy %s reported success without a session", id))
		}
		a.Err = nil
	case model.SignInUserCancelled:
		a.Session, a.Err = nil, nil
	default:
		a.Result = model.SignInFailed
		a.Session = nil
		if a.Err == nil {
			a.Err = fmt.Errorf("strategy %s failed", id)
		}
	}
	return a
}

func (c *Chain) record(a model.SignInAttempt) {
	if c.recorder != nil {
		c.recorder.RecordStrategyAttempt(a.Strategy, string(a.Result))
	}
}
