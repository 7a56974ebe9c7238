// Package onboarding はプロフィールの完成度を判定し、オンボーディングへの誘導を決める。
package onboarding

import (
	"sync"

	"github.com/hitoshi/satez/internal/model"
)

// Evaluate はプロフィールの完成度を返す。
// school, grade, target_scoreのいずれかが未設定ならincomplete。nilもincomplete。
func Evaluate(p *model.Profile) model.CompletionState {
	if p == nil || p.School == nil || p.Grade == nil || p.TargetScore == nil {
		return model.CompletionIncomplete
	}
	return model.CompletionComplete
}

// Decision はゲートの判定結果。
// NeedsOnboardingは現在の状態、Navigateはincompleteへ遷移した瞬間だけtrueになる。
type Decision struct {
	State           model.CompletionState
	NeedsOnboarding bool
	Navigate        bool
}

// Gate はオンボーディングへの誘導を遷移ごとに1回だけ発行する。
// completeになっても誘導済みの状態は固定されず、再びincompleteになれば再度誘導する。
type Gate struct {
	mu       sync.Mutex
	signaled bool
}

// NewGate は新しいGateを生成する。
func NewGate() *Gate {
	return &Gate{}
}

// Decide は最新のプロフィールから判定する。
// 未認証の場合は誘導せず、次のサインインに備えて状態をリセットする。
func (g *Gate) Decide(authenticated bool, p *model.Profile) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !authenticated {
		g.signaled = false
		return Decision{State: Evaluate(p)}
	}

	state := Evaluate(p)
	if state == model.CompletionComplete {
		g.signaled = false
		return Decision{State: state}
	}

	navigate := !g.signaled
	g.signaled = true
	return Decision{State: state, NeedsOnboarding: true, Navigate: navigate}
}

// Reset は誘導済みの状態を解除する。
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signaled = false
}
