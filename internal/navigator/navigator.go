// Package navigator はクライアントコアのスナップショットを監視し、画面遷移の要求を発行する。
// 状態管理とは分離されており、遷移先の決定だけを行う。
package navigator

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/satez/internal/client"
	"github.com/hitoshi/satez/internal/session"
)

// Route は遷移先の画面。
type Route string

const (
	RouteNone       Route = ""
	RouteLogin      Route = "login"
	RouteOnboarding Route = "onboarding"
	RouteHome       Route = "home"
)

// SnapshotSource はスナップショットの購読元。client.Managerが満たす。
type SnapshotSource interface {
	Subscribe(fn func(client.Snapshot)) func()
}

// Navigator はスナップショットから遷移先を決め、変化があった場合だけnavigateを呼ぶ。
type Navigator struct {
	navigate func(Route)
	logger   *slog.Logger

	mu         sync.Mutex
	current    Route
	lastPrompt uint64
}

// New は新しいNavigatorを生成する。
func New(navigate func(Route), logger *slog.Logger) *Navigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Navigator{navigate: navigate, logger: logger}
}

// Attach はsourceを購読し、解除関数を返す。
func (n *Navigator) Attach(source SnapshotSource) func() {
	return source.Subscribe(n.Observe)
}

// Current は現在の画面を返す。
func (n *Navigator) Current() Route {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// SetCurrent はユーザー操作などNavigator以外による画面遷移を反映する。
func (n *Navigator) SetCurrent(r Route) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = r
}

// Observe はスナップショットを受け取り、必要なら遷移を要求する。
// オンボーディングへはゲートの誘導シグナルでのみ遷移し、
// 既にオンボーディング画面にいる間は重ねて遷移しない。
func (n *Navigator) Observe(s client.Snapshot) {
	n.mu.Lock()
	target := n.decideLocked(s)
	if target == RouteNone || target == n.current {
		n.mu.Unlock()
		return
	}
	n.current = target
	n.mu.Unlock()

	n.logger.Debug("navigating", slog.String("route", string(target)))
	n.navigate(target)
}

func (n *Navigator) decideLocked(s client.Snapshot) Route {
	switch s.State {
	case session.StateUnauthenticated:
		return RouteLogin
	case session.StateAuthenticated:
	default:
		return RouteNone
	}

	if s.OnboardingPrompt > n.lastPrompt {
		n.lastPrompt = s.OnboardingPrompt
		return RouteOnboarding
	}
	if s.Profile == nil {
		return RouteNone
	}

	switch n.current {
	case RouteOnboarding:
		if s.NeedsOnboarding {
			return RouteOnboarding
		}
		return RouteHome
	case RouteNone, RouteLogin:
		return RouteHome
	default:
		return n.current
	}
}
