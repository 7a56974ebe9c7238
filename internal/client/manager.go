// Package client はクライアントコアのファサードを提供する。
// Session Store、Profile Synchronizer、オンボーディングゲート、サインインチェーンを組み合わせ、
// 読み取り専用のスナップショットと操作を公開する。画面遷移は行わない。
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/satez/internal/model"
	"github.com/hitoshi/satez/internal/onboarding"
	"github.com/hitoshi/satez/internal/profilesync"
	"github.com/hitoshi/satez/internal/session"
	"github.com/hitoshi/satez/internal/signin"
	"github.com/hitoshi/satez/internal/validation"
)

// IdentityProvider はクライアントコアが利用するIdentity Providerの操作。
type IdentityProvider interface {
	session.IdentityProvider

	SignInWithCredentials(ctx context.Context, email, password string) (*model.Session, error)
	// SignUp はアカウントを作成する。メール確認が必要な場合はnilセッションを返す。
	SignUp(ctx context.Context, email, password string) (*model.Session, error)
	UpdateEmail(ctx context.Context, email string) error
	UpdatePassword(ctx context.Context, password string) error
	RequestPasswordReset(ctx context.Context, email string) error
}

// Recorder はクライアントコアのメトリクス記録先。
type Recorder interface {
	RecordSignIn(method string, result string)
	RecordProfileLoad(source string)
}

// Deps はManagerの依存。ChainとMetricsとLoggerは省略できる。
type Deps struct {
	Provider IdentityProvider
	Profiles profilesync.ProfileStore
	Chain    *signin.Chain
	Metrics  Recorder
	Logger   *slog.Logger
}

// Snapshot はUIが参照する現在の状態。
// OnboardingPromptはゲートがオンボーディングへの誘導を発行するたびに増える。
type Snapshot struct {
	State            session.State
	Session          *model.Session
	Profile          *model.Profile
	ProfileSource    profilesync.Source
	Completion       model.CompletionState
	NeedsOnboarding  bool
	OnboardingPrompt uint64
	IsLoading        bool
	ProfileErr       error
}

// Authenticated は現在セッションがあるかを返す。
func (s Snapshot) Authenticated() bool {
	return s.State == session.StateAuthenticated && s.Session != nil
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Session != nil {
		cp := *s.Session
		out.Session = &cp
	}
	if s.Profile != nil {
		cp := s.Profile.Clone()
		out.Profile = &cp
	}
	return out
}

// Manager はクライアントコアの状態と操作をまとめる。
type Manager struct {
	provider  IdentityProvider
	store     *session.Store
	profiles  *profilesync.Synchronizer
	gate      *onboarding.Gate
	chain     *signin.Chain
	validator *validation.Validator
	metrics   Recorder
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	snap    Snapshot
	loadGen uint64
	idle    chan struct{}
	closed  bool
	unwatch func()

	subs   map[int]func(Snapshot)
	subIDs []int
	nextID int

	queue       []Snapshot
	dispatching bool
}

// NewManager は新しいManagerを生成する。Startを呼ぶまでプロバイダーとは通信しない。
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var loadRecorder profilesync.LoadRecorder
	if deps.Metrics != nil {
		loadRecorder = deps.Metrics
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	m := &Manager{
		provider:  deps.Provider,
		store:     session.NewStore(deps.Provider, logger),
		profiles:  profilesync.NewSynchronizer(deps.Profiles, logger, loadRecorder),
		gate:      onboarding.NewGate(),
		chain:     deps.Chain,
		validator: validation.New(),
		metrics:   deps.Metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		snap: Snapshot{
			State:      session.StateUninitialized,
			Completion: model.CompletionIncomplete,
		},
		idle: idle,
		subs: make(map[int]func(Snapshot)),
	}
	m.unwatch = m.store.Watch(m.onSessionChange)
	return m
}

// Start はイベント購読を開始し、最後に確認されたセッションを読み込む。
// 購読とブートストラップの結果はイベント優先で統合される。
func (m *Manager) Start(ctx context.Context) error {
	if err := m.store.Subscribe(); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	if _, err := m.store.Bootstrap(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	return m.WaitIdle(ctx)
}

// Close は購読を解除し、実行中のプロフィール取得の終了を待つ。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.unwatch()
	m.store.Close()
	m.cancel()
	m.wg.Wait()
}

// Snapshot は現在の状態のコピーを返す。
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

// Subscribe はスナップショットの購読者を登録し、解除関数を返す。
// 登録直後に現在のスナップショットが1回届く。
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subIDs = append(m.subIDs, id)
	current := m.snap.clone()
	m.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			for i, sid := range m.subIDs {
				if sid == id {
					m.subIDs = append(m.subIDs[:i:i], m.subIDs[i+1:]...)
					break
				}
			}
		})
	}
}

// WaitIdle は実行中のプロフィール取得が終わるまで待つ。
func (m *Manager) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onSessionChange はSession Storeの状態変化に反応する。
// I/Oは行わず、プロフィール取得が必要な場合はゴルーチンで開始する。
func (m *Manager) onSessionChange(c session.Change) {
	m.mu.Lock()

	m.snap.State = c.State
	m.snap.Session = c.Session

	var load bool
	switch {
	case c.State != session.StateAuthenticated:
		m.clearProfileLocked()
		if c.State == session.StateUnauthenticated {
			m.applyDecisionLocked(m.gate.Decide(false, nil))
		}
	case c.Reason == session.ReasonSessionRefreshed:
		load = m.snap.Profile == nil
	case c.Reason == session.ReasonSignedIn && m.snap.Profile != nil && m.snap.Profile.UserID != c.Session.UserID:
		m.clearProfileLocked()
		load = true
	default:
		load = true
	}

	var gen uint64
	if load {
		gen = m.beginLoadLocked()
	}
	sess := m.snap.Session
	start := load && !m.closed
	if start {
		m.wg.Add(1)
	}
	m.enqueueLocked()
	m.mu.Unlock()

	if start {
		go func() {
			defer m.wg.Done()
			_ = m.loadProfile(m.ctx, gen, sess)
		}()
	} else if load {
		m.mu.Lock()
		m.endLoadLocked()
		m.mu.Unlock()
	}
	m.dispatch()
}

// clearProfileLocked はキャッシュしたプロフィールを破棄し、実行中の取得結果を無効にする。
func (m *Manager) clearProfileLocked() {
	m.loadGen++
	m.snap.Profile = nil
	m.snap.ProfileSource = ""
	m.snap.ProfileErr = nil
	m.endLoadLocked()
}

// beginLoadLocked は新しい取得の世代を払い出し、読み込み中にする。
func (m *Manager) beginLoadLocked() uint64 {
	m.loadGen++
	if !m.snap.IsLoading {
		m.snap.IsLoading = true
		m.idle = make(chan struct{})
	}
	return m.loadGen
}

func (m *Manager) endLoadLocked() {
	if m.snap.IsLoading {
		m.snap.IsLoading = false
		close(m.idle)
	}
}

// loadProfile はプロフィールを取得して反映する。
// 取得中に新しい取得が始まった場合やセッションが変わった場合、結果は捨てる。
func (m *Manager) loadProfile(ctx context.Context, gen uint64, sess *model.Session) error {
	profile, src, err := m.profiles.Load(ctx, sess)

	m.mu.Lock()
	if gen != m.loadGen || m.snap.Session == nil || m.snap.Session.UserID != sess.UserID {
		m.mu.Unlock()
		m.logger.Debug("discarding stale profile load", slog.String("user_id", sess.UserID))
		return err
	}

	if err != nil {
		m.snap.ProfileErr = err
	} else {
		m.snap.Profile = &profile
		m.snap.ProfileSource = src
		m.snap.ProfileErr = nil
		m.applyDecisionLocked(m.gate.Decide(true, &profile))
	}
	m.endLoadLocked()
	m.enqueueLocked()
	m.mu.Unlock()

	m.dispatch()
	return err
}

func (m *Manager) applyDecisionLocked(d onboarding.Decision) {
	m.snap.Completion = d.State
	m.snap.NeedsOnboarding = d.NeedsOnboarding
	if d.Navigate {
		m.snap.OnboardingPrompt++
	}
}

// enqueueLocked は現在のスナップショットを配信キューへ積む。
func (m *Manager) enqueueLocked() {
	m.queue = append(m.queue, m.snap.clone())
}

// dispatch はキューに積まれたスナップショットを順に配信する。
// 購読者の中からManagerを操作した場合、その結果は現在の配信が終わった後に届く。
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true

	for len(m.queue) > 0 {
		snap := m.queue[0]
		m.queue = m.queue[1:]
		fns := make([]func(Snapshot), 0, len(m.subIDs))
		for _, id := range m.subIDs {
			fns = append(fns, m.subs[id])
		}
		m.mu.Unlock()

		for _, fn := range fns {
			fn(snap.clone())
		}

		m.mu.Lock()
	}

	m.dispatching = false
	m.mu.Unlock()
}
