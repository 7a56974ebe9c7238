// Package session はクライアントプロセス内で唯一の現在セッションを保持し、
// 状態遷移を購読者へ順序通りに通知するSession Storeを提供する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hitoshi/satez/internal/model"
)

// ErrAlreadySubscribed はIdentity Providerへの購読を2回以上行おうとした場合のエラー。
var ErrAlreadySubscribed = errors.New("session: already subscribed to auth events")

// IdentityProvider はSession Storeが利用するIdentity Providerの操作。
type IdentityProvider interface {
	// GetCurrentSession は最後に確認されたセッションを返す。未サインインの場合はnil。
	GetCurrentSession(ctx context.Context) (*model.Session, error)
	// SubscribeToAuthEvents はイベントハンドラを登録し、解除関数を返す。
	SubscribeToAuthEvents(handler func(model.AuthEvent)) (func(), error)
	// SignOut はセッションの失効を要求する。
	SignOut(ctx context.Context) error
}

// State はSession Storeの状態。
type State string

const (
	StateUninitialized   State = "uninitialized"
	StateInitializing    State = "initializing"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
)

// Reason は状態変化のきっかけ。
type Reason string

const (
	ReasonBootstrap            Reason = "bootstrap"
	ReasonSignedIn             Reason = "signed_in"
	ReasonSignedOut            Reason = "signed_out"
	ReasonSessionRefreshed     Reason = "session_refreshed"
	ReasonProfileSourceUpdated Reason = "profile_source_updated"
)

// Change は購読者へ通知する状態変化。
// profile_source_updatedのように状態が変わらない通知も含む。
type Change struct {
	Seq     uint64
	Prev    State
	State   State
	Session *model.Session
	Reason  Reason
}

// Store は現在セッションの単一の書き込み元。
type Store struct {
	provider IdentityProvider
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	current *model.Session
	// epoch はイベントまたはAdoptで状態が変わるたびに進む。
	// 実行中のBootstrapは開始時のepochと比較して結果を捨てるか判断する。
	epoch       uint64
	seq         uint64
	subscribed  bool
	unsubscribe func()

	watchers    map[int]func(Change)
	watcherIDs  []int
	nextWatcher int

	queue       []Change
	dispatching bool
}

// NewStore は新しいStoreを生成する。loggerがnilの場合はslog.Default()を使う。
func NewStore(provider IdentityProvider, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		provider: provider,
		logger:   logger,
		state:    StateUninitialized,
		watchers: make(map[int]func(Change)),
	}
}

// State は現在の状態を返す。
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current は現在のセッションのコピーを返す。未サインインの場合はnil。
func (s *Store) Current() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySession(s.current)
}

// Bootstrap はIdentity Providerから最後に確認されたセッションを取得する。
// プロバイダーのエラーはnilセッションとして扱い、Unauthenticatedへ遷移する。
// 取得中にイベントやAdoptが処理された場合、取得結果は古いものとして捨てる。
func (s *Store) Bootstrap(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	if s.state != StateUninitialized {
		cur := copySession(s.current)
		s.mu.Unlock()
		return cur, nil
	}
	startEpoch := s.epoch
	s.setLocked(StateInitializing, nil, ReasonBootstrap)
	s.mu.Unlock()
	s.dispatch()

	sess, err := s.provider.GetCurrentSession(ctx)
	if err != nil {
		s.logger.Warn("failed to bootstrap session",
			slog.String("error", err.Error()),
		)
		sess = nil
	}

	s.mu.Lock()
	if s.epoch != startEpoch && s.state != StateInitializing {
		s.logger.Debug("discarding stale bootstrap result")
		cur := copySession(s.current)
		s.mu.Unlock()
		return cur, nil
	}
	if sess != nil {
		s.setLocked(StateAuthenticated, sess, ReasonBootstrap)
	} else {
		s.setLocked(StateUnauthenticated, nil, ReasonBootstrap)
	}
	cur := copySession(s.current)
	s.mu.Unlock()
	s.dispatch()

	return cur, nil
}

// Subscribe はIdentity Providerのイベントストリームへ唯一の購読を登録する。
// 2回目以降の呼び出しはErrAlreadySubscribedを返す。
func (s *Store) Subscribe() error {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return ErrAlreadySubscribed
	}
	s.subscribed = true
	s.mu.Unlock()

	unsubscribe, err := s.provider.SubscribeToAuthEvents(s.HandleEvent)
	if err != nil {
		s.mu.Lock()
		s.subscribed = false
		s.mu.Unlock()
		return fmt.Errorf("subscribe to auth events: %w", err)
	}

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	return nil
}

// Close はイベント購読を解除する。複数回呼んでも安全。
func (s *Store) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// SignOut はプロバイダーへ失効を要求し、結果に関わらずUnauthenticatedへ遷移する。
// 返すエラーはログ用で、ローカル状態には影響しない。
func (s *Store) SignOut(ctx context.Context) error {
	err := s.provider.SignOut(ctx)
	if err != nil {
		s.logger.Warn("sign out request failed, clearing local session anyway",
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	if s.state != StateUnauthenticated {
		s.setLocked(StateUnauthenticated, nil, ReasonSignedOut)
	}
	s.mu.Unlock()
	s.dispatch()

	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// Adopt はサインイン操作で得たセッションを現在のセッションとして採用する。
func (s *Store) Adopt(sess *model.Session) {
	if sess == nil {
		return
	}
	s.apply(ReasonSignedIn, sess)
}

// HandleEvent はプロバイダーからのイベントを処理する。
// 購読経由で呼ばれるほか、テストやローカルイベントの注入にも使う。
func (s *Store) HandleEvent(ev model.AuthEvent) {
	switch ev.Type {
	case model.EventSignedIn:
		s.apply(ReasonSignedIn, ev.Session)
	case model.EventSessionRefreshed:
		s.apply(ReasonSessionRefreshed, ev.Session)
	case model.EventSignedOut:
		s.mu.Lock()
		if s.current != nil && !ev.AppliesTo(s.current) {
			s.mu.Unlock()
			return
		}
		if s.state != StateUnauthenticated {
			s.setLocked(StateUnauthenticated, nil, ReasonSignedOut)
		}
		s.mu.Unlock()
		s.dispatch()
	case model.EventProfileSourceUpdated:
		s.mu.Lock()
		if s.current == nil || (ev.UserID != "" && ev.UserID != s.current.UserID) {
			s.mu.Unlock()
			return
		}
		s.setLocked(s.state, s.current, ReasonProfileSourceUpdated)
		s.mu.Unlock()
		s.dispatch()
	default:
		s.logger.Debug("ignoring unknown auth event", slog.String("event_type", string(ev.Type)))
	}
}

// apply はセッションを伴う遷移を反映する。
// 全く同じセッションが既に現在のセッションである場合は通知しない。
// IDが同じでもメールアドレスなどが変わっていれば置き換えて通知する。
func (s *Store) apply(reason Reason, sess *model.Session) {
	s.mu.Lock()
	if sess == nil {
		s.mu.Unlock()
		s.logger.Debug("ignoring auth event without session", slog.String("event_type", string(reason)))
		return
	}
	if s.state == StateAuthenticated && sameSession(s.current, sess) {
		s.mu.Unlock()
		return
	}
	s.setLocked(StateAuthenticated, sess, reason)
	s.mu.Unlock()
	s.dispatch()
}

// setLocked は状態を更新し、通知をキューへ積む。s.muを保持して呼ぶこと。
// Bootstrap自身の遷移以外はepochを進める。
func (s *Store) setLocked(state State, sess *model.Session, reason Reason) {
	if reason != ReasonBootstrap {
		s.epoch++
	}
	prev := s.state
	s.state = state
	s.current = copySession(sess)
	s.seq++
	s.queue = append(s.queue, Change{
		Seq:     s.seq,
		Prev:    prev,
		State:   state,
		Session: copySession(sess),
		Reason:  reason,
	})
}

// Watch は状態変化の購読者を登録し、解除関数を返す。
// 通知は1件ずつ順番に届く。購読者の中からStoreを呼び出した場合、
// その結果の通知は現在の通知が終わった後に届く。
func (s *Store) Watch(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = fn
	s.watcherIDs = append(s.watcherIDs, id)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.watchers, id)
			for i, wid := range s.watcherIDs {
				if wid == id {
					s.watcherIDs = append(s.watcherIDs[:i:i], s.watcherIDs[i+1:]...)
					break
				}
			}
		})
	}
}

// dispatch はキューに積まれた通知を配信する。
// 既に別の呼び出しが配信中であれば、その呼び出しに任せて即座に戻る。
func (s *Store) dispatch() {
	s.mu.Lock()
	if s.dispatching {
		s.mu.Unlock()
		return
	}
	s.dispatching = true

	for len(s.queue) > 0 {
		ch := s.queue[0]
		s.queue = s.queue[1:]
		fns := make([]func(Change), 0, len(s.watcherIDs))
		for _, id := range s.watcherIDs {
			fns = append(fns, s.watchers[id])
		}
		s.mu.Unlock()

		for _, fn := range fns {
			fn(ch)
		}

		s.mu.Lock()
	}

	s.dispatching = false
	s.mu.Unlock()
}

func sameSession(a, b *model.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID &&
		a.UserID == b.UserID &&
		a.Email == b.Email &&
		a.DisplayName == b.DisplayName &&
		a.RefreshToken == b.RefreshToken &&
		a.IssuedAt.Equal(b.IssuedAt) &&
		a.ExpiresAt.Equal(b.ExpiresAt)
}

func copySession(s *model.Session) *model.Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}
