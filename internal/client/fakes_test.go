package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/satez/internal/model"
	"github.com/hitoshi/satez/internal/profilesync"
)

// fakeProvider はIdentityProviderのモック実装。未設定の操作は成功扱い。
type fakeProvider struct {
	getCurrentSessionFn     func(ctx context.Context) (*model.Session, error)
	signInWithCredentialsFn func(ctx context.Context, email, password string) (*model.Session, error)
	signUpFn                func(ctx context.Context, email, password string) (*model.Session, error)
	signOutFn               func(ctx context.Context) error
	updateEmailFn           func(ctx context.Context, email string) error
	updatePasswordFn        func(ctx context.Context, password string) error
	requestPasswordResetFn  func(ctx context.Context, email string) error

	mu      sync.Mutex
	handler func(model.AuthEvent)
}

func (f *fakeProvider) GetCurrentSession(ctx context.Context) (*model.Session, error) {
	if f.getCurrentSessionFn != nil {
		return f.getCurrentSessionFn(ctx)
	}
	return nil, nil
}

func (f *fakeProvider) SubscribeToAuthEvents(handler func(model.AuthEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = nil
	}, nil
}

func (f *fakeProvider) SignOut(ctx context.Context) error {
	if f.signOutFn != nil {
		return f.signOutFn(ctx)
	}
	return nil
}

func (f *fakeProvider) SignInWithCredentials(ctx context.Context, email, password string) (*model.Session, error) {
	if f.signInWithCredentialsFn != nil {
		return f.signInWithCredentialsFn(ctx, email, password)
	}
	return sessionFor("user-1", email), nil
}

func (f *fakeProvider) SignUp(ctx context.Context, email, password string) (*model.Session, error) {
	if f.signUpFn != nil {
		return f.signUpFn(ctx, email, password)
	}
	return sessionFor("user-new", email), nil
}

func (f *fakeProvider) UpdateEmail(ctx context.Context, email string) error {
	if f.updateEmailFn != nil {
		return f.updateEmailFn(ctx, email)
	}
	return nil
}

func (f *fakeProvider) UpdatePassword(ctx context.Context, password string) error {
	if f.updatePasswordFn != nil {
		return f.updatePasswordFn(ctx, password)
	}
	return nil
}

func (f *fakeProvider) RequestPasswordReset(ctx context.Context, email string) error {
	if f.requestPasswordResetFn != nil {
		return f.requestPasswordResetFn(ctx, email)
	}
	return nil
}

// emit は購読中のハンドラへイベントを送る。
func (f *fakeProvider) emit(t *testing.T, ev model.AuthEvent) {
	t.Helper()
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		t.Fatal("no subscription")
	}
	h(ev)
}

// fakeProfileStore はProfile Storeのインメモリ実装。
type fakeProfileStore struct {
	mu       sync.Mutex
	profiles map[string]model.Profile
	getErr   error
	getCalls int
	upserts  int
	// gate が設定されている場合、GetProfileはgateが閉じるまで待つ。
	gate chan struct{}
}

func newFakeProfileStore() *fakeProfileStore {
	return &fakeProfileStore{profiles: make(map[string]model.Profile)}
}

func (f *fakeProfileStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, model.NewProfileNotFoundError(userID)
	}
	cp := p.Clone()
	return &cp, nil
}

func (f *fakeProfileStore) UpsertProfile(ctx context.Context, userID string, patch model.ProfilePatch) (*model.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	base, ok := f.profiles[userID]
	if !ok {
		base = model.Profile{UserID: userID}
	}
	next := patch.Apply(base)
	next.UpdatedAt = base.UpdatedAt.Add(time.Second)
	f.profiles[userID] = next
	cp := next.Clone()
	return &cp, nil
}

func (f *fakeProfileStore) put(p model.Profile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.UserID] = p
}

func (f *fakeProfileStore) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *fakeProfileStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

type fakeRecorder struct {
	mu      sync.Mutex
	signIns []string
	loads   []string
}

func (r *fakeRecorder) RecordSignIn(method, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signIns = append(r.signIns, method+":"+result)
}

func (r *fakeRecorder) RecordProfileLoad(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, source)
}

var (
	_ IdentityProvider         = (*fakeProvider)(nil)
	_ profilesync.ProfileStore = (*fakeProfileStore)(nil)
	_ Recorder                 = (*fakeRecorder)(nil)
)

func sessionFor(userID, email string) *model.Session {
	return &model.Session{
		ID:           "token-" + userID,
		UserID:       userID,
		Email:        email,
		RefreshToken: "refresh-" + userID,
		IssuedAt:     time.Now(),
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func completeProfile(userID string) model.Profile {
	return model.Profile{
		UserID:      userID,
		DisplayName: "Hana",
		Email:       "hana@student.com",
		School:      strPtr("Lincoln HS"),
		Grade:       intPtr(11),
		TargetScore: intPtr(1400),
		UpdatedAt:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

// newTestManager はテスト用のManagerを生成し、終了時にCloseする。
func newTestManager(t *testing.T, provider *fakeProvider, profiles *fakeProfileStore, deps ...func(*Deps)) *Manager {
	t.Helper()
	d := Deps{Provider: provider, Profiles: profiles}
	for _, fn := range deps {
		fn(&d)
	}
	m := NewManager(d)
	t.Cleanup(m.Close)
	return m
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle() error = %v", err)
	}
}
