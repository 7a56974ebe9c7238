package auth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/satez/internal/mail"
	"github.com/hitoshi/satez/internal/model"
	"github.com/hitoshi/satez/internal/repository"
)

// memStore はリポジトリ群のインメモリ実装。サービスのフロー全体を検証するために使う。
type memStore struct {
	mu         sync.Mutex
	users      map[string]*model.User
	identities []*model.Identity
	sessions   map[string]*model.Session
	refresh    map[string]string // refresh token -> session id
	tokens     map[string]*model.VerificationToken
	profiles   map[string]*model.Profile

	findByEmailErr error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*model.User),
		sessions: make(map[string]*model.Session),
		refresh:  make(map[string]string),
		tokens:   make(map[string]*model.VerificationToken),
		profiles: make(map[string]*model.Profile),
	}
}

// --- UserRepository ---

type memUserRepo struct{ s *memStore }

func (r memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if u, ok := r.s.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (r memUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.findByEmailErr != nil {
		return nil, r.s.findByEmailErr
	}
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (r memUserRepo) CreateWithIdentity(_ context.Context, user *model.User, identity *model.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if user.Email != "" && strings.EqualFold(u.Email, user.Email) {
			return repository.ErrDuplicate
		}
	}
	cp := *user
	r.s.users[user.ID] = &cp
	r.s.identities = append(r.s.identities, identity)
	return nil
}

func (r memUserRepo) UpdateEmail(_ context.Context, id, email string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.ID != id && strings.EqualFold(u.Email, email) {
			return repository.ErrDuplicate
		}
	}
	r.s.users[id].Email = email
	return nil
}

func (r memUserRepo) UpdatePasswordHash(_ context.Context, id string, hash []byte) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.users[id].PasswordHash = hash
	return nil
}

func (r memUserRepo) ConfirmEmail(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.users[id].EmailConfirmedAt = &at
	return nil
}

func (r memUserRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.users, id)
	return nil
}

func (r memUserRepo) ListWithoutProfile(_ context.Context, _ int) ([]*model.User, error) {
	return nil, nil
}

// --- IdentityRepository ---

type memIdentityRepo struct{ s *memStore }

func (r memIdentityRepo) FindByProviderAndProviderUserID(_ context.Context, provider, providerUserID string) (*model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range r.s.identities {
		if id.Provider == provider && id.ProviderUserID == providerUserID {
			return id, nil
		}
	}
	return nil, nil
}

func (r memIdentityRepo) Create(_ context.Context, identity *model.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.identities = append(r.s.identities, identity)
	return nil
}

// --- SessionRepository ---

type memSessionRepo struct{ s *memStore }

func (r memSessionRepo) Create(_ context.Context, session *model.Session, _ time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *session
	r.s.sessions[session.ID] = &cp
	r.s.refresh[session.RefreshToken] = session.ID
	return nil
}

func (r memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if s, ok := r.s.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r memSessionRepo) FindByRefreshToken(_ context.Context, token string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.refresh[token]
	if !ok {
		return nil, nil
	}
	if s, ok := r.s.sessions[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r memSessionRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if s, ok := r.s.sessions[id]; ok {
		delete(r.s.refresh, s.RefreshToken)
		delete(r.s.sessions, id)
	}
	return nil
}

func (r memSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	_, err := r.DeleteByUserIDExcept(ctx, userID, "")
	return err
}

func (r memSessionRepo) DeleteByUserIDExcept(_ context.Context, userID, keep string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, s := range r.s.sessions {
		if s.UserID == userID && id != keep {
			delete(r.s.refresh, s.RefreshToken)
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

func (r memSessionRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// --- VerificationTokenRepository ---

type memTokenRepo struct{ s *memStore }

func (r memTokenRepo) Create(_ context.Context, token *model.VerificationToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *token
	r.s.tokens[token.Token] = &cp
	return nil
}

func (r memTokenRepo) Consume(_ context.Context, token string, kind model.VerificationKind) (*model.VerificationToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	vt, ok := r.s.tokens[token]
	if !ok || vt.Kind != kind || !vt.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	delete(r.s.tokens, token)
	return vt, nil
}

func (r memTokenRepo) DeleteExpired(_ context.Context) (int64, error) {
	return 0, nil
}

// --- ProfileRepository ---

type memProfileRepo struct{ s *memStore }

func (r memProfileRepo) FindByUserID(_ context.Context, userID string) (*model.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.profiles[userID]; ok {
		cp := p.Clone()
		return &cp, nil
	}
	return nil, nil
}

func (r memProfileRepo) Update(_ context.Context, userID string, apply func(*model.Profile) (*model.Profile, error)) (*model.Profile, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var current *model.Profile
	if p, ok := r.s.profiles[userID]; ok {
		cp := p.Clone()
		current = &cp
	}
	next, err := apply(current)
	if err != nil {
		return nil, err
	}
	r.s.profiles[userID] = next
	return next, nil
}

func (r memProfileRepo) CreateIfMissing(_ context.Context, p *model.Profile) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.profiles[p.UserID]; ok {
		return false, nil
	}
	r.s.profiles[p.UserID] = p
	return true, nil
}

var (
	_ repository.UserRepository              = memUserRepo{}
	_ repository.IdentityRepository          = memIdentityRepo{}
	_ repository.SessionRepository           = memSessionRepo{}
	_ repository.VerificationTokenRepository = memTokenRepo{}
	_ repository.ProfileRepository           = memProfileRepo{}
)

// --- その他のモック ---

type mockOAuthProvider struct {
	name           string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
	userInfoFn     func(ctx context.Context, accessToken string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) Name() string { return m.name }

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	return "https://idp.example.com/auth?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return nil, nil
}

func (m *mockOAuthProvider) UserInfo(ctx context.Context, accessToken string) (*OAuthUserInfo, error) {
	if m.userInfoFn != nil {
		return m.userInfoFn(ctx, accessToken)
	}
	return nil, nil
}

var _ OAuthProvider = (*mockOAuthProvider)(nil)

type recordingBroker struct {
	mu     sync.Mutex
	events []model.AuthEvent
}

func (b *recordingBroker) Publish(_ context.Context, ev model.AuthEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBroker) Subscribe(_ context.Context, _ string) (<-chan model.AuthEvent, func(), error) {
	ch := make(chan model.AuthEvent)
	return ch, func() {}, nil
}

func (b *recordingBroker) last() (model.AuthEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return model.AuthEvent{}, false
	}
	return b.events[len(b.events)-1], true
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

// lastToken は最後に送ったメールのリンクからトークンを取り出す。
func (m *recordingMailer) lastToken(t *testing.T) (to, token string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no mail was sent")
	}
	msg := m.sent[len(m.sent)-1]
	link := msg.Text[strings.LastIndex(msg.Text, "\n")+1:]
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("invalid link in mail: %v", err)
	}
	return msg.To, u.Query().Get("token")
}

type mockSignInRecorder struct {
	mu      sync.Mutex
	results []string
}

func (m *mockSignInRecorder) RecordSignIn(method, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, method+":"+result)
}
