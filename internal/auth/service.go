// Package auth はIdentity Provider側の認証フロー（パスワード・外部IdP・ワンタイムトークン）と
// セッション発行を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/satez/internal/event"
	"github.com/hitoshi/satez/internal/mail"
	"github.com/hitoshi/satez/internal/model"
	"github.com/hitoshi/satez/internal/repository"
	"github.com/hitoshi/satez/internal/validation"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	Name           string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダー名（URLの{provider}部分）を返す。
	Name() string
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
	// UserInfo はクライアントが取得済みのアクセストークンでユーザー情報を取得する。
	UserInfo(ctx context.Context, accessToken string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	AccessTokenTTL           time.Duration
	RefreshTokenTTL          time.Duration
	VerificationTokenTTL     time.Duration
	RequireEmailConfirmation bool
	// BaseURL は確認メールのリンク先。
	BaseURL string
}

// SignInRecorder はサインイン結果を記録する。
type SignInRecorder interface {
	RecordSignIn(method, result string)
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	providers   map[string]OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	tokenRepo   repository.VerificationTokenRepository
	profileRepo repository.ProfileRepository
	broker      event.Broker
	mailer      mail.Mailer
	validator   *validation.Validator
	recorder    SignInRecorder
	config      ServiceConfig
	now         func() time.Time
}

// Deps はServiceが依存するコンポーネント。
type Deps struct {
	Providers   []OAuthProvider
	UserRepo    repository.UserRepository
	IdentRepo   repository.IdentityRepository
	SessionRepo repository.SessionRepository
	TokenRepo   repository.VerificationTokenRepository
	ProfileRepo repository.ProfileRepository
	Broker      event.Broker
	Mailer      mail.Mailer
	Recorder    SignInRecorder
}

// NewService はServiceを生成する。
func NewService(deps Deps, config ServiceConfig) *Service {
	providers := make(map[string]OAuthProvider, len(deps.Providers))
	for _, p := range deps.Providers {
		providers[p.Name()] = p
	}
	return &Service{
		providers:   providers,
		userRepo:    deps.UserRepo,
		identRepo:   deps.IdentRepo,
		sessionRepo: deps.SessionRepo,
		tokenRepo:   deps.TokenRepo,
		profileRepo: deps.ProfileRepo,
		broker:      deps.Broker,
		mailer:      deps.Mailer,
		validator:   validation.New(),
		recorder:    deps.Recorder,
		config:      config,
		now:         time.Now,
	}
}

// SignUp はメールアドレスとパスワードでユーザーを登録する。
// メールアドレス確認が必要な設定では確認メールを送りnilセッションを返す。
// プロフィールはここでは作成しない（provisionワーカーが非同期に作成する）。
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*model.Session, error) {
	email = normalizeEmail(email)
	if err := s.validator.ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := s.validator.ValidatePassword(password); err != nil {
		return nil, err
	}
	displayName = strings.TrimSpace(displayName)
	if len([]rune(displayName)) > 100 {
		return nil, model.NewValidationError("display_name: 100文字以下で入力してください")
	}

	existing, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		return nil, model.NewEmailTakenError()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := s.now()
	user := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         displayName,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !s.config.RequireEmailConfirmation {
		user.EmailConfirmedAt = &now
	}
	identity := &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       model.ProviderEmail,
		ProviderUserID: email,
		CreatedAt:      now,
	}

	if err := s.userRepo.CreateWithIdentity(ctx, user, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user signed up",
		slog.String("user_id", user.ID),
		slog.String("provider", model.ProviderEmail),
	)

	if s.config.RequireEmailConfirmation {
		if err := s.sendVerification(ctx, user.ID, email, model.VerificationSignup, ""); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return s.createSession(ctx, user)
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
// 存在しないメールアドレスとパスワード不一致は区別しない。
func (s *Service) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	session, err := s.signInWithPassword(ctx, normalizeEmail(email), password)
	s.record(model.ProviderEmail, err)
	return session, err
}

func (s *Service) signInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	if email == "" || password == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil || len(user.PasswordHash) == 0 {
		return nil, model.NewInvalidCredentialsError()
	}

	if err := bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}

	if s.config.RequireEmailConfirmation && !user.EmailConfirmed() {
		return nil, model.NewEmailNotConfirmedError()
	}

	return s.createSession(ctx, user)
}

// Refresh はリフレッシュトークンで新しいセッションを発行する。
// 古いセッションは削除する（リフレッシュトークンのローテーション）。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, model.NewInvalidTokenError()
	}

	old, err := s.sessionRepo.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to find session by refresh token: %w", err)
	}
	if old == nil {
		return nil, model.NewInvalidTokenError()
	}

	if err := s.sessionRepo.DeleteByID(ctx, old.ID); err != nil {
		return nil, fmt.Errorf("failed to delete refreshed session: %w", err)
	}

	user := &model.User{ID: old.UserID, Email: old.Email, Name: old.DisplayName}
	session, err := s.createSession(ctx, user)
	if err != nil {
		return nil, err
	}

	slog.Debug("session refreshed", slog.String("user_id", old.UserID))
	return session, nil
}

// GetLoginURL は指定プロバイダーのOAuth認証URLを生成する。
func (s *Service) GetLoginURL(provider, state string) (string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return "", model.NewUnknownProviderError(provider)
	}
	return p.GetLoginURL(state), nil
}

// HandleCallback はOAuthコールバックの認可コードを処理し、セッションを発行する。
func (s *Service) HandleCallback(ctx context.Context, provider, code string) (*model.Session, error) {
	session, err := s.handleCallback(ctx, provider, code)
	s.record(provider, err)
	return session, err
}

func (s *Service) handleCallback(ctx context.Context, provider, code string) (*model.Session, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, model.NewUnknownProviderError(provider)
	}
	if code == "" {
		return nil, model.NewValidationError("code: 必須項目です")
	}

	info, err := p.ExchangeCode(ctx, code)
	if err != nil {
		slog.Warn("oauth code exchange failed",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInvalidCredentialsError()
	}

	return s.signInFederated(ctx, info)
}

// SignInWithProviderToken はクライアントが外部IdPから取得したアクセストークンでサインインする。
func (s *Service) SignInWithProviderToken(ctx context.Context, provider, accessToken string) (*model.Session, error) {
	session, err := s.signInWithProviderToken(ctx, provider, accessToken)
	s.record(provider, err)
	return session, err
}

func (s *Service) signInWithProviderToken(ctx context.Context, provider, accessToken string) (*model.Session, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, model.NewUnknownProviderError(provider)
	}
	if accessToken == "" {
		return nil, model.NewValidationError("id_token: 必須項目です")
	}

	info, err := p.UserInfo(ctx, accessToken)
	if err != nil {
		slog.Warn("provider token rejected",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInvalidCredentialsError()
	}

	return s.signInFederated(ctx, info)
}

// signInFederated は外部IdPのユーザー情報からユーザーを特定または作成し、セッションを発行する。
// identityが未登録で同じメールアドレスのユーザーがいる場合はidentityを紐付ける。
func (s *Service) signInFederated(ctx context.Context, info *OAuthUserInfo) (*model.Session, error) {
	identity, err := s.identRepo.FindByProviderAndProviderUserID(ctx, info.Provider, info.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if identity != nil {
		user, err := s.userRepo.FindByID(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to find user: %w", err)
		}
		if user == nil {
			return nil, model.NewUserNotFoundError()
		}
		slog.Info("existing user logged in",
			slog.String("user_id", user.ID),
			slog.String("provider", info.Provider),
		)
		return s.createSession(ctx, user)
	}

	email := normalizeEmail(info.Email)
	now := s.now()

	if email != "" && info.EmailVerified {
		user, err := s.userRepo.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to find user by email: %w", err)
		}
		if user != nil {
			link := &model.Identity{
				ID:             uuid.New().String(),
				UserID:         user.ID,
				Provider:       info.Provider,
				ProviderUserID: info.ProviderUserID,
				CreatedAt:      now,
			}
			if err := s.identRepo.Create(ctx, link); err != nil {
				return nil, fmt.Errorf("failed to link identity: %w", err)
			}
			if !user.EmailConfirmed() {
				if err := s.userRepo.ConfirmEmail(ctx, user.ID, now); err != nil {
					return nil, fmt.Errorf("failed to confirm email: %w", err)
				}
			}
			slog.Info("identity linked to existing user",
				slog.String("user_id", user.ID),
				slog.String("provider", info.Provider),
			)
			return s.createSession(ctx, user)
		}
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		Name:      info.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if info.EmailVerified {
		user.EmailConfirmedAt = &now
	}
	identity = &model.Identity{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		CreatedAt:      now,
	}

	if err := s.userRepo.CreateWithIdentity(ctx, user, identity); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewEmailTakenError()
		}
		return nil, fmt.Errorf("failed to create user and identity: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("provider", info.Provider),
	)
	return s.createSession(ctx, user)
}

// Authenticate はアクセストークンから有効なセッションを取得する。
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*model.Session, error) {
	if accessToken == "" {
		return nil, model.NewNotAuthenticatedError()
	}

	session, err := s.sessionRepo.FindByID(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewNotAuthenticatedError()
	}
	return session, nil
}

// Logout はセッションを破棄し、そのセッションへsigned_outを通知する。
func (s *Service) Logout(ctx context.Context, session *model.Session) error {
	if session == nil || session.ID == "" {
		return model.NewNotAuthenticatedError()
	}

	if err := s.sessionRepo.DeleteByID(ctx, session.ID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	s.publish(ctx, model.AuthEvent{
		Type:      model.EventSignedOut,
		UserID:    session.UserID,
		SessionID: session.ID,
	})

	slog.Info("user logged out", slog.String("user_id", session.UserID))
	return nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, session *model.Session) (*model.User, error) {
	if session == nil {
		return nil, model.NewNotAuthenticatedError()
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	return user, nil
}

// UpdateEmail はメールアドレス変更の確認メールを新しいアドレスへ送る。
// 確認リンクが開かれるまでメールアドレスは変更しない。
func (s *Service) UpdateEmail(ctx context.Context, session *model.Session, newEmail string) error {
	if session == nil {
		return model.NewNotAuthenticatedError()
	}
	newEmail = normalizeEmail(newEmail)
	if err := s.validator.ValidateEmail(newEmail); err != nil {
		return err
	}

	existing, err := s.userRepo.FindByEmail(ctx, newEmail)
	if err != nil {
		return fmt.Errorf("failed to find user by email: %w", err)
	}
	if existing != nil {
		if existing.ID == session.UserID {
			return nil
		}
		return model.NewEmailTakenError()
	}

	return s.sendVerification(ctx, session.UserID, newEmail, model.VerificationEmailChange, newEmail)
}

// UpdatePassword はパスワードを変更し、現在のセッション以外を失効させる。
func (s *Service) UpdatePassword(ctx context.Context, session *model.Session, password string) error {
	if session == nil {
		return model.NewNotAuthenticatedError()
	}
	if err := s.validator.ValidatePassword(password); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.userRepo.UpdatePasswordHash(ctx, session.UserID, hash); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	revoked, err := s.sessionRepo.DeleteByUserIDExcept(ctx, session.UserID, session.ID)
	if err != nil {
		return fmt.Errorf("failed to revoke other sessions: %w", err)
	}

	s.publish(ctx, model.AuthEvent{
		Type:            model.EventSignedOut,
		UserID:          session.UserID,
		ExceptSessionID: session.ID,
	})

	slog.Info("password updated",
		slog.String("user_id", session.UserID),
		slog.Int64("revoked_sessions", revoked),
	)
	return nil
}

// RequestPasswordReset はパスワード再設定メールを送る。
// 未登録のメールアドレスでも成功を返し、登録有無を明かさない。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := s.validator.ValidateEmail(email); err != nil {
		return err
	}

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to find user by email: %w", err)
	}
	if user == nil {
		slog.Info("password reset requested for unknown email")
		return nil
	}

	return s.sendVerification(ctx, user.ID, user.Email, model.VerificationRecovery, "")
}

// Verify はメールで送ったワンタイムトークンを検証し、種別ごとの処理を行う。
// signupとrecoveryは成功時にセッションを発行する。email_changeはnilセッションを返す。
func (s *Service) Verify(ctx context.Context, kind model.VerificationKind, token, password string) (*model.Session, error) {
	switch kind {
	case model.VerificationSignup, model.VerificationEmailChange:
	case model.VerificationRecovery:
		if err := s.validator.ValidatePassword(password); err != nil {
			return nil, err
		}
	default:
		return nil, model.NewValidationError("type: signup, email_change, recovery のいずれかを指定してください")
	}
	if token == "" {
		return nil, model.NewInvalidTokenError()
	}

	vt, err := s.tokenRepo.Consume(ctx, hashToken(token), kind)
	if err != nil {
		return nil, fmt.Errorf("failed to consume verification token: %w", err)
	}
	if vt == nil {
		return nil, model.NewInvalidTokenError()
	}

	user, err := s.userRepo.FindByID(ctx, vt.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	now := s.now()
	switch kind {
	case model.VerificationSignup:
		if err := s.userRepo.ConfirmEmail(ctx, user.ID, now); err != nil {
			return nil, fmt.Errorf("failed to confirm email: %w", err)
		}
		slog.Info("email confirmed", slog.String("user_id", user.ID))
		return s.createSession(ctx, user)

	case model.VerificationEmailChange:
		if err := s.userRepo.UpdateEmail(ctx, user.ID, vt.Payload); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, model.NewEmailTakenError()
			}
			return nil, fmt.Errorf("failed to update email: %w", err)
		}
		s.syncProfileEmail(ctx, user.ID, vt.Payload)
		s.publish(ctx, model.AuthEvent{
			Type:   model.EventProfileSourceUpdated,
			UserID: user.ID,
		})
		slog.Info("email changed", slog.String("user_id", user.ID))
		return nil, nil

	default:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		if err := s.userRepo.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
			return nil, fmt.Errorf("failed to update password: %w", err)
		}
		// メールのリンクを開けたので確認済みとして扱う
		if !user.EmailConfirmed() {
			if err := s.userRepo.ConfirmEmail(ctx, user.ID, now); err != nil {
				return nil, fmt.Errorf("failed to confirm email: %w", err)
			}
		}
		if err := s.sessionRepo.DeleteByUserID(ctx, user.ID); err != nil {
			return nil, fmt.Errorf("failed to revoke sessions: %w", err)
		}
		s.publish(ctx, model.AuthEvent{
			Type:   model.EventSignedOut,
			UserID: user.ID,
		})
		slog.Info("password reset", slog.String("user_id", user.ID))
		return s.createSession(ctx, user)
	}
}

var errNoProfile = errors.New("profile not provisioned")

// syncProfileEmail はプロフィールのメールアドレスを認証側に合わせる。
// プロフィール未作成の場合はprovisionワーカーに任せる。
func (s *Service) syncProfileEmail(ctx context.Context, userID, email string) {
	if s.profileRepo == nil {
		return
	}
	_, err := s.profileRepo.Update(ctx, userID, func(current *model.Profile) (*model.Profile, error) {
		if current == nil {
			return nil, errNoProfile
		}
		next := current.Clone()
		next.Email = email
		next.UpdatedAt = s.now()
		return &next, nil
	})
	if err != nil && !errors.Is(err, errNoProfile) {
		slog.Warn("failed to sync profile email",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// sendVerification はワンタイムトークンを保存し、メールで送る。
// DBにはトークンのハッシュのみを保存する。
func (s *Service) sendVerification(ctx context.Context, userID, to string, kind model.VerificationKind, payload string) error {
	raw, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate verification token: %w", err)
	}

	now := s.now()
	vt := &model.VerificationToken{
		Token:     hashToken(raw),
		UserID:    userID,
		Kind:      kind,
		Payload:   payload,
		ExpiresAt: now.Add(s.config.VerificationTokenTTL),
		CreatedAt: now,
	}
	if err := s.tokenRepo.Create(ctx, vt); err != nil {
		return fmt.Errorf("failed to save verification token: %w", err)
	}

	msg := mail.VerificationMessage(s.config.BaseURL, to, kind, raw)
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send %s mail: %w", kind, err)
	}
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, user *model.User) (*model.Session, error) {
	accessToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate access token: %w", err)
	}
	refreshToken, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := s.now()
	session := &model.Session{
		ID:           accessToken,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.Name,
		RefreshToken: refreshToken,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.config.AccessTokenTTL),
	}

	if err := s.sessionRepo.Create(ctx, session, now.Add(s.config.RefreshTokenTTL)); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// publish はイベントを配信する。配信失敗は呼び出し元の処理を失敗させない。
func (s *Service) publish(ctx context.Context, ev model.AuthEvent) {
	if s.broker == nil {
		return
	}
	if err := s.broker.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish auth event",
			slog.String("event_type", string(ev.Type)),
			slog.String("user_id", ev.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) record(method string, err error) {
	if s.recorder == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failed"
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			result = strings.ToLower(apiErr.Code)
		}
	}
	s.recorder.RecordSignIn(method, result)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateToken は暗号的に安全なトークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
