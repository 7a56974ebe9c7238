package remote

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/hitoshi/satez/internal/model"
	"github.com/hitoshi/satez/internal/signin"
)

// サインイン戦略のID。
const (
	StrategyGooglePKCE   = "google-pkce"
	StrategyGoogleServer = "google-server"
)

// ErrAuthorizationCancelled はユーザーが認可を中断したことを表す。
var ErrAuthorizationCancelled = errors.New("ユーザーが認可を中断しました")

// Authorizer は認可URLをユーザーに提示し、リダイレクト先のURLまたは認可コードを受け取る。
// 空の応答はキャンセルとして扱う。
type Authorizer interface {
	Authorize(ctx context.Context, authURL string) (string, error)
}

// PromptAuthorizer は端末で認可URLを表示し、リダイレクト先のURLを1行読み取る。
// 読み取りは1つのbufio.Readerを通して行い、中断されたプロンプトへの入力は次のプロンプトが受け取る。
type PromptAuthorizer struct {
	In  io.Reader
	Out io.Writer

	mu      sync.Mutex
	reader  *bufio.Reader
	pending chan promptLine
}

type promptLine struct {
	text string
	err  error
}

// Authorize は認可URLを表示し、ユーザーの入力を返す。
func (a *PromptAuthorizer) Authorize(ctx context.Context, authURL string) (string, error) {
	fmt.Fprintf(a.Out, "ブラウザで次のURLを開いて認可してください:\n%s\n", authURL)
	fmt.Fprint(a.Out, "リダイレクト先のURL（中断する場合は空のまま Enter）: ")

	lines := a.readLine()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-lines:
		a.mu.Lock()
		a.pending = nil
		a.mu.Unlock()
		return l.text, l.err
	}
}

// readLine は1行の読み取りを開始する。前回のプロンプトが中断されて読み取りが残っている場合はそれを引き継ぐ。
func (a *PromptAuthorizer) readLine() <-chan promptLine {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending != nil {
		return a.pending
	}
	if a.reader == nil {
		a.reader = bufio.NewReader(a.In)
	}

	ch := make(chan promptLine, 1)
	a.pending = ch
	reader := a.reader
	go func() {
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			ch <- promptLine{err: fmt.Errorf("認可の入力の読み取りに失敗しました: %w", err)}
			return
		}
		ch <- promptLine{text: strings.TrimSpace(line)}
	}()
	return ch
}

// PKCEConfig はPKCE戦略の設定。AuthURLとTokenURLはテスト用に差し替えられる。
type PKCEConfig struct {
	ClientID    string
	RedirectURL string
	AuthURL     string
	TokenURL    string
}

// PKCEStrategy はクライアント側でPKCEによる認可コード交換を行い、
// 得たアクセストークンをバックエンドへ渡してサインインする。
type PKCEStrategy struct {
	client     *Client
	authorizer Authorizer
	oauth      *oauth2.Config
}

// NewPKCEStrategy はPKCE戦略を生成する。
func NewPKCEStrategy(client *Client, authorizer Authorizer, cfg PKCEConfig) *PKCEStrategy {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	return &PKCEStrategy{
		client:     client,
		authorizer: authorizer,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURL,
			Endpoint:    endpoint,
			Scopes:      []string{"openid", "email", "profile"},
		},
	}
}

// ID は戦略IDを返す。
func (s *PKCEStrategy) ID() string { return StrategyGooglePKCE }

// Attempt はPKCEでサインインを試みる。
func (s *PKCEStrategy) Attempt(ctx context.Context) model.SignInAttempt {
	if s.oauth.ClientID == "" {
		return model.Failed(s.ID(), errors.New("GoogleのクライアントIDが設定されていません"))
	}

	state, err := randomState()
	if err != nil {
		return model.Failed(s.ID(), err)
	}
	verifier := oauth2.GenerateVerifier()
	authURL := s.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	code, err := authorize(ctx, s.authorizer, authURL, state)
	if errors.Is(err, ErrAuthorizationCancelled) {
		return model.Cancelled(s.ID())
	}
	if err != nil {
		return model.Failed(s.ID(), err)
	}

	token, err := s.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return model.Failed(s.ID(), fmt.Errorf("トークンの交換に失敗しました: %w", err))
	}

	sess, err := s.client.SignInWithProviderToken(ctx, model.ProviderGoogle, token.AccessToken)
	if err != nil {
		return model.Failed(s.ID(), err)
	}
	return model.Succeeded(s.ID(), sess)
}

// ServerStrategy は認可URLの生成とコード交換をバックエンドに任せる。
type ServerStrategy struct {
	client     *Client
	authorizer Authorizer
	provider   string
}

// NewServerStrategy はサーバー側コード交換の戦略を生成する。
func NewServerStrategy(client *Client, authorizer Authorizer) *ServerStrategy {
	return &ServerStrategy{client: client, authorizer: authorizer, provider: model.ProviderGoogle}
}

// ID は戦略IDを返す。
func (s *ServerStrategy) ID() string { return StrategyGoogleServer }

// Attempt はバックエンド経由でサインインを試みる。
func (s *ServerStrategy) Attempt(ctx context.Context) model.SignInAttempt {
	state, err := randomState()
	if err != nil {
		return model.Failed(s.ID(), err)
	}

	authURL, state, err := s.client.AuthorizeURL(ctx, s.provider, state)
	if err != nil {
		return model.Failed(s.ID(), err)
	}

	code, err := authorize(ctx, s.authorizer, authURL, state)
	if errors.Is(err, ErrAuthorizationCancelled) {
		return model.Cancelled(s.ID())
	}
	if err != nil {
		return model.Failed(s.ID(), err)
	}

	sess, err := s.client.ExchangeCallback(ctx, s.provider, code)
	if err != nil {
		return model.Failed(s.ID(), err)
	}
	return model.Succeeded(s.ID(), sess)
}

// Strategies は登録済みの戦略をIDで引ける形で返す。
func Strategies(client *Client, authorizer Authorizer, pkce PKCEConfig) map[string]signin.Strategy {
	return map[string]signin.Strategy{
		StrategyGooglePKCE:   NewPKCEStrategy(client, authorizer, pkce),
		StrategyGoogleServer: NewServerStrategy(client, authorizer),
	}
}

// authorize はAuthorizerの応答から認可コードを取り出す。
// 空の応答とaccess_deniedはキャンセル、stateの不一致はエラーとする。
func authorize(ctx context.Context, a Authorizer, authURL, state string) (string, error) {
	answer, err := a.Authorize(ctx, authURL)
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", ErrAuthorizationCancelled
	}

	u, err := url.Parse(answer)
	if err != nil || u.RawQuery == "" {
		// URLでなければ認可コードそのものとみなす
		return answer, nil
	}

	q := u.Query()
	if e := q.Get("error"); e != "" {
		if e == "access_denied" {
			return "", ErrAuthorizationCancelled
		}
		return "", fmt.Errorf("認可に失敗しました: %s", e)
	}
	if got := q.Get("state"); got != "" && got != state {
		return "", errors.New("認可のstateが一致しません")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("リダイレクト先のURLに認可コードがありません")
	}
	return code, nil
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
