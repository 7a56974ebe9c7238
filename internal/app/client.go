package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/satez/internal/client"
	"github.com/hitoshi/satez/internal/config"
	"github.com/hitoshi/satez/internal/metrics"
	"github.com/hitoshi/satez/internal/model"
	"github.com/hitoshi/satez/internal/navigator"
	"github.com/hitoshi/satez/internal/remote"
	"github.com/hitoshi/satez/internal/signin"
)

// errUsage はclientサブコマンドの引数が不正なことを表す。
var errUsage = errors.New(`usage: satez client [status | signin EMAIL | signup EMAIL | signin-google | signout |
  profile [FIELD=VALUE | -FIELD ...] | update-email EMAIL | update-password |
  reset-password EMAIL | verify TYPE TOKEN | withdraw | watch]`)

// clientRuntime はclientサブコマンド1回分の依存をまとめる。
type clientRuntime struct {
	api     *remote.Client
	manager *client.Manager
	nav     *navigator.Navigator
	in      *bufio.Reader
	out     io.Writer

	registry *prometheus.Registry
}

func newClientRuntime(cfg *config.ClientConfig, in io.Reader, out io.Writer) (*clientRuntime, error) {
	rt := &clientRuntime{in: bufio.NewReader(in), out: out}

	// メトリクスはアドレスが指定された場合のみ収集する
	var (
		attempts signin.AttemptRecorder
		recorder client.Recorder
	)
	if cfg.MetricsAddr != "" {
		rt.registry = prometheus.NewRegistry()
		collector := metrics.NewCollector(rt.registry)
		attempts, recorder = collector, collector
	}

	rt.api = remote.NewClient(remote.Options{
		BaseURL:       cfg.APIURL,
		HTTPClient:    &http.Client{Timeout: cfg.RequestTimeout},
		Cache:         remote.NewTokenCache(cfg.TokenCachePath),
		Logger:        slog.Default(),
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
	})

	strategies := remote.Strategies(rt.api, &remote.PromptAuthorizer{In: rt.in, Out: out}, remote.PKCEConfig{
		ClientID:    cfg.GoogleClientID,
		RedirectURL: cfg.GoogleRedirectURL,
	})
	chain, err := signin.Build(cfg.SignInStrategies, strategies, slog.Default(), attempts)
	if err != nil {
		return nil, fmt.Errorf("invalid sign-in strategies: %w", err)
	}

	rt.manager = client.NewManager(client.Deps{
		Provider: rt.api,
		Profiles: rt.api,
		Chain:    chain,
		Metrics:  recorder,
		Logger:   slog.Default(),
	})
	rt.nav = navigator.New(func(r navigator.Route) {
		fmt.Fprintf(out, "navigate: %s\n", r)
	}, slog.Default())

	return rt, nil
}

// runClient はclientサブコマンドの操作を1つ実行する。
func runClient(ctx context.Context, cfg *config.ClientConfig, args []string, in io.Reader, out io.Writer) error {
	action, rest, ok := ParseClientAction(args)
	if !ok {
		return errUsage
	}

	out = &lockedWriter{w: out}
	rt, err := newClientRuntime(cfg, in, out)
	if err != nil {
		return err
	}
	defer rt.manager.Close()

	if rt.registry != nil {
		stopMetrics := serveClientMetrics(cfg.MetricsAddr, rt.registry)
		defer stopMetrics()
	}

	detach := rt.nav.Attach(rt.manager)
	defer detach()

	if err := rt.manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	if err := rt.run(ctx, action, rest); err != nil {
		return err
	}
	if err := rt.manager.WaitIdle(ctx); err != nil {
		return err
	}
	printSnapshot(out, rt.manager.Snapshot())
	return nil
}

func (rt *clientRuntime) run(ctx context.Context, action ClientAction, args []string) error {
	m := rt.manager

	switch action {
	case ActionStatus:
		return nil

	case ActionSignIn:
		password, err := rt.prompt("password: ")
		if err != nil {
			return err
		}
		return m.SignIn(ctx, args[0], password)

	case ActionSignUp:
		password, err := rt.prompt("password: ")
		if err != nil {
			return err
		}
		pending, err := m.SignUp(ctx, args[0], password)
		if err != nil {
			return err
		}
		if pending {
			fmt.Fprintf(rt.out, "確認メールを %s に送信しました。リンクを開いてから `satez client verify signup TOKEN` を実行してください。\n", args[0])
		}
		return nil

	case ActionSignInGoogle:
		result, err := m.SignInFederated(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(rt.out, "sign-in: %s\n", result)
		return nil

	case ActionSignOut:
		return m.SignOut(ctx)

	case ActionProfile:
		if len(args) == 0 {
			return m.RefreshProfile(ctx)
		}
		patch, err := parsePatch(args)
		if err != nil {
			return err
		}
		return m.UpdateProfile(ctx, patch)

	case ActionUpdateEmail:
		if err := m.UpdateEmail(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(rt.out, "確認メールを %s に送信しました。\n", args[0])
		return nil

	case ActionUpdatePassword:
		password, err := rt.prompt("new password: ")
		if err != nil {
			return err
		}
		return m.UpdatePassword(ctx, password)

	case ActionResetPassword:
		if err := m.RequestPasswordReset(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(rt.out, "パスワード再設定メールを送信しました。")
		return nil

	case ActionVerify:
		kind := model.VerificationKind(args[0])
		var password string
		if kind == model.VerificationRecovery {
			p, err := rt.prompt("new password: ")
			if err != nil {
				return err
			}
			password = p
		}
		_, err := rt.api.Verify(ctx, kind, args[1], password)
		return err

	case ActionWithdraw:
		return rt.api.Withdraw(ctx)

	case ActionWatch:
		return rt.watch(ctx)

	default:
		return errUsage
	}
}

// watch は中断されるまで状態の変化を出力する。
func (rt *clientRuntime) watch(ctx context.Context) error {
	cancel := rt.manager.Subscribe(func(s client.Snapshot) {
		if !s.IsLoading {
			printSnapshot(rt.out, s)
		}
	})
	defer cancel()

	<-ctx.Done()
	return nil
}

// lockedWriter はナビゲーションと操作結果の出力を直列化する。
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// prompt はプロンプトを表示して1行読み取る。
func (rt *clientRuntime) prompt(label string) (string, error) {
	fmt.Fprint(rt.out, label)
	line, err := rt.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// serveClientMetrics はクライアントのメトリクスをPrometheus形式で公開し、停止関数を返す。
func serveClientMetrics(addr string, registry *prometheus.Registry) func() {
	server := &http.Server{
		Addr:              addr,
		Handler:           metrics.SetupMetricsRoute(registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
}

// parsePatch は FIELD=VALUE と -FIELD の並びをプロフィールパッチへ変換する。
func parsePatch(args []string) (model.ProfilePatch, error) {
	var patch model.ProfilePatch

	for _, arg := range args {
		if name, ok := strings.CutPrefix(arg, "-"); ok {
			field, err := profileField(name)
			if err != nil {
				return model.ProfilePatch{}, err
			}
			patch.Clear = append(patch.Clear, field)
			continue
		}

		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return model.ProfilePatch{}, fmt.Errorf("invalid profile argument %q: expected FIELD=VALUE or -FIELD", arg)
		}
		field, err := profileField(name)
		if err != nil {
			return model.ProfilePatch{}, err
		}

		switch field {
		case model.FieldDisplayName:
			patch.DisplayName = &value
		case model.FieldAvatarRef:
			patch.AvatarRef = &value
		case model.FieldSchool:
			patch.School = &value
		case model.FieldGrade, model.FieldTargetScore:
			n, err := strconv.Atoi(value)
			if err != nil {
				return model.ProfilePatch{}, fmt.Errorf("%s must be a number: %q", field, value)
			}
			if field == model.FieldGrade {
				patch.Grade = &n
			} else {
				patch.TargetScore = &n
			}
		}
	}
	return patch, nil
}

func profileField(name string) (model.ProfileField, error) {
	switch f := model.ProfileField(name); f {
	case model.FieldDisplayName, model.FieldAvatarRef, model.FieldSchool, model.FieldGrade, model.FieldTargetScore:
		return f, nil
	default:
		return "", fmt.Errorf("unknown profile field %q", name)
	}
}

// printSnapshot は状態を人が読める形で出力する。
func printSnapshot(w io.Writer, s client.Snapshot) {
	fmt.Fprintf(w, "state: %s\n", s.State)
	if s.Session != nil {
		fmt.Fprintf(w, "user: %s <%s>\n", s.Session.UserID, s.Session.Email)
	}
	if p := s.Profile; p != nil {
		fmt.Fprintf(w, "profile (%s): display_name=%q school=%s grade=%s target_score=%s\n",
			s.ProfileSource, p.DisplayName, optString(p.School), optInt(p.Grade), optInt(p.TargetScore))
		fmt.Fprintf(w, "onboarding: %s\n", s.Completion)
	}
	if s.ProfileErr != nil {
		fmt.Fprintf(w, "profile error: %v\n", s.ProfileErr)
	}
}

func optString(s *string) string {
	if s == nil {
		return "-"
	}
	return strconv.Quote(*s)
}

func optInt(i *int) string {
	if i == nil {
		return "-"
	}
	return strconv.Itoa(*i)
}
