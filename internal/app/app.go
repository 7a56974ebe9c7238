package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/satez/internal/auth"
	"github.com/hitoshi/satez/internal/config"
	"github.com/hitoshi/satez/internal/database"
	"github.com/hitoshi/satez/internal/event"
	"github.com/hitoshi/satez/internal/handler"
	"github.com/hitoshi/satez/internal/logger"
	"github.com/hitoshi/satez/internal/mail"
	"github.com/hitoshi/satez/internal/metrics"
	"github.com/hitoshi/satez/internal/middleware"
	"github.com/hitoshi/satez/internal/profile"
	"github.com/hitoshi/satez/internal/repository"
	"github.com/hitoshi/satez/internal/security"
	"github.com/hitoshi/satez/internal/user"
	"github.com/hitoshi/satez/internal/worker/cleanup"
	"github.com/hitoshi/satez/internal/worker/provision"
)

const appName = "SATez"

// loadDotEnv は開発用の.envファイルがあれば環境変数へ読み込む。
// 既に設定済みの環境変数は上書きしない。
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// InitClient はclientサブコマンド用の初期化を行う。
func InitClient(w io.Writer) (*config.ClientConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	if cmd == CommandClient {
		cfg, err := InitClient(w)
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runClient(ctx, cfg, args[1:], os.Stdin, os.Stdout)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newBroker はREDIS_URLが設定されていればRedis、なければプロセス内のBrokerを返す。
func newBroker(ctx context.Context, cfg *config.Config) (event.Broker, func(), error) {
	if cfg.RedisURL == "" {
		slog.Info("using in-memory event broker")
		return event.NewMemoryBroker(), func() {}, nil
	}

	b, err := event.NewRedisBroker(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("using redis event broker")
	return b, func() {
		if err := b.Close(); err != nil {
			slog.Warn("failed to close redis broker", slog.String("error", err.Error()))
		}
	}, nil
}

// newMailer はSENDGRID_API_KEYが設定されていればSendGrid、なければログ出力のMailerを返す。
func newMailer(cfg *config.Config) mail.Mailer {
	if cfg.SendGridAPIKey == "" {
		slog.Warn("SENDGRID_API_KEY is not set; verification mail is written to the log")
		return mail.NewLogMailer(slog.Default())
	}
	return mail.NewSendGridMailer(cfg.SendGridAPIKey, appName, cfg.MailFrom)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	tokenRepo := repository.NewPostgresVerificationTokenRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)

	// 4. イベント配信とメール
	broker, closeBroker, err := newBroker(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to set up event broker: %w", err)
	}
	defer closeBroker()
	broker = event.Instrumented(broker, collector)

	mailer := newMailer(cfg)

	// 5. ドメインサービスの初期化
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(auth.Deps{
		Providers:   []auth.OAuthProvider{oauthProvider},
		UserRepo:    userRepo,
		IdentRepo:   identRepo,
		SessionRepo: sessionRepo,
		TokenRepo:   tokenRepo,
		ProfileRepo: profileRepo,
		Broker:      broker,
		Mailer:      mailer,
		Recorder:    collector,
	}, auth.ServiceConfig{
		AccessTokenTTL:           cfg.AccessTokenTTL,
		RefreshTokenTTL:          cfg.RefreshTokenTTL,
		VerificationTokenTTL:     cfg.VerificationTokenTTL,
		RequireEmailConfirmation: cfg.RequireEmailConfirmation,
		BaseURL:                  cfg.BaseURL,
	})

	profileService := profile.NewService(
		profileRepo,
		security.NewTextSanitizer(),
		security.NewAvatarGuard(cfg.AvatarCheckTimeout),
		broker,
	)
	userService := user.NewService(userRepo, sessionRepo, broker)

	// 6. ルーターの構築
	// configのレート制限はreq/min単位
	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitAuth),
	)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator:     authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		RequestRecorder:   collector,

		AuthService: authService,
		UserService: userService,
		Events:      broker,

		ProfileService: profileService,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),
	})

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// /auth/events は長時間接続のため書き込みタイムアウトを設定しない
		IdleTimeout: 60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れデータのクリーンアップと、プロフィール未作成ユーザーへのプロフィール作成を定期実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := database.Ping(context.Background(), db, 5*time.Second); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	tokenRepo := repository.NewPostgresVerificationTokenRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)

	// 3. ジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(slog.Default(),
		cleanup.Target{Name: "sessions", Deleter: sessionRepo},
		cleanup.Target{Name: "verification_tokens", Deleter: tokenRepo},
	)
	provisioner := provision.NewProvisioner(userRepo, profileRepo, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("provision_interval", cfg.ProvisionInterval),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		cleanupJob.Start(ctx, cfg.CleanupInterval)
	}()

	// プロフィール作成はメインgoroutineで実行（ブロッキング）
	provisioner.Start(ctx, cfg.ProvisionInterval)
	<-done

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
