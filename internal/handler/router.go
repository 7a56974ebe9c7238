package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/satez/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger
	RequestRecorder   middleware.RequestRecorder

	// 認証
	AuthService AuthServiceInterface
	UserService UserServiceInterface
	Events      EventSubscriber

	// プロフィール
	ProfileService ProfileServiceInterface

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Recovery → SecurityHeaders → CORS → Logging
//	  → 認証エンドポイント: RateLimit(Auth)
//	  → 認証必須エンドポイント: Auth → RateLimit(General)
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.RequestRecorder))

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	profileHandler := NewProfileHandler(deps.ProfileService)
	eventsHandler := NewEventsHandler(deps.Events)

	// --- 運用エンドポイント ---
	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		// --- 認証不要のルート（IP単位のレート制限） ---
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())

			r.Post("/signup", authHandler.SignUp)
			r.Post("/token", authHandler.Token)
			r.Get("/{provider}/authorize", authHandler.Authorize)
			r.Post("/{provider}/callback", authHandler.Callback)
			r.Post("/recover", authHandler.Recover)
			r.Post("/verify", authHandler.Verify)
		})

		// --- 認証が必要なルート ---
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.Authenticator))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Post("/logout", authHandler.Logout)
			r.Get("/user", authHandler.GetUser)
			r.Put("/user", authHandler.UpdateUser)
			r.Delete("/user", userHandler.Withdraw)
			r.Get("/events", eventsHandler.Stream)
		})
	})

	// --- プロフィール ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Authenticator))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/profiles/{id}", func(r chi.Router) {
			r.Get("/", profileHandler.GetProfile)
			r.Patch("/", profileHandler.PatchProfile)
		})
	})

	return r
}
