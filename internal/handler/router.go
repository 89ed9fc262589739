package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/instagallery/internal/database"
	"github.com/hitoshi/instagallery/internal/metrics"
	"github.com/hitoshi/instagallery/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionFinder      middleware.SessionFinder
	CORSAllowedOrigins string
	RateLimiter        *middleware.RateLimiter
	CSRF               middleware.CSRFConfig
	AdminUserIDs       []string

	// サービス
	AccountService AccountServiceInterface
	PostService    PostServiceInterface
	OAuth          OAuthHandlerConfig

	// nilの場合は管理用ジョブAPIを公開しない
	Jobs JobRunner

	// nilの場合はヘルスチェックでDBを確認しない
	DB database.Pinger
	// nilの場合は/metricsを公開しない
	Gatherer prometheus.Gatherer
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS
//	  → Session → CSRF → RateLimit(General) [→ RateLimit(Publish) | Admin]
//
// /health と /metrics はセッション不要。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))

	accountHandler := NewAccountHandler(deps.AccountService, logger)
	postHandler := NewPostHandler(deps.PostService, logger)
	oauthHandler := NewOAuthHandler(deps.AccountService, deps.OAuth, logger)

	// --- 認証不要のルート ---
	r.Get("/health", HealthHandler(deps.DB, logger))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder, logger))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF, logger))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF, logger))

		// Instagram連携フロー
		r.Route("/auth/instagram", func(r chi.Router) {
			r.Get("/login", oauthHandler.Login)
			r.Get("/callback", oauthHandler.Callback)
		})

		// 連携アカウント管理
		r.Route("/api/accounts", func(r chi.Router) {
			r.Get("/", accountHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", accountHandler.Disconnect)
				r.Put("/default", accountHandler.SetDefault)
				r.Post("/revoke", accountHandler.Revoke)
			})
		})

		// POST /api/posts - 投稿公開（公開専用レート制限を追加）
		r.With(deps.RateLimiter.PublishMiddleware()).Post("/api/posts", postHandler.Publish)

		// 管理用ジョブAPI
		if deps.Jobs != nil {
			jobsHandler := NewJobsHandler(deps.Jobs, logger)
			r.Route("/api/admin/jobs", func(r chi.Router) {
				r.Use(middleware.NewAdminMiddleware(deps.AdminUserIDs, logger))
				r.Get("/", jobsHandler.List)
				r.Post("/{name}/run", jobsHandler.Run)
			})
		}
	})

	return r
}

// NewOpsRouter はworkerプロセス用に/healthと/metricsのみを公開するルーターを返す。
func NewOpsRouter(db database.Pinger, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Get("/health", HealthHandler(db, logger))
	if gatherer != nil {
		r.Handle("/metrics", metrics.Handler(gatherer))
	}
	return r
}
