package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/instagallery/internal/account"
	"github.com/hitoshi/instagallery/internal/config"
	"github.com/hitoshi/instagallery/internal/database"
	"github.com/hitoshi/instagallery/internal/handler"
	"github.com/hitoshi/instagallery/internal/instagram"
	"github.com/hitoshi/instagallery/internal/logger"
	"github.com/hitoshi/instagallery/internal/metrics"
	"github.com/hitoshi/instagallery/internal/middleware"
	"github.com/hitoshi/instagallery/internal/post"
	"github.com/hitoshi/instagallery/internal/publisher"
	"github.com/hitoshi/instagallery/internal/repository"
	"github.com/hitoshi/instagallery/internal/security"
	"github.com/hitoshi/instagallery/internal/worker/cleanup"
	"github.com/hitoshi/instagallery/internal/worker/metricsync"
	"github.com/hitoshi/instagallery/internal/worker/ratelimit"
	"github.com/hitoshi/instagallery/internal/worker/refresh"
	"github.com/hitoshi/instagallery/internal/worker/scheduler"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, "info")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, cfg.LogLevel), nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if !cmd.RequiresConfig() {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("アプリケーションを起動します",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("scheduler_enabled", cmd.RunsScheduler(cfg.SchedulerEnabled)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, log)
	case CommandMigrate:
		return runMigrate(cfg, log)
	default:
		return runServe(ctx, cfg, log)
	}
}

// stores はコンポーネントが使用するリポジトリの組。
type stores struct {
	accounts repository.LinkedAccountRepository
	windows  repository.RateLimitRepository
	posts    repository.PostRepository
	sessions repository.SessionRepository
}

func postgresStores(db *sql.DB) stores {
	return stores{
		accounts: repository.NewPostgresLinkedAccountRepo(db),
		windows:  repository.NewPostgresRateLimitRepo(db),
		posts:    repository.NewPostgresPostRepo(db),
		sessions: repository.NewPostgresSessionRepo(db),
	}
}

// components はサービス層の依存関係をまとめたもの。serveとworkerで共有する。
type components struct {
	stores    stores
	publisher *publisher.Client
	accounts  *account.Service
	posts     *post.Service
}

// newComponents は設定からInstagramクライアントとサービス層を組み立てる。
func newComponents(cfg *config.Config, st stores, collector metrics.MetricsCollector, log *slog.Logger) *components {
	httpClient := &http.Client{Timeout: cfg.APICallTimeout}

	platform := instagram.NewClient(httpClient, log, instagram.ClientConfig{
		BaseURL:   cfg.InstagramAPIBaseURL,
		Version:   cfg.InstagramAPIVersion,
		AppSecret: cfg.InstagramAppSecret,
	})
	oauthProvider := instagram.NewOAuthProvider(instagram.OAuthConfig{
		AppID:       cfg.InstagramAppID,
		AppSecret:   cfg.InstagramAppSecret,
		RedirectURL: cfg.InstagramRedirectURL,
	}, httpClient)

	pubCfg := publisher.DefaultConfig()
	pubCfg.SafetyMargin = cfg.TokenSafetyMargin
	pubCfg.MaxAttempts = cfg.APIMaxAttempts
	pubCfg.MaxRetryWait = cfg.APIMaxRetryWait
	pubCfg.CallTimeout = cfg.APICallTimeout
	pubCfg.GraphCallsPerWindow = cfg.GraphCallsPerHour
	pubCfg.PublishPerWindow = cfg.PublishPerHour
	pubCfg.WindowPeriod = time.Hour
	pubCfg.PaceRate = rate.Limit(cfg.APIPaceRate)
	pubCfg.PaceBurst = cfg.APIPaceBurst
	pubCfg.ImagePreflight = cfg.ImagePreflight
	pubCfg.Locale = instagram.Locale(cfg.InstagramLocale)

	pub := publisher.NewClient(
		platform, st.accounts, st.windows,
		security.NewImageGuard(cfg.ImagePreflightTimeout),
		security.NewCaptionSanitizer(),
		collector, log, pubCfg,
	)
	accountService := account.NewService(st.accounts, oauthProvider, platform, pub, log)

	return &components{
		stores:    st,
		publisher: pub,
		accounts:  accountService,
		posts:     post.NewService(st.posts, accountService, pub, log),
	}
}

// newScheduler はバックグラウンドジョブを登録したスケジューラを返す。
// トークン更新は停止中に失効が近づいた可能性があるため起動時にも実行する。
func newScheduler(cfg *config.Config, c *components, collector metrics.MetricsCollector, log *slog.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.New(log, collector)

	refreshCfg := refresh.DefaultConfig()
	refreshCfg.Window = cfg.RefreshWindow
	refreshCfg.Concurrency = cfg.RefreshConcurrency

	syncCfg := metricsync.DefaultConfig()
	syncCfg.Lookback = cfg.MetricsLookback
	syncCfg.Concurrency = cfg.MetricsConcurrency

	cleanupJob := cleanup.NewCleanupJob(c.stores.posts, c.stores.windows, log)
	cleanupJob.RetentionDays = cfg.MetricsRetentionDays

	jobs := []struct {
		job     scheduler.Job
		cadence string
		opts    []scheduler.Option
	}{
		{refresh.NewJob(c.stores.accounts, c.publisher, log, refreshCfg), cfg.RefreshCadence, []scheduler.Option{scheduler.RunAtStartup()}},
		{ratelimit.NewJob(c.stores.windows, collector, log, time.Hour), cfg.RateLimitCadence, nil},
		{metricsync.NewJob(c.stores.accounts, c.stores.posts, c.publisher, collector, log, syncCfg), cfg.MetricsSyncCadence, nil},
		{cleanupJob, cfg.CleanupCadence, nil},
	}
	for _, j := range jobs {
		if err := sched.Register(j.job, j.cadence, j.opts...); err != nil {
			return nil, fmt.Errorf("ジョブ %s の登録に失敗しました: %w", j.job.Name(), err)
		}
	}
	return sched, nil
}

// newRegistry はプロセス単位のPrometheusレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// openDatabase はDB接続を開き、疎通できるまで待つ。
func openDatabase(ctx context.Context, cfg *config.Config, log *slog.Logger) (*sql.DB, func(), error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.WaitForReady(ctx, db, cfg.DBReadyTimeout, log); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Info("データベースに接続しました")
	return db, func() { db.Close() }, nil
}

// runServe は管理APIサーバーモードで起動する。
// SCHEDULER_ENABLEDの場合は同じプロセスでスケジューラを起動し、管理用ジョブAPIを公開する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, closeDB, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)
	c := newComponents(cfg, postgresStores(db), collector, log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched, err = newScheduler(cfg, c, collector, log)
		if err != nil {
			return err
		}
		go sched.Start(ctx)
	}

	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPublish), log)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:             log,
		SessionFinder:      c.stores.sessions,
		CORSAllowedOrigins: cfg.CORSAllowedOrigin,
		RateLimiter:        rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		AdminUserIDs:   cfg.AdminUserIDs,
		AccountService: c.accounts,
		PostService:    c.posts,
		OAuth: handler.OAuthHandlerConfig{
			BaseURL:      cfg.BaseURL,
			CookieDomain: cfg.CookieDomain,
			CookieSecure: cfg.CookieSecure,
		},
		DB:       db,
		Gatherer: reg,
	}
	if sched != nil {
		deps.Jobs = sched
	}

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     handler.NewRouter(deps),
		ReadTimeout: 15 * time.Second,
		// 投稿は再試行を含めて時間がかかる場合がある
		WriteTimeout: 2*cfg.APIMaxRetryWait + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	err = serveUntilDone(ctx, server, cfg.ShutdownTimeout, log)
	cancel()
	if sched != nil {
		sched.Wait()
		log.Info("スケジューラを停止しました")
	}
	return err
}

// runWorker はワーカーモードで起動する。スケジューラのみを実行し、/healthと/metricsを公開する。
// SCHEDULER_ENABLEDでない場合はジョブを登録せず、停止シグナルまで待機する。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	db, closeDB, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB()

	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		c := newComponents(cfg, postgresStores(db), collector, log)
		sched, err = newScheduler(cfg, c, collector, log)
		if err != nil {
			return err
		}
		go sched.Start(ctx)
	} else {
		log.Warn("SCHEDULER_ENABLEDが無効のためジョブを実行しません")
	}

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           handler.NewOpsRouter(db, reg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	err = serveUntilDone(ctx, server, cfg.ShutdownTimeout, log)
	cancel()
	if sched != nil {
		sched.Wait()
	}
	log.Info("ワーカーを停止しました")
	return err
}

// serveUntilDone はHTTPサーバーを起動し、ctxのキャンセルまたはサーバーの異常終了まで待つ。
func serveUntilDone(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTPサーバーを起動します", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("HTTPサーバーを停止します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("HTTPサーバーを停止しました")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	log.Info("マイグレーションを実行します",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("マイグレーションが完了しました")
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

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
