// Package metricsync は公開済み投稿のエンゲージメント指標を定期的に取得して保存するジョブを提供する。
package metricsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/instagallery/internal/instagram"
	"github.com/hitoshi/instagallery/internal/metrics"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/publisher"
)

// JobName はスケジューラに登録するジョブ名。
const JobName = "metrics_sync"

// AccountSource は公開済み投稿を持つアカウントの取得元。
type AccountSource interface {
	ListWithPublishedPosts(ctx context.Context) ([]*model.LinkedAccount, error)
}

// PostStore は投稿の参照とメトリクスの保存先。
type PostStore interface {
	ListPublishedByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]*model.Post, error)
	UpsertMetrics(ctx context.Context, metrics *model.PostMetrics) error
}

// InsightsFetcher は投稿の指標を取得する。*publisher.Clientが実装する。
type InsightsFetcher interface {
	FetchMetrics(ctx context.Context, accountID, mediaID string) (*instagram.Insights, error)
}

var _ InsightsFetcher = (*publisher.Client)(nil)

// Config はジョブの設定。
type Config struct {
	// Lookback はこの期間内に公開された投稿を対象とする。
	Lookback time.Duration
	// PostsPerAccount は1アカウントあたりの対象投稿数の上限。
	PostsPerAccount int
	// Concurrency は同時に処理するアカウント数の上限。
	Concurrency int
	// AccountTimeout は1アカウント分の同期にかける上限時間。
	AccountTimeout time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Lookback:        30 * 24 * time.Hour,
		PostsPerAccount: 50,
		Concurrency:     4,
		AccountTimeout:  5 * time.Minute,
	}
}

// Summary は1回の実行結果の集計。
type Summary struct {
	Accounts int
	Posts    int
	Synced   int
	Failed   int
}

// Job はメトリクス同期ジョブ。
type Job struct {
	accounts AccountSource
	posts    PostStore
	fetcher  InsightsFetcher
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewJob はJobを生成する。
func NewJob(accounts AccountSource, posts PostStore, fetcher InsightsFetcher, collector metrics.MetricsCollector, logger *slog.Logger, cfg Config) *Job {
	def := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.PostsPerAccount <= 0 {
		cfg.PostsPerAccount = def.PostsPerAccount
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = def.AccountTimeout
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Job{
		accounts: accounts,
		posts:    posts,
		fetcher:  fetcher,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Name はジョブ名を返す。
func (j *Job) Name() string { return JobName }

// Run はRunOnceを実行し、エラーのみを返す。
func (j *Job) Run(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}

// RunOnce は各アカウントの公開済み投稿の指標を取得して保存する。
// 個々の投稿の失敗はログに記録して処理を続ける。
func (j *Job) RunOnce(ctx context.Context) (*Summary, error) {
	start := j.now()

	accounts, err := j.accounts.ListWithPublishedPosts(ctx)
	if err != nil {
		j.logger.Error("同期対象アカウントの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("同期対象アカウントの取得に失敗: %w", err)
	}

	summary := &Summary{Accounts: len(accounts)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(j.cfg.Concurrency)

	var stopErr error
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		g.Go(func() error {
			posts, synced, failed := j.syncAccount(ctx, account)
			mu.Lock()
			summary.Posts += posts
			summary.Synced += synced
			summary.Failed += failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	j.metrics.RecordMetricsSynced(summary.Synced)

	duration := j.now().Sub(start)
	j.logger.Info("メトリクス同期ジョブが完了しました",
		slog.Int("accounts", summary.Accounts),
		slog.Int("posts", summary.Posts),
		slog.Int("synced", summary.Synced),
		slog.Int("failed", summary.Failed),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	if stopErr != nil {
		return summary, fmt.Errorf("メトリクス同期ジョブが中断されました: %w", stopErr)
	}
	return summary, nil
}

// syncAccount は1アカウント分の投稿の指標を同期し、対象数、成功数、失敗数を返す。
// 再認証待ちや呼び出し枠の枯渇が起きた場合は、そのアカウントの残りの投稿を次回に回す。
func (j *Job) syncAccount(ctx context.Context, account *model.LinkedAccount) (int, int, int) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.AccountTimeout)
	defer cancel()

	since := j.now().Add(-j.cfg.Lookback)
	posts, err := j.posts.ListPublishedByAccount(actx, account.ID, since, j.cfg.PostsPerAccount)
	if err != nil {
		j.logger.Error("公開済み投稿の取得に失敗しました",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()),
		)
		return 0, 0, 0
	}

	var synced, failed int
	for _, post := range posts {
		if post.ExternalMediaID == "" {
			continue
		}

		insights, err := j.fetcher.FetchMetrics(actx, account.ID, post.ExternalMediaID)
		if err != nil {
			failed++
			category := string(instagram.CategoryUnknown)
			if ce, ok := publisher.AsCallError(err); ok {
				category = string(ce.Parsed.Category)
			}
			j.logger.Warn("投稿メトリクスの取得に失敗しました",
				slog.String("account_id", account.ID),
				slog.String("post_id", post.ID),
				slog.String("category", category),
				slog.String("error", err.Error()),
			)
			if stopAccount(err, category) {
				break
			}
			continue
		}

		err = j.posts.UpsertMetrics(actx, &model.PostMetrics{
			PostID:    post.ID,
			Reach:     insights.Reach,
			Likes:     insights.Likes,
			Comments:  insights.Comments,
			Saved:     insights.Saved,
			Shares:    insights.Shares,
			FetchedAt: j.now(),
		})
		if err != nil {
			failed++
			j.logger.Error("投稿メトリクスの保存に失敗しました",
				slog.String("post_id", post.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		synced++
	}

	return len(posts), synced, failed
}

func stopAccount(err error, category string) bool {
	if errors.Is(err, publisher.ErrReauthRequired) || errors.Is(err, publisher.ErrAccountNotFound) {
		return true
	}
	return category == string(instagram.CategoryRateLimited)
}
