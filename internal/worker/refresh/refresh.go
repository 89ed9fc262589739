// Package refresh は失効が近いアクセストークンを事前に更新するジョブを提供する。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/instagallery/internal/instagram"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/publisher"
)

// JobName はスケジューラに登録するジョブ名。
const JobName = "token_refresh"

// AccountSource は更新対象アカウントの取得元。
type AccountSource interface {
	ListExpiringBefore(ctx context.Context, before time.Time) ([]*model.LinkedAccount, error)
}

// Refresher はアカウント単位のトークン更新を行う。*publisher.Clientが実装する。
type Refresher interface {
	RefreshCredential(ctx context.Context, accountID string) error
}

var _ Refresher = (*publisher.Client)(nil)

// Config はジョブの設定。
type Config struct {
	// Window はこの期間内に失効するトークンを更新対象とする。
	Window time.Duration
	// Concurrency は同時に更新するアカウント数の上限。
	Concurrency int
	// AccountTimeout は1アカウントの更新にかける上限時間。
	AccountTimeout time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		Window:         7 * 24 * time.Hour,
		Concurrency:    4,
		AccountTimeout: 2 * time.Minute,
	}
}

// Summary は1回の実行結果の集計。
type Summary struct {
	Candidates     int
	Refreshed      int
	ReauthRequired int
	Failed         int
	// Categories は失敗したアカウントのエラーカテゴリ別件数。
	Categories map[string]int
}

// Job はトークン更新ジョブ。
type Job struct {
	accounts  AccountSource
	refresher Refresher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewJob はJobを生成する。
func NewJob(accounts AccountSource, refresher Refresher, logger *slog.Logger, cfg Config) *Job {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.AccountTimeout <= 0 {
		cfg.AccountTimeout = def.AccountTimeout
	}
	return &Job{
		accounts:  accounts,
		refresher: refresher,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Name はジョブ名を返す。
func (j *Job) Name() string { return JobName }

// Run はRunOnceを実行し、エラーのみを返す。
func (j *Job) Run(ctx context.Context) error {
	_, err := j.RunOnce(ctx)
	return err
}

// RunOnce は失効が近いアカウントのトークンを並行に更新する。
// 1アカウントの失敗は他のアカウントの処理を止めない。
// ctxのキャンセルはアカウントの間でのみ確認し、開始済みの更新は最後まで行う。
func (j *Job) RunOnce(ctx context.Context) (*Summary, error) {
	start := j.now()
	before := start.Add(j.cfg.Window)

	accounts, err := j.accounts.ListExpiringBefore(ctx, before)
	if err != nil {
		j.logger.Error("更新対象アカウントの取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("更新対象アカウントの取得に失敗: %w", err)
	}

	summary := &Summary{Candidates: len(accounts), Categories: map[string]int{}}
	var mu sync.Mutex

	sem := make(chan struct{}, j.cfg.Concurrency)
	var wg sync.WaitGroup

	var stopErr error
	for _, account := range accounts {
		sem <- struct{}{}
		if err := ctx.Err(); err != nil {
			<-sem
			stopErr = err
			break
		}

		wg.Add(1)
		go func(account *model.LinkedAccount) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, category := j.refreshOne(ctx, account)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeRefreshed:
				summary.Refreshed++
			case outcomeReauthRequired:
				summary.ReauthRequired++
				summary.Categories[category]++
			default:
				summary.Failed++
				summary.Categories[category]++
			}
		}(account)
	}
	wg.Wait()

	duration := j.now().Sub(start)
	j.logger.Info("トークン更新ジョブが完了しました",
		slog.Int("candidates", summary.Candidates),
		slog.Int("refreshed", summary.Refreshed),
		slog.Int("reauth_required", summary.ReauthRequired),
		slog.Int("failed", summary.Failed),
		slog.Any("categories", summary.Categories),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	if stopErr != nil {
		return summary, fmt.Errorf("トークン更新ジョブが中断されました: %w", stopErr)
	}
	return summary, nil
}

type outcome int

const (
	outcomeRefreshed outcome = iota
	outcomeReauthRequired
	outcomeFailed
)

// refreshOne は1アカウントを更新する。
// 更新は呼び出し元のキャンセルから切り離し、AccountTimeoutで打ち切る。
func (j *Job) refreshOne(ctx context.Context, account *model.LinkedAccount) (outcome, string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.AccountTimeout)
	defer cancel()

	err := j.refresher.RefreshCredential(actx, account.ID)
	if err == nil {
		j.logger.Debug("トークンを更新しました",
			slog.String("account_id", account.ID),
		)
		return outcomeRefreshed, ""
	}

	category := string(instagram.CategoryUnknown)
	if ce, ok := publisher.AsCallError(err); ok {
		category = string(ce.Parsed.Category)
	}

	if errors.Is(err, publisher.ErrReauthRequired) {
		j.logger.Warn("トークンを更新できないため再認証待ちにしました",
			slog.String("account_id", account.ID),
			slog.String("category", category),
			slog.String("error", err.Error()),
		)
		return outcomeReauthRequired, category
	}

	j.logger.Error("トークンの更新に失敗しました",
		slog.String("account_id", account.ID),
		slog.String("category", category),
		slog.String("error", err.Error()),
	)
	return outcomeFailed, category
}
