// Package publisher は連携アカウント単位でInstagram APIを呼び出すクライアントを提供する。
// アカウントごとの直列化、呼び出し枠の消費、期限前のトークン更新、
// 分類結果に基づくリトライと再認証フラグの設定を担う。
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/instagallery/internal/instagram"
	"github.com/hitoshi/instagallery/internal/metrics"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/repository"
	"github.com/hitoshi/instagallery/internal/security"
	"golang.org/x/time/rate"
)

// 操作名。ログとメトリクスのラベルに使用する。
const (
	OpPublish         = "publish"
	OpCreateContainer = "create_container"
	OpPublishMedia    = "publish_media"
	OpFetchMetrics    = "fetch_metrics"
	OpRefresh         = "refresh"
	OpRevoke          = "revoke"
)

var (
	// ErrAccountNotFound は連携アカウントが存在しない場合に返される。
	ErrAccountNotFound = errors.New("linked account not found")
	// ErrReauthRequired はアカウントが再認証待ちの場合にCallErrorから取り出せる。
	ErrReauthRequired = errors.New("linked account requires re-authorization")
)

// CallError は分類済みの外部呼び出し失敗。
type CallError struct {
	Op        string
	AccountID string
	Parsed    instagram.ParsedError
	Err       error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s (account=%s, category=%s): %v", e.Op, e.AccountID, e.Parsed.Category, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Platform はInstagram Graph APIの生の呼び出し。*instagram.Clientが実装する。
type Platform interface {
	RefreshToken(ctx context.Context, credential string) (*model.Credential, error)
	CreateMediaContainer(ctx context.Context, accessToken, igUserID, imageURL, caption string) (string, error)
	PublishMedia(ctx context.Context, accessToken, igUserID, creationID string) (string, error)
	FetchInsights(ctx context.Context, accessToken, mediaID string) (*instagram.Insights, error)
	RevokePermissions(ctx context.Context, accessToken string) error
}

var _ Platform = (*instagram.Client)(nil)

// Config はクライアントの動作設定。
type Config struct {
	// SafetyMargin はトークン失効のこの時間前から呼び出し前に更新する。
	SafetyMargin time.Duration
	// MaxAttempts は一時的な失敗を含む1操作あたりの最大試行回数。
	MaxAttempts int
	// MaxRetryWait を超える待機ヒントは待たずに呼び出し元へ返す。
	MaxRetryWait time.Duration
	// CallTimeout は1回の外部呼び出しの上限時間。
	CallTimeout time.Duration

	// GraphCallsPerWindow はアカウントごとのGraph API呼び出し枠。0は無制限。
	GraphCallsPerWindow int
	// PublishPerWindow はアカウントごとの公開呼び出し枠。0は無制限。
	PublishPerWindow int
	// WindowPeriod は呼び出し枠ウィンドウの長さ。
	WindowPeriod time.Duration

	// PaceRate とPaceBurst はアカウントごとの送信ペース。
	PaceRate  rate.Limit
	PaceBurst int

	// ImagePreflight がtrueの場合、画像URLにHEADリクエストを送って事前確認する。
	ImagePreflight bool

	Backoff instagram.BackoffPolicy
	Locale  instagram.Locale
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		SafetyMargin:        10 * time.Minute,
		MaxAttempts:         3,
		MaxRetryWait:        2 * time.Minute,
		CallTimeout:         30 * time.Second,
		GraphCallsPerWindow: 200,
		PublishPerWindow:    25,
		WindowPeriod:        time.Hour,
		PaceRate:            rate.Limit(2),
		PaceBurst:           5,
		Backoff:             instagram.DefaultBackoffPolicy(),
		Locale:              instagram.LocaleJA,
	}
}

// accountLane はアカウントごとの直列化とペース制御を保持する。
type accountLane struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// Client は連携アカウントIDを単位にInstagram APIを呼び出す。
// 同一アカウントへの呼び出しは直列化され、異なるアカウントは並行に実行される。
type Client struct {
	platform   Platform
	accounts   repository.LinkedAccountRepository
	windows    repository.RateLimitRepository
	guard      security.ImageURLGuard
	sanitizer  security.CaptionSanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	classifier *instagram.Classifier
	cfg        Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	lanesMu sync.Mutex
	lanes   map[string]*accountLane
}

// NewClient はClientを生成する。
func NewClient(
	platform Platform,
	accounts repository.LinkedAccountRepository,
	windows repository.RateLimitRepository,
	guard security.ImageURLGuard,
	sanitizer security.CaptionSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Client {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.WindowPeriod <= 0 {
		cfg.WindowPeriod = def.WindowPeriod
	}
	if cfg.PaceRate <= 0 {
		cfg.PaceRate = def.PaceRate
	}
	if cfg.PaceBurst <= 0 {
		cfg.PaceBurst = def.PaceBurst
	}
	if cfg.Locale == "" {
		cfg.Locale = def.Locale
	}
	if collector == nil {
		collector = metrics.Nop{}
	}

	return &Client{
		platform:   platform,
		accounts:   accounts,
		windows:    windows,
		guard:      guard,
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		classifier: instagram.NewClassifier(cfg.Backoff, cfg.Locale),
		cfg:        cfg,
		now:        time.Now,
		sleep:      sleepContext,
		lanes:      make(map[string]*accountLane),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) lane(accountID string) *accountLane {
	c.lanesMu.Lock()
	defer c.lanesMu.Unlock()
	l, ok := c.lanes[accountID]
	if !ok {
		l = &accountLane{limiter: rate.NewLimiter(c.cfg.PaceRate, c.cfg.PaceBurst)}
		c.lanes[accountID] = l
	}
	return l
}

// PublishRequest は投稿公開の入力。
type PublishRequest struct {
	ImageURL string
	Caption  string
}

// PublishResult は投稿公開の結果。
type PublishResult struct {
	ContainerID string
	MediaID     string
	Caption     string
}

// Publish は画像とキャプションを検証し、メディアコンテナ作成と公開を行う。
// 検証に失敗した場合は外部APIを呼ばずにCONTENT_REJECTEDを返す。
func (c *Client) Publish(ctx context.Context, accountID string, req PublishRequest) (*PublishResult, error) {
	caption, err := c.preflight(ctx, req)
	if err != nil {
		c.metrics.RecordAPICall(OpPublish, string(instagram.CategoryContentRejected))
		return nil, c.callError(OpPublish, accountID, &instagram.LocalError{
			Kind:   instagram.LocalContentRejected,
			Reason: err.Error(),
		}, 0)
	}

	result := &PublishResult{Caption: caption}
	err = c.withAccount(ctx, OpPublish, accountID, func(ctx context.Context, s *session) error {
		err := s.call(ctx, OpCreateContainer, nil, func(ctx context.Context, token string) error {
			id, err := c.platform.CreateMediaContainer(ctx, token, s.account.ExternalAccountID, req.ImageURL, caption)
			result.ContainerID = id
			return err
		})
		if err != nil {
			return err
		}
		publishBudget := &budget{category: model.RateLimitCategoryPublish, limit: c.cfg.PublishPerWindow}
		return s.call(ctx, OpPublishMedia, publishBudget, func(ctx context.Context, token string) error {
			id, err := c.platform.PublishMedia(ctx, token, s.account.ExternalAccountID, result.ContainerID)
			result.MediaID = id
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Instagramに投稿を公開しました",
		slog.String("account_id", accountID),
		slog.String("media_id", result.MediaID),
	)
	return result, nil
}

func (c *Client) preflight(ctx context.Context, req PublishRequest) (string, error) {
	caption := req.Caption
	if c.sanitizer != nil {
		sanitized, err := c.sanitizer.Sanitize(req.Caption)
		if err != nil {
			return "", err
		}
		caption = sanitized
	}
	if c.guard != nil {
		if c.cfg.ImagePreflight {
			if err := c.guard.Preflight(ctx, req.ImageURL); err != nil {
				return "", err
			}
		} else if err := c.guard.ValidateURL(req.ImageURL); err != nil {
			return "", err
		}
	}
	return caption, nil
}

// FetchMetrics は公開済みメディアのインサイトを取得する。
func (c *Client) FetchMetrics(ctx context.Context, accountID, mediaID string) (*instagram.Insights, error) {
	var insights *instagram.Insights
	err := c.withAccount(ctx, OpFetchMetrics, accountID, func(ctx context.Context, s *session) error {
		return s.call(ctx, OpFetchMetrics, nil, func(ctx context.Context, token string) error {
			var err error
			insights, err = c.platform.FetchInsights(ctx, token, mediaID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return insights, nil
}

// RefreshCredential は失効日時にかかわらずトークンを更新し、永続化する。
func (c *Client) RefreshCredential(ctx context.Context, accountID string) error {
	return c.withAccount(ctx, OpRefresh, accountID, func(ctx context.Context, s *session) error {
		if s.refreshed {
			return nil
		}
		return s.refresh(ctx)
	})
}

// Revoke は外部の認可を取り消す。アカウントの削除は行わない。
func (c *Client) Revoke(ctx context.Context, accountID string) error {
	return c.withAccount(ctx, OpRevoke, accountID, func(ctx context.Context, s *session) error {
		return s.call(ctx, OpRevoke, nil, func(ctx context.Context, token string) error {
			return c.platform.RevokePermissions(ctx, token)
		})
	})
}

// session は1操作の間、アカウントのレーンを保持した状態を表す。
type session struct {
	c         *Client
	lane      *accountLane
	account   *model.LinkedAccount
	refreshed bool
	// authRetried は操作全体でAUTH_EXPIREDによる更新と再試行を行ったかどうか。
	authRetried bool
}

// withAccount はアカウントのレーンを取得し、利用可否の確認と期限前の更新を行ってからfnを実行する。
func (c *Client) withAccount(ctx context.Context, op, accountID string, fn func(ctx context.Context, s *session) error) error {
	lane := c.lane(accountID)
	lane.mu.Lock()
	defer lane.mu.Unlock()

	account, err := c.accounts.FindByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("連携アカウントの取得に失敗しました: %w", err)
	}
	if account == nil {
		return ErrAccountNotFound
	}

	s := &session{c: c, lane: lane, account: account}

	if account.AccessToken == "" && !account.ReauthRequired {
		s.flag(ctx, "missing_access_token")
	}
	if !account.Usable() {
		c.metrics.RecordAPICall(op, string(instagram.CategoryAuthInvalid))
		return c.callError(op, accountID, &instagram.LocalError{
			Kind:   instagram.LocalReauthRequired,
			Reason: "再認証が必要なアカウントです",
		}, 0)
	}

	if account.ExpiresWithin(c.now(), c.cfg.SafetyMargin) {
		c.logger.Info("トークンの失効が近いため更新します",
			slog.String("account_id", accountID),
			slog.Time("token_expires_at", account.TokenExpiresAt),
		)
		if err := s.refresh(ctx); err != nil {
			return err
		}
	}

	return fn(ctx, s)
}

// budget は1回の試行で追加消費する呼び出し枠。
type budget struct {
	category model.RateLimitCategory
	limit    int
}

// call は1つの外部呼び出しを分類結果に従ってリトライする。
// 一時的な失敗はRetryAfter以上待って再試行し、AUTH_EXPIREDはトークン更新後に1回だけ再試行する。
func (s *session) call(ctx context.Context, op string, extra *budget, fn func(ctx context.Context, token string) error) error {
	c := s.c
	attempt := 0

	for {
		err := s.attempt(ctx, op, extra, fn)
		if err == nil {
			c.metrics.RecordAPICall(op, "OK")
			return nil
		}

		parsed := c.classifier.Classify(err, attempt)
		c.metrics.RecordAPICall(op, string(parsed.Category))

		switch {
		case parsed.Category == instagram.CategoryAuthExpired && !s.authRetried && !s.refreshed:
			s.authRetried = true
			c.logger.Warn("トークンが失効しているため更新して再試行します",
				slog.String("account_id", s.account.ID),
				slog.String("op", op),
			)
			if rerr := s.refresh(ctx); rerr != nil {
				return s.refreshFailed(ctx, rerr)
			}
			continue

		case parsed.Category == instagram.CategoryAuthExpired:
			s.flag(ctx, string(parsed.Category))
			return s.fail(op, err, attempt)

		case parsed.Category.RequiresReauth():
			s.flag(ctx, string(parsed.Category))
			return s.fail(op, err, attempt)

		case parsed.Category.Transient():
			if attempt+1 >= c.cfg.MaxAttempts || (c.cfg.MaxRetryWait > 0 && parsed.RetryAfter > c.cfg.MaxRetryWait) {
				return s.fail(op, err, attempt)
			}
			c.metrics.RecordRetry(op, string(parsed.Category))
			c.logger.Warn("外部API呼び出しを再試行します",
				slog.String("account_id", s.account.ID),
				slog.String("op", op),
				slog.String("category", string(parsed.Category)),
				slog.Int("attempt", attempt+1),
				slog.Int64("retry_after_ms", parsed.RetryAfterMs()),
			)
			if serr := c.sleep(ctx, parsed.RetryAfter); serr != nil {
				return s.fail(op, err, attempt)
			}
			attempt++

		default:
			return s.fail(op, err, attempt)
		}
	}
}

// attempt は呼び出し枠の消費、ペース制御、タイムアウトを適用して1回だけ呼び出す。
func (s *session) attempt(ctx context.Context, op string, extra *budget, fn func(ctx context.Context, token string) error) error {
	c := s.c

	if err := s.consume(ctx, model.RateLimitCategoryGraph, c.cfg.GraphCallsPerWindow); err != nil {
		return err
	}
	if extra != nil {
		if err := s.consume(ctx, extra.category, extra.limit); err != nil {
			return err
		}
	}
	if err := s.lane.limiter.Wait(ctx); err != nil {
		return &instagram.NetworkError{Op: op, Err: err, Timeout: errors.Is(err, context.DeadlineExceeded)}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx, s.account.AccessToken)
	c.metrics.RecordAPILatency(op, time.Since(start))

	// 呼び出し側が形状を付けずに返したタイムアウトも通信失敗として分類する
	var raw instagram.RawError
	if err != nil && !errors.As(err, &raw) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &instagram.NetworkError{Op: op, Err: err, Timeout: true}
	}
	return err
}

// consume は呼び出し枠を1件消費する。枠切れの場合はウィンドウ終了までの待機ヒントを持つLocalErrorを返す。
func (s *session) consume(ctx context.Context, category model.RateLimitCategory, limit int) error {
	c := s.c
	if c.windows == nil {
		return nil
	}
	now := c.now()
	window, allowed, err := c.windows.Consume(ctx, s.account.ID, category, limit, c.cfg.WindowPeriod, now)
	if err != nil {
		return fmt.Errorf("呼び出し枠の消費に失敗しました: %w", err)
	}
	if allowed {
		return nil
	}
	wait := window.ResetsAt(c.cfg.WindowPeriod).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return &instagram.LocalError{
		Kind:       instagram.LocalBudgetExhausted,
		Reason:     fmt.Sprintf("%s の呼び出し枠を使い切りました (%d/%d)", category, window.CallCount, window.Limit),
		RetryAfter: wait,
	}
}

// refresh はトークンを更新して永続化する。
// 一時的な失敗はリトライし、認証系の失敗ではアカウントに再認証フラグを設定する。
func (s *session) refresh(ctx context.Context) error {
	c := s.c
	attempt := 0

	for {
		var cred *model.Credential
		err := s.attempt(ctx, OpRefresh, nil, func(ctx context.Context, _ string) error {
			var err error
			cred, err = c.platform.RefreshToken(ctx, s.account.RefreshCredential())
			return err
		})
		if err == nil {
			c.metrics.RecordAPICall(OpRefresh, "OK")
			return s.persist(ctx, cred)
		}

		parsed := c.classifier.Classify(err, attempt)
		c.metrics.RecordAPICall(OpRefresh, string(parsed.Category))

		switch {
		case parsed.Category == instagram.CategoryAuthExpired || parsed.Category.RequiresReauth():
			s.flag(ctx, string(parsed.Category))
			c.metrics.RecordRefresh("reauth_required")
			return s.fail(OpRefresh, err, attempt)

		case parsed.Category.Transient():
			if attempt+1 >= c.cfg.MaxAttempts || (c.cfg.MaxRetryWait > 0 && parsed.RetryAfter > c.cfg.MaxRetryWait) {
				c.metrics.RecordRefresh("failed")
				return s.fail(OpRefresh, err, attempt)
			}
			c.metrics.RecordRetry(OpRefresh, string(parsed.Category))
			if serr := c.sleep(ctx, parsed.RetryAfter); serr != nil {
				c.metrics.RecordRefresh("failed")
				return s.fail(OpRefresh, err, attempt)
			}
			attempt++

		default:
			c.metrics.RecordRefresh("failed")
			return s.fail(OpRefresh, err, attempt)
		}
	}
}

// refreshFailed は失効を通知された後のトークン更新の失敗を扱う。
// 更新の失敗理由にかかわらずアカウントを再認証待ちにする。呼び出し元のキャンセルは除く。
func (s *session) refreshFailed(ctx context.Context, err error) error {
	ce, ok := AsCallError(err)
	if !ok || ctx.Err() != nil {
		return err
	}
	if !s.account.ReauthRequired {
		s.flag(ctx, "refresh_failed")
	}
	if !errors.Is(ce.Err, ErrReauthRequired) {
		ce.Err = fmt.Errorf("%w: %w", ErrReauthRequired, ce.Err)
	}
	return ce
}

// persist は更新後の資格情報を保存し、以降の呼び出しで使用する。
func (s *session) persist(ctx context.Context, cred *model.Credential) error {
	c := s.c
	now := c.now()
	if err := c.accounts.UpdateCredential(ctx, s.account.ID, *cred, now); err != nil {
		c.metrics.RecordRefresh("failed")
		return fmt.Errorf("更新したトークンの保存に失敗しました: %w", err)
	}

	s.account.AccessToken = cred.AccessToken
	if cred.RefreshToken != "" {
		s.account.RefreshToken = cred.RefreshToken
	}
	s.account.TokenExpiresAt = cred.ExpiresAt
	s.account.LastRefreshedAt = &now
	s.refreshed = true

	c.metrics.RecordRefresh("refreshed")
	c.logger.Info("トークンを更新しました",
		slog.String("account_id", s.account.ID),
		slog.Time("token_expires_at", cred.ExpiresAt),
	)
	return nil
}

// flag はアカウントを再認証待ちにする。保存の失敗はログに残して呼び出し元の失敗を優先する。
func (s *session) flag(ctx context.Context, reason string) {
	c := s.c
	s.account.ReauthRequired = true
	s.account.ReauthReason = reason
	if err := c.accounts.MarkReauthRequired(context.WithoutCancel(ctx), s.account.ID, reason); err != nil {
		c.logger.Error("再認証フラグの保存に失敗しました",
			slog.String("account_id", s.account.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Warn("アカウントを再認証待ちにしました",
		slog.String("account_id", s.account.ID),
		slog.String("reason", reason),
	)
}

func (c *Client) callError(op, accountID string, err error, attempt int) *CallError {
	return c.newCallError(op, accountID, err, attempt, false)
}

// fail はセッション内の失敗をCallErrorにする。再認証待ちになったアカウントはErrReauthRequiredで判別できる。
func (s *session) fail(op string, err error, attempt int) *CallError {
	return s.c.newCallError(op, s.account.ID, err, attempt, s.account.ReauthRequired)
}

func (c *Client) newCallError(op, accountID string, err error, attempt int, flagged bool) *CallError {
	parsed := c.classifier.Classify(err, attempt)
	wrapped := err
	if flagged || parsed.Category.RequiresReauth() {
		wrapped = fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	return &CallError{Op: op, AccountID: accountID, Parsed: parsed, Err: wrapped}
}

// AsCallError はerrからCallErrorを取り出す。
func AsCallError(err error) (*CallError, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
