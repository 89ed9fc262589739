package refresh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/instagallery/internal/instagram"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/publisher"
	"github.com/hitoshi/instagallery/internal/repository"
)

// --- モック定義 ---

type mockSource struct {
	listFn func(ctx context.Context, before time.Time) ([]*model.LinkedAccount, error)
}

func (m *mockSource) ListExpiringBefore(ctx context.Context, before time.Time) ([]*model.LinkedAccount, error) {
	if m.listFn != nil {
		return m.listFn(ctx, before)
	}
	return nil, nil
}

type mockRefresher struct {
	refreshFn func(ctx context.Context, accountID string) error

	mu    sync.Mutex
	calls []string
}

func (m *mockRefresher) RefreshCredential(ctx context.Context, accountID string) error {
	m.mu.Lock()
	m.calls = append(m.calls, accountID)
	m.mu.Unlock()
	if m.refreshFn != nil {
		return m.refreshFn(ctx, accountID)
	}
	return nil
}

func (m *mockRefresher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func accounts(ids ...string) []*model.LinkedAccount {
	out := make([]*model.LinkedAccount, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.LinkedAccount{ID: id})
	}
	return out
}

func callError(category instagram.Category, reauth bool) error {
	var err error = errors.New("platform error")
	if reauth {
		err = fmt.Errorf("%w: %w", publisher.ErrReauthRequired, err)
	}
	return &publisher.CallError{
		Op:     publisher.OpRefresh,
		Parsed: instagram.ParsedError{Category: category},
		Err:    err,
	}
}

// --- テスト ---

func TestJob_Name(t *testing.T) {
	var buf bytes.Buffer
	job := NewJob(&mockSource{}, &mockRefresher{}, newTestLogger(&buf), Config{})
	if job.Name() != "token_refresh" {
		t.Errorf("Name() = %q", job.Name())
	}
	if job.cfg != DefaultConfig() {
		t.Errorf("ゼロ値の設定はデフォルトで補完されるべき: %+v", job.cfg)
	}
}

func TestRunOnce_UsesRefreshWindow(t *testing.T) {
	var buf bytes.Buffer
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var gotBefore time.Time
	source := &mockSource{listFn: func(_ context.Context, before time.Time) ([]*model.LinkedAccount, error) {
		gotBefore = before
		return nil, nil
	}}

	job := NewJob(source, &mockRefresher{}, newTestLogger(&buf), Config{Window: 7 * 24 * time.Hour})
	job.now = func() time.Time { return now }

	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if !gotBefore.Equal(now.Add(7 * 24 * time.Hour)) {
		t.Errorf("before = %v, want now+7d", gotBefore)
	}
	if summary.Candidates != 0 {
		t.Errorf("Candidates = %d, want 0", summary.Candidates)
	}
}

func TestRunOnce_SummarizesOutcomes(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{listFn: func(context.Context, time.Time) ([]*model.LinkedAccount, error) {
		return accounts("ok-1", "ok-2", "revoked", "denied", "flaky", "gone"), nil
	}}
	refresher := &mockRefresher{refreshFn: func(_ context.Context, id string) error {
		switch id {
		case "revoked":
			return callError(instagram.CategoryAuthInvalid, true)
		case "denied":
			return callError(instagram.CategoryPermissionDenied, true)
		case "flaky":
			return callError(instagram.CategoryPlatformUnavailable, false)
		case "gone":
			return publisher.ErrAccountNotFound
		}
		return nil
	}}

	job := NewJob(source, refresher, newTestLogger(&buf), Config{})
	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("1アカウントの失敗でジョブ全体がエラーになってはならない: %v", err)
	}

	if summary.Candidates != 6 {
		t.Errorf("Candidates = %d, want 6", summary.Candidates)
	}
	if summary.Refreshed != 2 {
		t.Errorf("Refreshed = %d, want 2", summary.Refreshed)
	}
	if summary.ReauthRequired != 2 {
		t.Errorf("ReauthRequired = %d, want 2", summary.ReauthRequired)
	}
	if summary.Failed != 2 {
		t.Errorf("Failed = %d, want 2", summary.Failed)
	}
	if summary.Categories["AUTH_INVALID"] != 1 || summary.Categories["PERMISSION_DENIED"] != 1 {
		t.Errorf("再認証カテゴリの集計が不正: %v", summary.Categories)
	}
	if summary.Categories["PLATFORM_UNAVAILABLE"] != 1 || summary.Categories["UNKNOWN"] != 1 {
		t.Errorf("失敗カテゴリの集計が不正: %v", summary.Categories)
	}
	if refresher.callCount() != 6 {
		t.Errorf("更新呼び出し回数 = %d, want 6", refresher.callCount())
	}

	logs := buf.String()
	if !strings.Contains(logs, "再認証待ち") {
		t.Error("再認証待ちがログに出力されていない")
	}
	if !strings.Contains(logs, "トークン更新ジョブが完了しました") {
		t.Error("集計ログが出力されていない")
	}
}

func TestRunOnce_BoundsConcurrency(t *testing.T) {
	var buf bytes.Buffer
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("acc-%d", i)
	}
	source := &mockSource{listFn: func(context.Context, time.Time) ([]*model.LinkedAccount, error) {
		return accounts(ids...), nil
	}}

	var inFlight, maxInFlight atomic.Int32
	refresher := &mockRefresher{refreshFn: func(context.Context, string) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}}

	job := NewJob(source, refresher, newTestLogger(&buf), Config{Concurrency: 3})
	summary, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if summary.Refreshed != 12 {
		t.Errorf("Refreshed = %d, want 12", summary.Refreshed)
	}
	if maxInFlight.Load() > 3 {
		t.Errorf("同時実行数 %d が上限3を超えた", maxInFlight.Load())
	}
}

func TestRunOnce_CancellationStopsBetweenAccountsOnly(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{listFn: func(context.Context, time.Time) ([]*model.LinkedAccount, error) {
		return accounts("first", "second", "third"), nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	var sawCancel atomic.Bool
	refresher := &mockRefresher{refreshFn: func(actx context.Context, id string) error {
		if id == "first" {
			cancel()
			time.Sleep(5 * time.Millisecond)
			if actx.Err() != nil {
				sawCancel.Store(true)
			}
		}
		return nil
	}}

	job := NewJob(source, refresher, newTestLogger(&buf), Config{Concurrency: 1})
	summary, err := job.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("中断時はcontext.Canceledを返すべき: %v", err)
	}
	if sawCancel.Load() {
		t.Error("開始済みの更新にキャンセルが伝播している")
	}
	if summary.Refreshed != 1 {
		t.Errorf("Refreshed = %d, want 1", summary.Refreshed)
	}
	if refresher.callCount() >= 3 {
		t.Errorf("キャンセル後も全アカウントが処理された")
	}
}

func TestRunOnce_ListError(t *testing.T) {
	var buf bytes.Buffer
	source := &mockSource{listFn: func(context.Context, time.Time) ([]*model.LinkedAccount, error) {
		return nil, errors.New("connection refused")
	}}
	refresher := &mockRefresher{}

	job := NewJob(source, refresher, newTestLogger(&buf), Config{})
	if _, err := job.RunOnce(context.Background()); err == nil {
		t.Fatal("取得失敗時はエラーを返すべき")
	}
	if refresher.callCount() != 0 {
		t.Error("取得失敗時に更新を呼び出してはならない")
	}
}

// --- 実際のクライアントとの結合 ---

// refreshPlatform はトークン更新のみを扱うPlatform。
type refreshPlatform struct {
	refreshed atomic.Int32
	expiresAt time.Time
}

func (p *refreshPlatform) RefreshToken(_ context.Context, credential string) (*model.Credential, error) {
	p.refreshed.Add(1)
	return &model.Credential{AccessToken: "new-" + credential, ExpiresAt: p.expiresAt}, nil
}

func (p *refreshPlatform) CreateMediaContainer(context.Context, string, string, string, string) (string, error) {
	return "", errors.New("unexpected call")
}

func (p *refreshPlatform) PublishMedia(context.Context, string, string, string) (string, error) {
	return "", errors.New("unexpected call")
}

func (p *refreshPlatform) FetchInsights(context.Context, string, string) (*instagram.Insights, error) {
	return nil, errors.New("unexpected call")
}

func (p *refreshPlatform) RevokePermissions(context.Context, string) error {
	return errors.New("unexpected call")
}

func TestRunOnce_AccountExpiringSoonIsRefreshed(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ctx := context.Background()
	now := time.Now()

	store := repository.NewMemoryStore()
	soon, err := store.Accounts().Upsert(ctx, &model.LinkedAccount{
		UserID:            "user-1",
		ExternalAccountID: "ig-soon",
		AccessToken:       "old-token",
		TokenExpiresAt:    now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Upsert に失敗: %v", err)
	}
	later, err := store.Accounts().Upsert(ctx, &model.LinkedAccount{
		UserID:            "user-1",
		ExternalAccountID: "ig-later",
		AccessToken:       "later-token",
		TokenExpiresAt:    now.Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Upsert に失敗: %v", err)
	}

	platform := &refreshPlatform{expiresAt: now.Add(60 * 24 * time.Hour)}
	client := publisher.NewClient(platform, store.Accounts(), store.RateLimits(), nil, nil, nil, logger, publisher.DefaultConfig())

	job := NewJob(store.Accounts(), client, logger, Config{Window: 30 * time.Minute})
	summary, err := job.RunOnce(ctx)
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if summary.Candidates != 1 || summary.Refreshed != 1 || summary.Failed != 0 || summary.ReauthRequired != 0 {
		t.Errorf("集計が不正: %+v", summary)
	}
	if platform.refreshed.Load() != 1 {
		t.Errorf("更新API呼び出し回数 = %d, want 1", platform.refreshed.Load())
	}

	got, _ := store.Accounts().FindByID(ctx, soon.ID)
	if got.AccessToken != "new-old-token" {
		t.Errorf("AccessToken = %q, want new-old-token", got.AccessToken)
	}
	if !got.TokenExpiresAt.Equal(platform.expiresAt) {
		t.Errorf("TokenExpiresAt = %v, want %v", got.TokenExpiresAt, platform.expiresAt)
	}
	if got.ReauthRequired || got.ReauthReason != "" {
		t.Errorf("エラーが記録されている: %+v", got)
	}
	if !got.IsDefault {
		t.Error("更新でデフォルトが変わってはならない")
	}

	untouched, _ := store.Accounts().FindByID(ctx, later.ID)
	if untouched.AccessToken != "later-token" {
		t.Error("対象外のアカウントが更新された")
	}
}
