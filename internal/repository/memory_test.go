package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/instagallery/internal/model"
)

func newTestStore(t *testing.T) (*MemoryStore, *time.Time) {
	t.Helper()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})
	return s, &now
}

func mustUpsert(t *testing.T, repo LinkedAccountRepository, userID, externalID string) *model.LinkedAccount {
	t.Helper()
	a, err := repo.Upsert(context.Background(), &model.LinkedAccount{
		UserID:            userID,
		ExternalAccountID: externalID,
		Username:          "user_" + externalID,
		AccessToken:       "tok-" + externalID,
		TokenExpiresAt:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		Scope:             []string{"instagram_business_basic"},
	})
	if err != nil {
		t.Fatalf("Upsert がエラーを返した: %v", err)
	}
	return a
}

func countDefaults(t *testing.T, repo LinkedAccountRepository, userID string) int {
	t.Helper()
	accounts, err := repo.ListByUserID(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListByUserID がエラーを返した: %v", err)
	}
	n := 0
	for _, a := range accounts {
		if a.IsDefault {
			n++
		}
	}
	return n
}

func TestMemoryAccounts_FirstAccountBecomesDefault(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Accounts()

	first := mustUpsert(t, repo, "u1", "ig-1")
	second := mustUpsert(t, repo, "u1", "ig-2")

	if !first.IsDefault {
		t.Error("最初のアカウントはデフォルトになるべき")
	}
	if second.IsDefault {
		t.Error("2件目のアカウントはデフォルトになるべきではない")
	}
	if n := countDefaults(t, repo, "u1"); n != 1 {
		t.Errorf("デフォルト件数 = %d, want 1", n)
	}
}

func TestMemoryAccounts_UpsertRelinkClearsReauthAndKeepsDefault(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Accounts()
	ctx := context.Background()

	a := mustUpsert(t, repo, "u1", "ig-1")
	if err := repo.MarkReauthRequired(ctx, a.ID, "AUTH_INVALID"); err != nil {
		t.Fatalf("MarkReauthRequired がエラーを返した: %v", err)
	}

	relinked := mustUpsert(t, repo, "u1", "ig-1")
	if relinked.ID != a.ID {
		t.Errorf("再連携で新しいIDが採番された: %s != %s", relinked.ID, a.ID)
	}
	if relinked.ReauthRequired || relinked.ReauthReason != "" {
		t.Error("再連携で再認証フラグが解除されるべき")
	}
	if !relinked.IsDefault {
		t.Error("再連携でデフォルトが外れてはならない")
	}
}

func TestMemoryAccounts_SetDefault_SwitchesAtomically(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Accounts()
	ctx := context.Background()

	a := mustUpsert(t, repo, "u1", "ig-1")
	b := mustUpsert(t, repo, "u1", "ig-2")

	if err := repo.SetDefault(ctx, "u1", b.ID); err != nil {
		t.Fatalf("SetDefault がエラーを返した: %v", err)
	}

	gotA, _ := repo.FindByID(ctx, a.ID)
	gotB, _ := repo.FindByID(ctx, b.ID)
	if gotA.IsDefault || !gotB.IsDefault {
		t.Errorf("IsDefault: a=%v b=%v, want a=false b=true", gotA.IsDefault, gotB.IsDefault)
	}
}

func TestMemoryAccounts_SetDefault_FailureLeavesPriorState(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Accounts()
	ctx := context.Background()

	a := mustUpsert(t, repo, "u1", "ig-1")
	b := mustUpsert(t, repo, "u1", "ig-2")

	injected := errors.New("injected failure")
	s.SetFailpoint(func(point string) error {
		if point == FailpointSetDefaultAfterClear {
			return injected
		}
		return nil
	})

	if err := repo.SetDefault(ctx, "u1", b.ID); !errors.Is(err, injected) {
		t.Fatalf("err = %v, want injected failure", err)
	}

	gotA, _ := repo.FindByID(ctx, a.ID)
	gotB, _ := repo.FindByID(ctx, b.ID)
	if !gotA.IsDefault || gotB.IsDefault {
		t.Errorf("失敗後の状態が変化した: a=%v b=%v, want a=true b=false", gotA.IsDefault, gotB.IsDefault)
	}
}

func TestMemoryAccounts_SetDefault_OtherUsersAccountIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Accounts()

	mustUpsert(t, repo, "u1", "ig-1")
	other := mustUpsert(t, repo, "u2", "ig-9")

	before := s.Writes()
	if err := repo.SetDefault(context.Background(), "u1", other.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := repo.SetDefault(context.Background(), "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if s.Writes() != before {
		t.Error("所有者不一致の場合は書き込みを行ってはならない")
	}
}

func TestMemoryAccounts_SetDefault_ConcurrentKeepsSingleDefault(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Accounts()

	var ids []string
	for _, ext := range []string{"ig-1", "ig-2", "ig-3", "ig-4"} {
		ids = append(ids, mustUpsert(t, repo, "u1", ext).ID)
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = repo.SetDefault(context.Background(), "u1", id)
		}(ids[i%len(ids)])
	}
	wg.Wait()

	if n := countDefaults(t, repo, "u1"); n != 1 {
		t.Errorf("並行実行後のデフォルト件数 = %d, want 1", n)
	}
}

func TestMemoryAccounts_UpdateCredential_DoesNotTouchDefault(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Accounts()
	ctx := context.Background()

	a := mustUpsert(t, repo, "u1", "ig-1")
	exp := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	refreshedAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if err := repo.UpdateCredential(ctx, a.ID, model.Credential{AccessToken: "new", ExpiresAt: exp}, refreshedAt); err != nil {
		t.Fatalf("UpdateCredential がエラーを返した: %v", err)
	}

	got, _ := repo.FindByID(ctx, a.ID)
	if got.AccessToken != "new" || !got.TokenExpiresAt.Equal(exp) {
		t.Errorf("資格情報が更新されていない: %+v", got)
	}
	if !got.IsDefault {
		t.Error("UpdateCredential はis_defaultを変更してはならない")
	}
	if got.LastRefreshedAt == nil || !got.LastRefreshedAt.Equal(refreshedAt) {
		t.Errorf("LastRefreshedAt = %v, want %v", got.LastRefreshedAt, refreshedAt)
	}

	if err := repo.UpdateCredential(ctx, "missing", model.Credential{}, refreshedAt); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryAccounts_ListExpiringBefore_ExcludesFlagged(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Accounts()
	ctx := context.Background()

	a := mustUpsert(t, repo, "u1", "ig-1")
	b := mustUpsert(t, repo, "u1", "ig-2")
	if err := repo.MarkReauthRequired(ctx, b.ID, "AUTH_INVALID"); err != nil {
		t.Fatalf("MarkReauthRequired がエラーを返した: %v", err)
	}

	got, err := repo.ListExpiringBefore(ctx, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListExpiringBefore がエラーを返した: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("対象アカウント = %v, want [%s]", got, a.ID)
	}

	got, _ = repo.ListExpiringBefore(ctx, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if len(got) != 0 {
		t.Errorf("失効日時より前の境界では対象なしであるべき: %d件", len(got))
	}
}

func TestMemoryAccounts_Disconnect_PromotesOldestAndUnlinksPosts(t *testing.T) {
	s, _ := newTestStore(t)
	accounts := s.Accounts()
	posts := s.Posts()
	ctx := context.Background()

	a := mustUpsert(t, accounts, "u1", "ig-1")
	b := mustUpsert(t, accounts, "u1", "ig-2")
	c := mustUpsert(t, accounts, "u1", "ig-3")

	post := &model.Post{UserID: "u1", LinkedAccountID: a.ID, ImageURL: "https://cdn.example.com/a.jpg"}
	if err := posts.Create(ctx, post); err != nil {
		t.Fatalf("Create がエラーを返した: %v", err)
	}

	if err := accounts.Disconnect(ctx, "u1", a.ID); err != nil {
		t.Fatalf("Disconnect がエラーを返した: %v", err)
	}

	if got, _ := accounts.FindByID(ctx, a.ID); got != nil {
		t.Error("切断したアカウントが残っている")
	}
	gotB, _ := accounts.FindByID(ctx, b.ID)
	gotC, _ := accounts.FindByID(ctx, c.ID)
	if !gotB.IsDefault || gotC.IsDefault {
		t.Errorf("最古のアカウントが昇格されるべき: b=%v c=%v", gotB.IsDefault, gotC.IsDefault)
	}
	gotPost, _ := posts.FindByID(ctx, post.ID)
	if gotPost.LinkedAccountID != "" {
		t.Errorf("投稿の紐付けが解除されていない: %s", gotPost.LinkedAccountID)
	}
}

func TestMemoryAccounts_Disconnect_FailureRollsBack(t *testing.T) {
	s, _ := newTestStore(t)
	accounts := s.Accounts()
	ctx := context.Background()

	a := mustUpsert(t, accounts, "u1", "ig-1")
	post := &model.Post{UserID: "u1", LinkedAccountID: a.ID, ImageURL: "https://cdn.example.com/a.jpg"}
	_ = s.Posts().Create(ctx, post)

	s.SetFailpoint(func(point string) error {
		if point == FailpointDisconnectAfterUnlink {
			return errors.New("boom")
		}
		return nil
	})
	if err := accounts.Disconnect(ctx, "u1", a.ID); err == nil {
		t.Fatal("注入した障害でエラーが返されるべき")
	}

	if got, _ := accounts.FindByID(ctx, a.ID); got == nil {
		t.Error("失敗時にアカウントが削除された")
	}
	if got, _ := s.Posts().FindByID(ctx, post.ID); got.LinkedAccountID != a.ID {
		t.Error("失敗時に投稿の紐付けが解除された")
	}
}

func TestMemoryRateLimits_ConsumeAndRollover(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.RateLimits()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 1; i <= 2; i++ {
		w, ok, err := repo.Consume(ctx, "acc", model.RateLimitCategoryGraph, 2, time.Hour, start)
		if err != nil || !ok {
			t.Fatalf("%d回目の消費に失敗: ok=%v err=%v", i, ok, err)
		}
		if w.CallCount != i {
			t.Errorf("CallCount = %d, want %d", w.CallCount, i)
		}
	}

	w, ok, _ := repo.Consume(ctx, "acc", model.RateLimitCategoryGraph, 2, time.Hour, start.Add(30*time.Minute))
	if ok {
		t.Error("枠を使い切った後は消費できないべき")
	}
	if w.CallCount != 2 {
		t.Errorf("拒否時にCallCountが変化した: %d", w.CallCount)
	}

	w, ok, _ = repo.Consume(ctx, "acc", model.RateLimitCategoryGraph, 2, time.Hour, start.Add(time.Hour))
	if !ok || w.CallCount != 1 {
		t.Errorf("期間経過後はロールオーバーされるべき: ok=%v count=%d", ok, w.CallCount)
	}
	if !w.WindowStart.Equal(start.Add(time.Hour)) {
		t.Errorf("WindowStart = %v, want %v", w.WindowStart, start.Add(time.Hour))
	}
}

func TestMemoryRateLimits_ResetElapsedIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.RateLimits()
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, _, _ = repo.Consume(ctx, "old", model.RateLimitCategoryGraph, 10, time.Hour, start)
	_, _, _ = repo.Consume(ctx, "fresh", model.RateLimitCategoryGraph, 10, time.Hour, start.Add(50*time.Minute))

	now := start.Add(time.Hour)
	n, err := repo.ResetElapsed(ctx, now, time.Hour)
	if err != nil {
		t.Fatalf("ResetElapsed がエラーを返した: %v", err)
	}
	if n != 1 {
		t.Errorf("リセット件数 = %d, want 1", n)
	}

	n, _ = repo.ResetElapsed(ctx, now, time.Hour)
	if n != 0 {
		t.Errorf("2回目のリセット件数 = %d, want 0", n)
	}

	w, _, _ := repo.Consume(ctx, "fresh", model.RateLimitCategoryGraph, 10, time.Hour, now)
	if w.CallCount != 2 {
		t.Errorf("期間内のウィンドウがリセットされた: CallCount = %d", w.CallCount)
	}
}

func TestMemoryRateLimits_DeleteOrphaned(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustUpsert(t, s.Accounts(), "u1", "ig-1")
	repo := s.RateLimits()
	ctx := context.Background()
	now := time.Now()

	_, _, _ = repo.Consume(ctx, a.ID, model.RateLimitCategoryGraph, 10, time.Hour, now)
	_, _, _ = repo.Consume(ctx, "gone", model.RateLimitCategoryGraph, 10, time.Hour, now)

	n, err := repo.DeleteOrphaned(ctx)
	if err != nil {
		t.Fatalf("DeleteOrphaned がエラーを返した: %v", err)
	}
	if n != 1 {
		t.Errorf("削除件数 = %d, want 1", n)
	}
}

func TestMemoryPosts_ListPublishedByAccount(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Posts()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, status := range []model.PostStatus{model.PostStatusPublished, model.PostStatusPublished, model.PostStatusFailed} {
		p := &model.Post{UserID: "u1", LinkedAccountID: "acc", ImageURL: "https://cdn.example.com/x.jpg"}
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("Create がエラーを返した: %v", err)
		}
		published := base.Add(time.Duration(i) * time.Hour)
		p.Status = status
		p.ExternalMediaID = "m"
		p.PublishedAt = &published
		if err := repo.UpdatePublishResult(ctx, p); err != nil {
			t.Fatalf("UpdatePublishResult がエラーを返した: %v", err)
		}
	}

	got, err := repo.ListPublishedByAccount(ctx, "acc", base, 10)
	if err != nil {
		t.Fatalf("ListPublishedByAccount がエラーを返した: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("件数 = %d, want 2", len(got))
	}
	if !got[0].PublishedAt.After(*got[1].PublishedAt) {
		t.Error("新しい順に並んでいない")
	}

	got, _ = repo.ListPublishedByAccount(ctx, "acc", base, 1)
	if len(got) != 1 {
		t.Errorf("limit が適用されていない: %d件", len(got))
	}
}

func TestMemoryPosts_MetricsUpsertAndRetention(t *testing.T) {
	s, _ := newTestStore(t)
	repo := s.Posts()
	ctx := context.Background()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_ = repo.UpsertMetrics(ctx, &model.PostMetrics{PostID: "p1", Likes: 1, FetchedAt: old})
	_ = repo.UpsertMetrics(ctx, &model.PostMetrics{PostID: "p1", Likes: 5, FetchedAt: fresh})
	_ = repo.UpsertMetrics(ctx, &model.PostMetrics{PostID: "p2", Likes: 2, FetchedAt: old})

	if m := s.PostMetrics("p1"); m == nil || m.Likes != 5 {
		t.Errorf("UPSERT で上書きされていない: %+v", m)
	}

	n, err := repo.DeleteMetricsOlderThan(ctx, fresh.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteMetricsOlderThan がエラーを返した: %v", err)
	}
	if n != 1 || s.PostMetrics("p2") != nil {
		t.Errorf("古いメトリクスが削除されていない: n=%d", n)
	}
}

func TestMemorySessions_FindByID_ExcludesExpired(t *testing.T) {
	s, now := newTestStore(t)
	s.PutSession(&model.Session{ID: "live", UserID: "u1", ExpiresAt: now.Add(time.Hour)})
	s.PutSession(&model.Session{ID: "dead", UserID: "u1", ExpiresAt: now.Add(-time.Hour)})

	repo := s.Sessions()
	if got, _ := repo.FindByID(context.Background(), "live"); got == nil {
		t.Error("有効なセッションが取得できない")
	}
	if got, _ := repo.FindByID(context.Background(), "dead"); got != nil {
		t.Error("期限切れのセッションが返された")
	}
}
