package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/instagallery/internal/model"
)

// MemoryStore はプロセス内で完結するリポジトリ実装。
// 単体テストとDBなしの開発環境で使用する。
// 複数行にまたがる更新はコピーに適用してから一括で差し替えるため、
// 途中で失敗しても部分的な状態は観測されない。
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*model.LinkedAccount
	posts    map[string]*model.Post
	metrics  map[string]*model.PostMetrics
	windows  map[windowKey]*model.RateLimitWindow
	sessions map[string]*model.Session
	writes   int
	now      func() time.Time

	// failpoint はトランザクションの中間地点で呼ばれる。エラーを返すと変更は破棄される。
	failpoint func(point string) error
}

type windowKey struct {
	accountID string
	category  model.RateLimitCategory
}

// Failpointの識別子。
const (
	FailpointSetDefaultAfterClear  = "set_default.after_clear"
	FailpointDisconnectAfterUnlink = "disconnect.after_unlink"
)

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.LinkedAccount),
		posts:    make(map[string]*model.Post),
		metrics:  make(map[string]*model.PostMetrics),
		windows:  make(map[windowKey]*model.RateLimitWindow),
		sessions: make(map[string]*model.Session),
		now:      time.Now,
	}
}

// SetFailpoint はトランザクション中間地点のフックを設定する。
func (s *MemoryStore) SetFailpoint(fn func(point string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failpoint = fn
}

// SetClock は作成日時等に使用する時計を差し替える。
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Writes はコミットされた書き込み操作の回数を返す。
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// PutSession はセッションを登録する。セッションの発行は外部で行われるため、
// 開発環境とテストでのみ使用する。
func (s *MemoryStore) PutSession(session *model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
}

// PostMetrics は保存済みの投稿メトリクスを返す。
func (s *MemoryStore) PostMetrics(postID string) *model.PostMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[postID]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// Accounts は連携アカウントリポジトリを返す。
func (s *MemoryStore) Accounts() LinkedAccountRepository { return &memoryAccountRepo{s: s} }

// RateLimits は呼び出し枠リポジトリを返す。
func (s *MemoryStore) RateLimits() RateLimitRepository { return &memoryRateLimitRepo{s: s} }

// Posts は投稿リポジトリを返す。
func (s *MemoryStore) Posts() PostRepository { return &memoryPostRepo{s: s} }

// Sessions はセッションリポジトリを返す。
func (s *MemoryStore) Sessions() SessionRepository { return &memorySessionRepo{s: s} }

func (s *MemoryStore) fail(point string) error {
	if s.failpoint == nil {
		return nil
	}
	return s.failpoint(point)
}

func copyAccount(a *model.LinkedAccount) *model.LinkedAccount {
	cp := *a
	if a.Scope != nil {
		cp.Scope = make([]string, len(a.Scope))
		copy(cp.Scope, a.Scope)
	}
	if a.LastRefreshedAt != nil {
		t := *a.LastRefreshedAt
		cp.LastRefreshedAt = &t
	}
	return &cp
}

func copyPost(p *model.Post) *model.Post {
	cp := *p
	if p.PublishedAt != nil {
		t := *p.PublishedAt
		cp.PublishedAt = &t
	}
	return &cp
}

func cloneAccounts(src map[string]*model.LinkedAccount) map[string]*model.LinkedAccount {
	dst := make(map[string]*model.LinkedAccount, len(src))
	for k, v := range src {
		dst[k] = copyAccount(v)
	}
	return dst
}

func sortAccounts(accounts []*model.LinkedAccount) {
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		}
		return accounts[i].ID < accounts[j].ID
	})
}

// --- LinkedAccountRepository ---

type memoryAccountRepo struct {
	s *MemoryStore
}

func (r *memoryAccountRepo) FindByID(_ context.Context, id string) (*model.LinkedAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, nil
	}
	return copyAccount(a), nil
}

func (r *memoryAccountRepo) FindDefaultByUserID(_ context.Context, userID string) (*model.LinkedAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accounts {
		if a.UserID == userID && a.IsDefault {
			return copyAccount(a), nil
		}
	}
	return nil, nil
}

func (r *memoryAccountRepo) ListByUserID(_ context.Context, userID string) ([]*model.LinkedAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.LinkedAccount
	for _, a := range r.s.accounts {
		if a.UserID == userID {
			out = append(out, copyAccount(a))
		}
	}
	sortAccounts(out)
	return out, nil
}

func (r *memoryAccountRepo) ListExpiringBefore(_ context.Context, before time.Time) ([]*model.LinkedAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.LinkedAccount
	for _, a := range r.s.accounts {
		if !a.ReauthRequired && !a.TokenExpiresAt.After(before) {
			out = append(out, copyAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenExpiresAt.Before(out[j].TokenExpiresAt) })
	return out, nil
}

func (r *memoryAccountRepo) ListWithPublishedPosts(_ context.Context) ([]*model.LinkedAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	has := make(map[string]bool)
	for _, p := range r.s.posts {
		if p.Status == model.PostStatusPublished && p.LinkedAccountID != "" {
			has[p.LinkedAccountID] = true
		}
	}
	var out []*model.LinkedAccount
	for id := range has {
		if a, ok := r.s.accounts[id]; ok && !a.ReauthRequired {
			out = append(out, copyAccount(a))
		}
	}
	sortAccounts(out)
	return out, nil
}

func (r *memoryAccountRepo) Upsert(_ context.Context, account *model.LinkedAccount) (*model.LinkedAccount, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	hasAny := false
	for _, a := range r.s.accounts {
		if a.UserID != account.UserID {
			continue
		}
		hasAny = true
		if a.ExternalAccountID == account.ExternalAccountID {
			a.Username = account.Username
			a.AccessToken = account.AccessToken
			a.RefreshToken = account.RefreshToken
			a.TokenExpiresAt = account.TokenExpiresAt
			a.Scope = append([]string(nil), account.Scope...)
			a.ReauthRequired = false
			a.ReauthReason = ""
			if account.LastRefreshedAt != nil {
				t := *account.LastRefreshedAt
				a.LastRefreshedAt = &t
			}
			a.UpdatedAt = now
			r.s.writes++
			return copyAccount(a), nil
		}
	}

	created := copyAccount(account)
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	created.IsDefault = !hasAny
	created.ReauthRequired = false
	created.ReauthReason = ""
	created.CreatedAt = now
	created.UpdatedAt = now
	r.s.accounts[created.ID] = created
	r.s.writes++
	return copyAccount(created), nil
}

func (r *memoryAccountRepo) UpdateCredential(_ context.Context, accountID string, cred model.Credential, refreshedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.AccessToken = cred.AccessToken
	if cred.RefreshToken != "" {
		a.RefreshToken = cred.RefreshToken
	}
	a.TokenExpiresAt = cred.ExpiresAt
	t := refreshedAt
	a.LastRefreshedAt = &t
	a.UpdatedAt = r.s.now()
	r.s.writes++
	return nil
}

func (r *memoryAccountRepo) MarkReauthRequired(_ context.Context, accountID, reason string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	a.ReauthRequired = true
	a.ReauthReason = reason
	a.UpdatedAt = r.s.now()
	r.s.writes++
	return nil
}

func (r *memoryAccountRepo) SetDefault(_ context.Context, userID, accountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	target, ok := r.s.accounts[accountID]
	if !ok || target.UserID != userID {
		return ErrNotFound
	}

	next := cloneAccounts(r.s.accounts)
	now := r.s.now()
	for _, a := range next {
		if a.UserID == userID && a.IsDefault {
			a.IsDefault = false
			a.UpdatedAt = now
		}
	}
	if err := r.s.fail(FailpointSetDefaultAfterClear); err != nil {
		return err
	}
	next[accountID].IsDefault = true
	next[accountID].UpdatedAt = now

	r.s.accounts = next
	r.s.writes++
	return nil
}

func (r *memoryAccountRepo) Disconnect(_ context.Context, userID, accountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	target, ok := r.s.accounts[accountID]
	if !ok || target.UserID != userID {
		return ErrNotFound
	}

	now := r.s.now()
	nextPosts := make(map[string]*model.Post, len(r.s.posts))
	for k, p := range r.s.posts {
		cp := copyPost(p)
		if cp.LinkedAccountID == accountID {
			cp.LinkedAccountID = ""
			cp.UpdatedAt = now
		}
		nextPosts[k] = cp
	}
	if err := r.s.fail(FailpointDisconnectAfterUnlink); err != nil {
		return err
	}

	nextAccounts := cloneAccounts(r.s.accounts)
	delete(nextAccounts, accountID)
	if target.IsDefault {
		var remaining []*model.LinkedAccount
		for _, a := range nextAccounts {
			if a.UserID == userID {
				remaining = append(remaining, a)
			}
		}
		sortAccounts(remaining)
		if len(remaining) > 0 {
			remaining[0].IsDefault = true
			remaining[0].UpdatedAt = now
		}
	}

	r.s.accounts = nextAccounts
	r.s.posts = nextPosts
	r.s.writes++
	return nil
}

// --- RateLimitRepository ---

type memoryRateLimitRepo struct {
	s *MemoryStore
}

func (r *memoryRateLimitRepo) Consume(_ context.Context, accountID string, category model.RateLimitCategory, limit int, period time.Duration, now time.Time) (*model.RateLimitWindow, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := windowKey{accountID: accountID, category: category}
	w, ok := r.s.windows[key]
	if !ok {
		w = &model.RateLimitWindow{AccountID: accountID, Category: category, WindowStart: now}
		r.s.windows[key] = w
	}
	w.Limit = limit
	if w.Elapsed(now, period) {
		w.Rollover(now)
	}
	allowed := !w.Exhausted()
	if allowed {
		w.CallCount++
	}
	r.s.writes++
	cp := *w
	return &cp, allowed, nil
}

func (r *memoryRateLimitRepo) ResetElapsed(_ context.Context, now time.Time, period time.Duration) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, w := range r.s.windows {
		if w.Elapsed(now, period) {
			w.Rollover(now)
			n++
		}
	}
	if n > 0 {
		r.s.writes++
	}
	return n, nil
}

func (r *memoryRateLimitRepo) DeleteOrphaned(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k := range r.s.windows {
		if _, ok := r.s.accounts[k.accountID]; !ok {
			delete(r.s.windows, k)
			n++
		}
	}
	if n > 0 {
		r.s.writes++
	}
	return n, nil
}

// --- PostRepository ---

type memoryPostRepo struct {
	s *MemoryStore
}

func (r *memoryPostRepo) Create(_ context.Context, post *model.Post) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	if post.Status == "" {
		post.Status = model.PostStatusPending
	}
	now := r.s.now()
	post.CreatedAt = now
	post.UpdatedAt = now
	r.s.posts[post.ID] = copyPost(post)
	r.s.writes++
	return nil
}

func (r *memoryPostRepo) FindByID(_ context.Context, id string) (*model.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.posts[id]
	if !ok {
		return nil, nil
	}
	return copyPost(p), nil
}

func (r *memoryPostRepo) UpdatePublishResult(_ context.Context, post *model.Post) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.posts[post.ID]
	if !ok {
		return ErrNotFound
	}
	updated := copyPost(post)
	updated.UserID = p.UserID
	updated.ImageURL = p.ImageURL
	updated.CreatedAt = p.CreatedAt
	updated.UpdatedAt = r.s.now()
	r.s.posts[post.ID] = updated
	r.s.writes++
	return nil
}

func (r *memoryPostRepo) ListPublishedByAccount(_ context.Context, accountID string, since time.Time, limit int) ([]*model.Post, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Post
	for _, p := range r.s.posts {
		if p.LinkedAccountID != accountID || p.Status != model.PostStatusPublished || p.ExternalMediaID == "" {
			continue
		}
		if p.PublishedAt == nil || p.PublishedAt.Before(since) {
			continue
		}
		out = append(out, copyPost(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(*out[j].PublishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryPostRepo) UpsertMetrics(_ context.Context, m *model.PostMetrics) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *m
	r.s.metrics[m.PostID] = &cp
	r.s.writes++
	return nil
}

func (r *memoryPostRepo) DeleteMetricsOlderThan(_ context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, m := range r.s.metrics {
		if m.FetchedAt.Before(before) {
			delete(r.s.metrics, k)
			n++
		}
	}
	if n > 0 {
		r.s.writes++
	}
	return n, nil
}

// --- SessionRepository ---

type memorySessionRepo struct {
	s *MemoryStore
}

func (r *memorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	session, ok := r.s.sessions[id]
	if !ok || !session.ExpiresAt.After(r.s.now()) {
		return nil, nil
	}
	cp := *session
	return &cp, nil
}

var (
	_ LinkedAccountRepository = (*memoryAccountRepo)(nil)
	_ RateLimitRepository     = (*memoryRateLimitRepo)(nil)
	_ PostRepository          = (*memoryPostRepo)(nil)
	_ SessionRepository       = (*memorySessionRepo)(nil)
)
