package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/instagallery/internal/middleware"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/post"
	"github.com/hitoshi/instagallery/internal/worker/scheduler"
)

type mockAccountService struct {
	authURLFn    func(state string) string
	listFn       func(ctx context.Context, userID string) ([]*model.LinkedAccount, error)
	setDefaultFn func(ctx context.Context, accountID, userID string) error
	connectFn    func(ctx context.Context, userID, code string) (*model.LinkedAccount, error)
	disconnectFn func(ctx context.Context, userID, accountID string) error
	revokeFn     func(ctx context.Context, userID, accountID string) error
}

func (m *mockAccountService) AuthURL(state string) string {
	if m.authURLFn != nil {
		return m.authURLFn(state)
	}
	return "https://www.instagram.com/oauth/authorize?state=" + state
}

func (m *mockAccountService) List(ctx context.Context, userID string) ([]*model.LinkedAccount, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockAccountService) SetDefault(ctx context.Context, accountID, userID string) error {
	if m.setDefaultFn != nil {
		return m.setDefaultFn(ctx, accountID, userID)
	}
	return nil
}

func (m *mockAccountService) Connect(ctx context.Context, userID, code string) (*model.LinkedAccount, error) {
	if m.connectFn != nil {
		return m.connectFn(ctx, userID, code)
	}
	return &model.LinkedAccount{ID: "acc-new", UserID: userID}, nil
}

func (m *mockAccountService) Disconnect(ctx context.Context, userID, accountID string) error {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, userID, accountID)
	}
	return nil
}

func (m *mockAccountService) Revoke(ctx context.Context, userID, accountID string) error {
	if m.revokeFn != nil {
		return m.revokeFn(ctx, userID, accountID)
	}
	return nil
}

type mockPostService struct {
	publishFn func(ctx context.Context, req post.Request) (*model.Post, error)
}

func (m *mockPostService) Publish(ctx context.Context, req post.Request) (*model.Post, error) {
	if m.publishFn != nil {
		return m.publishFn(ctx, req)
	}
	return &model.Post{ID: "post-1", LinkedAccountID: req.AccountID, Status: model.PostStatusPublished}, nil
}

type mockJobRunner struct {
	jobsFn    func() []scheduler.JobStatus
	triggerFn func(ctx context.Context, name string) error
}

func (m *mockJobRunner) Jobs() []scheduler.JobStatus {
	if m.jobsFn != nil {
		return m.jobsFn()
	}
	return nil
}

func (m *mockJobRunner) Trigger(ctx context.Context, name string) error {
	if m.triggerFn != nil {
		return m.triggerFn(ctx, name)
	}
	return nil
}

type mockSessionFinder struct {
	sessions map[string]*model.Session
}

func (m *mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return m.sessions[id], nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// withUser はセッションミドルウェア通過後と同じくユーザーIDをコンテキストに載せる。
func withUser(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("エラーレスポンスのデコードに失敗: %v", err)
	}
	return body
}

// withURLParam はchiのルーティングを通さずにURLパラメータを設定する。
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
