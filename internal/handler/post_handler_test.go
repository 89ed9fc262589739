package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/instagallery/internal/instagram"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/post"
)

func newPublishRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return withUser(r, "user-1")
}

func TestPostHandler_Publish(t *testing.T) {
	published := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	var got post.Request
	svc := &mockPostService{
		publishFn: func(ctx context.Context, req post.Request) (*model.Post, error) {
			got = req
			return &model.Post{
				ID:              "post-1",
				LinkedAccountID: "acc-1",
				ImageURL:        req.ImageURL,
				Caption:         req.Caption,
				ExternalMediaID: "media-1",
				Status:          model.PostStatusPublished,
				PublishedAt:     &published,
			}, nil
		},
	}
	h := NewPostHandler(svc, discardLogger())

	w := httptest.NewRecorder()
	h.Publish(w, newPublishRequest(`{"account_id":"acc-1","image_url":" https://cdn.example.com/a.jpg ","caption":"夕焼け #photo"}`))

	if w.Code != http.StatusCreated {
		t.Fatalf("ステータスコードが201であるべきところ %d が返された: %s", w.Code, w.Body.String())
	}
	if got.UserID != "user-1" || got.AccountID != "acc-1" || got.ImageURL != "https://cdn.example.com/a.jpg" {
		t.Errorf("サービスへの引数が不正: %+v", got)
	}

	var resp PostResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("デコードに失敗: %v", err)
	}
	if resp.Status != "published" || resp.ExternalMediaID != "media-1" || resp.PublishedAt == nil {
		t.Errorf("レスポンスが不正: %+v", resp)
	}
}

func TestPostHandler_Publish_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"JSONでない", "not json"},
		{"image_urlなし", `{"caption":"x"}`},
		{"image_urlが空白", `{"image_url":"   "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockPostService{
				publishFn: func(ctx context.Context, req post.Request) (*model.Post, error) {
					called = true
					return nil, nil
				},
			}
			h := NewPostHandler(svc, discardLogger())

			w := httptest.NewRecorder()
			h.Publish(w, newPublishRequest(tt.body))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("ステータスコードが400であるべきところ %d が返された", w.Code)
			}
			if called {
				t.Error("不正なリクエストでサービスを呼んではいけない")
			}
			if body := decodeError(t, w); body.Code != model.ErrCodeInvalidRequest {
				t.Errorf("codeが不正: %q", body.Code)
			}
		})
	}
}

func TestPostHandler_Publish_NoDefaultAccount(t *testing.T) {
	svc := &mockPostService{
		publishFn: func(ctx context.Context, req post.Request) (*model.Post, error) {
			return nil, post.ErrNoDefaultAccount
		},
	}
	h := NewPostHandler(svc, discardLogger())

	w := httptest.NewRecorder()
	h.Publish(w, newPublishRequest(`{"image_url":"https://cdn.example.com/a.jpg"}`))

	if w.Code != http.StatusConflict {
		t.Fatalf("ステータスコードが409であるべきところ %d が返された", w.Code)
	}
	if body := decodeError(t, w); body.Code != model.ErrCodeNoDefaultAccount {
		t.Errorf("codeが不正: %q", body.Code)
	}
}

func TestPostHandler_Publish_RateLimited(t *testing.T) {
	svc := &mockPostService{
		publishFn: func(ctx context.Context, req post.Request) (*model.Post, error) {
			// 失敗した投稿も記録されたうえでエラーが返る
			return &model.Post{ID: "post-1", Status: model.PostStatusFailed}, callError(instagram.CategoryRateLimited, time.Hour)
		},
	}
	h := NewPostHandler(svc, discardLogger())

	w := httptest.NewRecorder()
	h.Publish(w, newPublishRequest(`{"image_url":"https://cdn.example.com/a.jpg"}`))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("ステータスコードが429であるべきところ %d が返された", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-Afterが3600であるべきところ %q", got)
	}
}
