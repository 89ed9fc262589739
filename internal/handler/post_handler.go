package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/instagallery/internal/middleware"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/post"
)

// maxPostBodyBytes は投稿リクエストボディの上限。
const maxPostBodyBytes = 64 << 10

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	Publish(ctx context.Context, req post.Request) (*model.Post, error)
}

var _ PostServiceInterface = (*post.Service)(nil)

// PublishRequest はPOST /api/postsのリクエストボディ。
type PublishRequest struct {
	AccountID string `json:"account_id"`
	ImageURL  string `json:"image_url"`
	Caption   string `json:"caption"`
}

// PostResponse は投稿のレスポンス。
type PostResponse struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	ImageURL        string     `json:"image_url"`
	Caption         string     `json:"caption"`
	ExternalMediaID string     `json:"external_media_id,omitempty"`
	Status          string     `json:"status"`
	ErrorCategory   string     `json:"error_category,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toPostResponse(p *model.Post) PostResponse {
	return PostResponse{
		ID:              p.ID,
		AccountID:       p.LinkedAccountID,
		ImageURL:        p.ImageURL,
		Caption:         p.Caption,
		ExternalMediaID: p.ExternalMediaID,
		Status:          string(p.Status),
		ErrorCategory:   p.ErrorCategory,
		PublishedAt:     p.PublishedAt,
		CreatedAt:       p.CreatedAt,
	}
}

// PostHandler は投稿公開のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
	logger  *slog.Logger
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface, logger *slog.Logger) *PostHandler {
	return &PostHandler{service: service, logger: logger}
}

// Publish はギャラリー画像をInstagramに公開する。
// account_idを省略した場合はデフォルトアカウントに投稿する。
// POST /api/posts
func (h *PostHandler) Publish(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req PublishRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxPostBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディを解析できません"))
		return
	}
	req.ImageURL = strings.TrimSpace(req.ImageURL)
	if req.ImageURL == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("image_urlは必須です"))
		return
	}

	p, err := h.service.Publish(r.Context(), post.Request{
		UserID:    userID,
		AccountID: req.AccountID,
		ImageURL:  req.ImageURL,
		Caption:   req.Caption,
	})
	if err != nil {
		writeServiceError(w, h.logger, err, req.AccountID)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, toPostResponse(p))
}
