package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/instagallery/internal/account"
	"github.com/hitoshi/instagallery/internal/middleware"
	"github.com/hitoshi/instagallery/internal/model"
)

// AccountServiceInterface はアカウントハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	AuthURL(state string) string
	List(ctx context.Context, userID string) ([]*model.LinkedAccount, error)
	SetDefault(ctx context.Context, accountID, userID string) error
	Connect(ctx context.Context, userID, code string) (*model.LinkedAccount, error)
	Disconnect(ctx context.Context, userID, accountID string) error
	Revoke(ctx context.Context, userID, accountID string) error
}

var _ AccountServiceInterface = (*account.Service)(nil)

// AccountResponse は連携アカウントのレスポンス。トークンは含めない。
type AccountResponse struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	IsDefault       bool       `json:"is_default"`
	ReauthRequired  bool       `json:"reauth_required"`
	ReauthReason    string     `json:"reauth_reason,omitempty"`
	TokenExpiresAt  time.Time  `json:"token_expires_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	Scope           []string   `json:"scope"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toAccountResponse(a *model.LinkedAccount) AccountResponse {
	scope := a.Scope
	if scope == nil {
		scope = []string{}
	}
	return AccountResponse{
		ID:              a.ID,
		Username:        a.Username,
		IsDefault:       a.IsDefault,
		ReauthRequired:  a.ReauthRequired,
		ReauthReason:    a.ReauthReason,
		TokenExpiresAt:  a.TokenExpiresAt,
		LastRefreshedAt: a.LastRefreshedAt,
		Scope:           scope,
		CreatedAt:       a.CreatedAt,
	}
}

// AccountHandler は連携アカウント管理のHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
	logger  *slog.Logger
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{service: service, logger: logger}
}

// List はログインユーザーの連携アカウント一覧を返す。
// GET /api/accounts
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	accounts, err := h.service.List(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "")
		return
	}

	resp := make([]AccountResponse, 0, len(accounts))
	for _, a := range accounts {
		resp = append(resp, toAccountResponse(a))
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

// SetDefault は投稿先のデフォルトアカウントを切り替える。
// PUT /api/accounts/{id}/default
func (h *AccountHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "id")

	if err := h.service.SetDefault(r.Context(), accountID, userID); err != nil {
		writeServiceError(w, h.logger, err, accountID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Disconnect は連携を解除する。Instagram側の認可は残る。
// DELETE /api/accounts/{id}
func (h *AccountHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "id")

	if err := h.service.Disconnect(r.Context(), userID, accountID); err != nil {
		writeServiceError(w, h.logger, err, accountID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Revoke はInstagram側の認可を取り消してから連携を解除する。
// POST /api/accounts/{id}/revoke
func (h *AccountHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	accountID := chi.URLParam(r, "id")

	if err := h.service.Revoke(r.Context(), userID, accountID); err != nil {
		writeServiceError(w, h.logger, err, accountID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireUser はコンテキストからユーザーIDを取り出し、無ければ401を書き込む。
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}
