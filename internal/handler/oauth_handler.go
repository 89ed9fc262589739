package handler

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/instagallery/internal/middleware"
	"github.com/hitoshi/instagallery/internal/model"
)

const oauthStateCookie = "oauth_state"

// OAuthHandlerConfig はInstagram連携フローの設定。
type OAuthHandlerConfig struct {
	BaseURL      string // 連携完了後のリダイレクト先
	CookieDomain string
	CookieSecure bool
}

// OAuthHandler はInstagram連携のOAuthフローを処理する。
// ギャラリーにログイン済みのユーザーが対象のため、セッションミドルウェアの内側に配置する。
type OAuthHandler struct {
	service AccountServiceInterface
	config  OAuthHandlerConfig
	logger  *slog.Logger
}

// NewOAuthHandler はOAuthHandlerを生成する。
func NewOAuthHandler(service AccountServiceInterface, config OAuthHandlerConfig, logger *slog.Logger) *OAuthHandler {
	return &OAuthHandler{service: service, config: config, logger: logger}
}

// Login はInstagramの認可画面にリダイレクトする。
// GET /auth/instagram/login
func (h *OAuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		h.logger.Error("OAuth stateの生成に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	http.SetCookie(w, h.stateCookie(state, 600))
	http.Redirect(w, r, h.service.AuthURL(state), http.StatusTemporaryRedirect)
}

// Callback は認可コードを受け取りアカウントを連携する。
// 結果はクエリパラメータ付きでギャラリーにリダイレクトして伝える。
// GET /auth/instagram/callback?code=xxx&state=yyy
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" ||
		subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(q.Get("state"))) != 1 {
		h.logger.Warn("OAuth stateが一致しません", slog.String("user_id", userID))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidOAuthStateError())
		return
	}
	http.SetCookie(w, h.stateCookie("", -1))

	// ユーザーが認可を拒否した場合
	if reason := q.Get("error"); reason != "" {
		h.logger.Info("Instagram連携がキャンセルされました",
			slog.String("user_id", userID),
			slog.String("reason", reason),
		)
		h.redirectResult(w, r, "instagram_error", "access_denied")
		return
	}

	code := q.Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("認可コードがありません"))
		return
	}

	linked, err := h.service.Connect(r.Context(), userID, code)
	if err != nil {
		h.logger.Error("Instagram連携に失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		h.redirectResult(w, r, "instagram_error", "connect_failed")
		return
	}
	h.redirectResult(w, r, "instagram_connected", linked.ID)
}

func (h *OAuthHandler) stateCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/auth/instagram",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *OAuthHandler) redirectResult(w http.ResponseWriter, r *http.Request, key, value string) {
	target := h.config.BaseURL
	if u, err := url.Parse(h.config.BaseURL); err == nil {
		q := u.Query()
		q.Set(key, value)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
