package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/instagallery/internal/model"
)

const (
	// defaultGraphBaseURL はInstagram Graph APIのエンドポイント。
	defaultGraphBaseURL = "https://graph.instagram.com"
	// defaultGraphVersion はGraph APIのバージョン。
	defaultGraphVersion = "v21.0"
	// longLivedTokenLifetime はexpires_inが返されない場合に用いる長期トークンの有効期間。
	longLivedTokenLifetime = 60 * 24 * time.Hour
	// maxErrorBodySize はエラーレスポンスボディの最大読み取りサイズ。
	maxErrorBodySize = 64 * 1024
)

// insightMetrics はメトリクス同期で取得するインサイト指標。
var insightMetrics = []string{"reach", "likes", "comments", "saved", "shares"}

// ClientConfig はGraph APIクライアントの設定。
type ClientConfig struct {
	// BaseURL はテスト用に差し替え可能なエンドポイント。
	BaseURL   string
	Version   string
	AppSecret string
}

// Client はInstagram Graph APIのクライアント。
// 失敗時はGraphError、HTTPStatusError、NetworkErrorのいずれかを返す。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	version    string
	appSecret  string
	now        func() time.Time
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGraphBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = defaultGraphVersion
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		version:    cfg.Version,
		appSecret:  cfg.AppSecret,
		now:        time.Now,
	}
}

// Profile はGraph APIの /me レスポンス。
type Profile struct {
	UserID   string `json:"user_id"`
	ID       string `json:"id"`
	Username string `json:"username"`
}

// AccountID はInstagramユーザーIDを返す。user_idがない場合はidを使用する。
func (p *Profile) AccountID() string {
	if p.UserID != "" {
		return p.UserID
	}
	return p.ID
}

// Insights は投稿のインサイト指標。
type Insights struct {
	Reach    int64
	Likes    int64
	Comments int64
	Saved    int64
	Shares   int64
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type idResponse struct {
	ID string `json:"id"`
}

type insightsResponse struct {
	Data []struct {
		Name   string `json:"name"`
		Values []struct {
			Value int64 `json:"value"`
		} `json:"values"`
		TotalValue *struct {
			Value int64 `json:"value"`
		} `json:"total_value"`
	} `json:"data"`
}

type graphErrorEnvelope struct {
	Error *struct {
		Message     string `json:"message"`
		Type        string `json:"type"`
		Code        int    `json:"code"`
		Subcode     int    `json:"error_subcode"`
		IsTransient bool   `json:"is_transient"`
		UserTitle   string `json:"error_user_title"`
		UserMessage string `json:"error_user_msg"`
		TraceID     string `json:"fbtrace_id"`
	} `json:"error"`
}

// RefreshToken は長期アクセストークンを更新する。
// credentialにはリフレッシュトークン、またはリフレッシュトークンを持たない場合の長期アクセストークンを渡す。
func (c *Client) RefreshToken(ctx context.Context, credential string) (*model.Credential, error) {
	params := url.Values{
		"grant_type":   {"ig_refresh_token"},
		"access_token": {credential},
	}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodGet, "/refresh_access_token", params, false, &resp); err != nil {
		return nil, err
	}
	return c.toCredential(resp)
}

// ExchangeLongLived は短期アクセストークンを長期アクセストークン（60日）に交換する。
func (c *Client) ExchangeLongLived(ctx context.Context, shortToken string) (*model.Credential, error) {
	params := url.Values{
		"grant_type":    {"ig_exchange_token"},
		"client_secret": {c.appSecret},
		"access_token":  {shortToken},
	}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodGet, "/access_token", params, false, &resp); err != nil {
		return nil, err
	}
	return c.toCredential(resp)
}

// Me はアクセストークンに紐づくInstagramアカウント情報を取得する。
func (c *Client) Me(ctx context.Context, accessToken string) (*Profile, error) {
	params := url.Values{
		"fields":       {"user_id,username"},
		"access_token": {accessToken},
	}
	var profile Profile
	if err := c.do(ctx, http.MethodGet, "/me", params, true, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreateMediaContainer は画像投稿用のメディアコンテナを作成し、コンテナIDを返す。
func (c *Client) CreateMediaContainer(ctx context.Context, accessToken, igUserID, imageURL, caption string) (string, error) {
	params := url.Values{
		"image_url":    {imageURL},
		"caption":      {caption},
		"access_token": {accessToken},
	}
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(igUserID)+"/media", params, true, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("メディアコンテナIDがレスポンスに含まれていません")
	}
	return resp.ID, nil
}

// PublishMedia はメディアコンテナを公開し、公開されたメディアIDを返す。
func (c *Client) PublishMedia(ctx context.Context, accessToken, igUserID, creationID string) (string, error) {
	params := url.Values{
		"creation_id":  {creationID},
		"access_token": {accessToken},
	}
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/"+url.PathEscape(igUserID)+"/media_publish", params, true, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("メディアIDがレスポンスに含まれていません")
	}
	return resp.ID, nil
}

// FetchInsights は公開済みメディアのインサイト指標を取得する。
// レスポンスに含まれない指標は0として扱う。
func (c *Client) FetchInsights(ctx context.Context, accessToken, mediaID string) (*Insights, error) {
	params := url.Values{
		"metric":       {strings.Join(insightMetrics, ",")},
		"access_token": {accessToken},
	}
	var resp insightsResponse
	if err := c.do(ctx, http.MethodGet, "/"+url.PathEscape(mediaID)+"/insights", params, true, &resp); err != nil {
		return nil, err
	}

	insights := &Insights{}
	for _, d := range resp.Data {
		var v int64
		switch {
		case d.TotalValue != nil:
			v = d.TotalValue.Value
		case len(d.Values) > 0:
			v = d.Values[0].Value
		}
		switch d.Name {
		case "reach":
			insights.Reach = v
		case "likes":
			insights.Likes = v
		case "comments":
			insights.Comments = v
		case "saved":
			insights.Saved = v
		case "shares":
			insights.Shares = v
		}
	}
	return insights, nil
}

// RevokePermissions はアプリに付与された権限を取り消す。
func (c *Client) RevokePermissions(ctx context.Context, accessToken string) error {
	params := url.Values{
		"access_token": {accessToken},
	}
	return c.do(ctx, http.MethodDelete, "/me/permissions", params, true, nil)
}

func (c *Client) toCredential(resp tokenResponse) (*model.Credential, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("アクセストークンがレスポンスに含まれていません")
	}
	lifetime := longLivedTokenLifetime
	if resp.ExpiresIn > 0 {
		lifetime = time.Duration(resp.ExpiresIn) * time.Second
	}
	return &model.Credential{AccessToken: resp.AccessToken, ExpiresAt: c.now().Add(lifetime)}, nil
}

// do はGraph APIへリクエストを送信し、成功時はoutにJSONをデコードする。
// versionedがtrueの場合はパスにAPIバージョンを付与する。
func (c *Client) do(ctx context.Context, method, path string, params url.Values, versioned bool, out any) error {
	endpoint := c.baseURL
	if versioned {
		endpoint += "/" + c.version
	}
	endpoint += path

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(params.Encode())
	} else {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("User-Agent", "Instagallery/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("Instagram APIの呼び出しに失敗しました",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return &NetworkError{Op: method + " " + path, Err: err, Timeout: isTimeout(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := c.parseError(resp)
		c.logger.Warn("Instagram APIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", apiErr.Error()),
		)
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if isTimeout(err) {
			return &NetworkError{Op: method + " " + path, Err: err, Timeout: true}
		}
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}

// parseError はエラーレスポンスをGraphErrorまたはHTTPStatusErrorに変換する。
func (c *Client) parseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	hint := retryHint(resp.Header, c.now())

	var env graphErrorEnvelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error != nil {
		return &GraphError{
			StatusCode:  resp.StatusCode,
			Code:        env.Error.Code,
			Subcode:     env.Error.Subcode,
			Type:        env.Error.Type,
			Message:     env.Error.Message,
			IsTransient: env.Error.IsTransient,
			UserTitle:   env.Error.UserTitle,
			UserMessage: env.Error.UserMessage,
			TraceID:     env.Error.TraceID,
			RetryAfter:  hint,
		}
	}

	return &HTTPStatusError{
		StatusCode: resp.StatusCode,
		RetryAfter: hint,
		Body:       string(data),
	}
}

// retryHint はレスポンスヘッダから待機時間のヒントを取得する。
// Retry-After（秒またはHTTP日付）と X-Business-Use-Case-Usage の
// estimated_time_to_regain_access（分）のうち長い方を返す。
func retryHint(h http.Header, now time.Time) time.Duration {
	var hint time.Duration

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			hint = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(v); err == nil && t.After(now) {
			hint = t.Sub(now)
		}
	}

	if v := h.Get("X-Business-Use-Case-Usage"); v != "" {
		var usage map[string][]struct {
			EstimatedTimeToRegainAccess int `json:"estimated_time_to_regain_access"`
		}
		if err := json.Unmarshal([]byte(v), &usage); err == nil {
			for _, entries := range usage {
				for _, e := range entries {
					d := time.Duration(e.EstimatedTimeToRegainAccess) * time.Minute
					if d > hint {
						hint = d
					}
				}
			}
		}
	}

	return hint
}

// isTimeout はエラーがタイムアウト起因かを判定する。
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
