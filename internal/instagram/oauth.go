package instagram

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

const (
	defaultInstagramAuthURL  = "https://www.instagram.com/oauth/authorize"
	defaultInstagramTokenURL = "https://api.instagram.com/oauth/access_token"
)

// DefaultScopes はコンテンツ公開とインサイト取得に必要な権限。
var DefaultScopes = []string{
	"instagram_business_basic",
	"instagram_business_content_publish",
	"instagram_business_manage_insights",
}

// OAuthConfig はInstagramログインの設定。
type OAuthConfig struct {
	AppID       string
	AppSecret   string
	RedirectURL string
	Scopes      []string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
}

// ShortLivedToken は認可コード交換で得た短期アクセストークン。
type ShortLivedToken struct {
	AccessToken string
	UserID      string
	Permissions []string
}

// OAuthProvider はInstagramログインの認可コードフローを扱う。
type OAuthProvider struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthProvider はOAuthProviderを生成する。httpClientがnilの場合はhttp.DefaultClientを使用する。
func NewOAuthProvider(cfg OAuthConfig, httpClient *http.Client) *OAuthProvider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultInstagramAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultInstagramTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	return &OAuthProvider{
		config: &oauth2.Config{
			ClientID:     cfg.AppID,
			ClientSecret: cfg.AppSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
				// Instagramはクライアント認証情報をフォームパラメータで受け取る
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
	}
}

// AuthURL は認可画面のURLを生成する。
func (p *OAuthProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange は認可コードを短期アクセストークンに交換する。
func (p *OAuthProvider) Exchange(ctx context.Context, code string) (*ShortLivedToken, error) {
	if p.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	}

	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("認可コードの交換に失敗しました: %w", err)
	}

	short := &ShortLivedToken{
		AccessToken: tok.AccessToken,
		UserID:      extraString(tok.Extra("user_id")),
		Permissions: extraList(tok.Extra("permissions")),
	}
	if len(short.Permissions) == 0 {
		short.Permissions = p.config.Scopes
	}
	return short, nil
}

// extraString はトークンレスポンスの追加フィールドを文字列に変換する。
// user_idは数値で返されることがある。
func extraString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.0f", x)
	default:
		return ""
	}
}

// extraList はpermissionsフィールドを文字列スライスに変換する。
// 配列とカンマ区切り文字列の両方を受け付ける。
func extraList(v any) []string {
	var out []string
	switch x := v.(type) {
	case []any:
		for _, item := range x {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(x, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
