// Package model はドメインモデルを定義する。
package model

import "time"

// LinkedAccount はユーザーが連携したInstagramアカウントを表す。
// 1ユーザーにつき複数連携でき、そのうち最大1件がデフォルトになる。
type LinkedAccount struct {
	ID                string
	UserID            string
	ExternalAccountID string // Instagram側のユーザーID
	Username          string
	AccessToken       string
	RefreshToken      string // 任意。空の場合はアクセストークン自体で更新する
	TokenExpiresAt    time.Time
	Scope             []string
	IsDefault         bool
	ReauthRequired    bool
	ReauthReason      string
	LastRefreshedAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RefreshCredential はトークン更新に使用する資格情報を返す。
// リフレッシュトークンがない場合は長期アクセストークンを使用する。
func (a *LinkedAccount) RefreshCredential() string {
	if a.RefreshToken != "" {
		return a.RefreshToken
	}
	return a.AccessToken
}

// Usable はアカウントが自動処理の対象になり得るかを返す。
func (a *LinkedAccount) Usable() bool {
	return !a.ReauthRequired && a.AccessToken != ""
}

// ExpiresWithin は指定時刻からmargin以内にトークンが失効するかを返す。
// 失効日時が未設定の場合は失効間近とみなす。
func (a *LinkedAccount) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if a.TokenExpiresAt.IsZero() {
		return true
	}
	return !a.TokenExpiresAt.After(now.Add(margin))
}

// HasScope は指定した権限が付与されているかを返す。
func (a *LinkedAccount) HasScope(scope string) bool {
	for _, s := range a.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// Credential はトークン更新・交換の結果を表す。
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
