// Package model はドメインモデルを定義する。
package model

import "time"

// PostStatus は投稿の公開状態を表す。
type PostStatus string

const (
	// PostStatusPending は公開処理中。
	PostStatusPending PostStatus = "pending"
	// PostStatusPublished は公開済み。
	PostStatusPublished PostStatus = "published"
	// PostStatusFailed は公開失敗。
	PostStatusFailed PostStatus = "failed"
)

// Post はギャラリー画像のInstagram投稿を表す。
// 連携アカウントが切断された場合、LinkedAccountIDは空になる。
type Post struct {
	ID              string
	UserID          string
	LinkedAccountID string
	ImageURL        string
	Caption         string
	ExternalMediaID string
	Status          PostStatus
	ErrorCategory   string
	PublishedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PostMetrics は投稿のエンゲージメント指標のスナップショット。
type PostMetrics struct {
	PostID    string
	Reach     int64
	Likes     int64
	Comments  int64
	Saved     int64
	Shares    int64
	FetchedAt time.Time
}
