// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/instagallery/internal/model"
)

// ErrNotFound は更新対象のレコードが存在しない、または所有者が一致しない場合に返される。
var ErrNotFound = errors.New("record not found")

// LinkedAccountRepository は連携アカウントの永続化インターフェース。
// トークン更新はUpdateCredentialのみが行い、is_defaultを変更しない。
type LinkedAccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.LinkedAccount, error)

	// FindDefaultByUserID はユーザーのデフォルトアカウントを取得する。未設定の場合はnilを返す。
	FindDefaultByUserID(ctx context.Context, userID string) (*model.LinkedAccount, error)

	// ListByUserID はユーザーの連携アカウントを作成日時の昇順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.LinkedAccount, error)

	// ListExpiringBefore はトークンがbefore以前に失効する再認証不要のアカウントを
	// 失効日時の昇順で返す。
	ListExpiringBefore(ctx context.Context, before time.Time) ([]*model.LinkedAccount, error)

	// ListWithPublishedPosts は公開済み投稿を持つ再認証不要のアカウントを返す。
	ListWithPublishedPosts(ctx context.Context) ([]*model.LinkedAccount, error)

	// Upsert は(user_id, external_account_id)でアカウントを作成または更新する。
	// 更新時は資格情報とプロフィールを上書きし、再認証フラグを解除する。
	// ユーザーの最初のアカウントは同一トランザクション内でデフォルトになる。
	Upsert(ctx context.Context, account *model.LinkedAccount) (*model.LinkedAccount, error)

	// UpdateCredential は更新後のトークンと失効日時を保存する。
	UpdateCredential(ctx context.Context, accountID string, cred model.Credential, refreshedAt time.Time) error

	// MarkReauthRequired はアカウントを再認証待ちにする。
	MarkReauthRequired(ctx context.Context, accountID, reason string) error

	// SetDefault はユーザーのデフォルトアカウントを1トランザクションで切り替える。
	// 全件のデフォルト解除と対象の設定は同時に適用されるか、どちらも適用されない。
	// 対象がユーザーの所有でない場合はErrNotFoundを返す。
	SetDefault(ctx context.Context, userID, accountID string) error

	// Disconnect はアカウントを削除する。投稿の紐付けを解除し、
	// デフォルトだった場合は残りの最古のアカウントをデフォルトに昇格する。
	// 対象がユーザーの所有でない場合はErrNotFoundを返す。
	Disconnect(ctx context.Context, userID, accountID string) error
}

// RateLimitRepository は呼び出し枠ウィンドウの永続化インターフェース。
type RateLimitRepository interface {
	// Consume は呼び出し枠を1件消費する。
	// 期間を経過したウィンドウはロールオーバーしてから消費する。
	// 枠を使い切っている場合は消費せずにallowed=falseを返す。
	Consume(ctx context.Context, accountID string, category model.RateLimitCategory, limit int, period time.Duration, now time.Time) (window *model.RateLimitWindow, allowed bool, err error)

	// ResetElapsed はwindow_start + period <= nowのウィンドウのみをリセットし、件数を返す。
	ResetElapsed(ctx context.Context, now time.Time, period time.Duration) (int64, error)

	// DeleteOrphaned は存在しないアカウントのウィンドウを削除し、件数を返す。
	DeleteOrphaned(ctx context.Context) (int64, error)
}

// PostRepository は投稿と投稿メトリクスの永続化インターフェース。
type PostRepository interface {
	// Create は投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// UpdatePublishResult は公開結果（状態、メディアID、エラーカテゴリ、公開日時、公開したキャプション）を保存する。
	UpdatePublishResult(ctx context.Context, post *model.Post) error

	// ListPublishedByAccount はアカウントのsince以降に公開された投稿を新しい順に最大limit件返す。
	ListPublishedByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]*model.Post, error)

	// UpsertMetrics は投稿メトリクスを冪等にUPSERTする。
	UpsertMetrics(ctx context.Context, metrics *model.PostMetrics) error

	// DeleteMetricsOlderThan はfetched_atがbeforeより古いメトリクスを削除し、件数を返す。
	DeleteMetricsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// SessionRepository はセッションデータの参照インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}
