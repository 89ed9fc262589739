package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/instagallery/internal/model"
)

const postColumns = `id, user_id, linked_account_id, image_url, caption, external_media_id,
	status, error_category, published_at, created_at, updated_at`

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

func scanPost(s rowScanner) (*model.Post, error) {
	p := &model.Post{}
	var linkedAccountID, externalMediaID, errorCategory sql.NullString
	var publishedAt sql.NullTime

	err := s.Scan(
		&p.ID, &p.UserID, &linkedAccountID, &p.ImageURL, &p.Caption, &externalMediaID,
		&p.Status, &errorCategory, &publishedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.LinkedAccountID = nullStringValue(linkedAccountID)
	p.ExternalMediaID = nullStringValue(externalMediaID)
	p.ErrorCategory = nullStringValue(errorCategory)
	if publishedAt.Valid {
		t := publishedAt.Time
		p.PublishedAt = &t
	}
	return p, nil
}

// Create は投稿を作成する。IDが空の場合は採番する。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	if post.ID == "" {
		post.ID = uuid.New().String()
	}
	if post.Status == "" {
		post.Status = model.PostStatusPending
	}
	now := time.Now()
	post.CreatedAt = now
	post.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, user_id, linked_account_id, image_url, caption, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		post.ID, post.UserID, nullString(post.LinkedAccountID), post.ImageURL, post.Caption,
		string(post.Status), post.CreatedAt, post.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	p, err := scanPost(r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	return p, nil
}

// UpdatePublishResult は公開結果を保存する。
func (r *PostgresPostRepo) UpdatePublishResult(ctx context.Context, post *model.Post) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts
		 SET linked_account_id = $2, external_media_id = $3, status = $4,
		     error_category = $5, published_at = $6, caption = $7, updated_at = now()
		 WHERE id = $1`,
		post.ID, nullString(post.LinkedAccountID), nullString(post.ExternalMediaID),
		string(post.Status), nullString(post.ErrorCategory), post.PublishedAt, post.Caption,
	)
	if err != nil {
		return fmt.Errorf("公開結果の保存に失敗しました: %w", err)
	}
	return requireAffected(result)
}

// ListPublishedByAccount はアカウントのsince以降に公開された投稿を新しい順に返す。
func (r *PostgresPostRepo) ListPublishedByAccount(ctx context.Context, accountID string, since time.Time, limit int) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts
		 WHERE linked_account_id = $1
		   AND status = 'published'
		   AND external_media_id IS NOT NULL
		   AND published_at >= $2
		 ORDER BY published_at DESC
		 LIMIT $3`,
		accountID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("公開済み投稿の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("公開済み投稿の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("公開済み投稿の読み取りに失敗しました: %w", err)
	}
	return posts, nil
}

// UpsertMetrics は投稿メトリクスを冪等にUPSERTする。
func (r *PostgresPostRepo) UpsertMetrics(ctx context.Context, m *model.PostMetrics) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO post_metrics (post_id, reach, likes, comments, saved, shares, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (post_id) DO UPDATE SET
		     reach = EXCLUDED.reach,
		     likes = EXCLUDED.likes,
		     comments = EXCLUDED.comments,
		     saved = EXCLUDED.saved,
		     shares = EXCLUDED.shares,
		     fetched_at = EXCLUDED.fetched_at`,
		m.PostID, m.Reach, m.Likes, m.Comments, m.Saved, m.Shares, m.FetchedAt,
	)
	if err != nil {
		return fmt.Errorf("投稿メトリクスの保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteMetricsOlderThan はfetched_atがbeforeより古いメトリクスを削除する。
func (r *PostgresPostRepo) DeleteMetricsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM post_metrics WHERE fetched_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("古い投稿メトリクスの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
