package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/instagallery/internal/model"
)

// PostgresRateLimitRepo はPostgreSQLを使用した呼び出し枠リポジトリ。
type PostgresRateLimitRepo struct {
	db *sql.DB
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(db *sql.DB) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

// Consume は呼び出し枠を1件消費する。行ロックにより同一ウィンドウへの消費を直列化する。
func (r *PostgresRateLimitRepo) Consume(ctx context.Context, accountID string, category model.RateLimitCategory, limit int, period time.Duration, now time.Time) (*model.RateLimitWindow, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_windows (account_id, category, window_start, call_count, call_limit)
		 VALUES ($1, $2, $3, 0, $4)
		 ON CONFLICT (account_id, category) DO NOTHING`,
		accountID, string(category), now, limit,
	); err != nil {
		return nil, false, fmt.Errorf("呼び出し枠の初期化に失敗しました: %w", err)
	}

	w := &model.RateLimitWindow{AccountID: accountID, Category: category}
	if err := tx.QueryRowContext(ctx,
		`SELECT window_start, call_count FROM rate_limit_windows
		 WHERE account_id = $1 AND category = $2
		 FOR UPDATE`,
		accountID, string(category),
	).Scan(&w.WindowStart, &w.CallCount); err != nil {
		return nil, false, fmt.Errorf("呼び出し枠の取得に失敗しました: %w", err)
	}
	w.Limit = limit

	if w.Elapsed(now, period) {
		w.Rollover(now)
	}
	allowed := !w.Exhausted()
	if allowed {
		w.CallCount++
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rate_limit_windows
		 SET window_start = $3, call_count = $4, call_limit = $5
		 WHERE account_id = $1 AND category = $2`,
		accountID, string(category), w.WindowStart, w.CallCount, w.Limit,
	); err != nil {
		return nil, false, fmt.Errorf("呼び出し枠の更新に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return w, allowed, nil
}

// ResetElapsed はwindow_start + period <= nowのウィンドウのみをリセットする。
// 期間内のウィンドウには触れないため、何度実行しても結果は変わらない。
func (r *PostgresRateLimitRepo) ResetElapsed(ctx context.Context, now time.Time, period time.Duration) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rate_limit_windows
		 SET call_count = 0, window_start = $1
		 WHERE window_start <= $2`,
		now, now.Add(-period),
	)
	if err != nil {
		return 0, fmt.Errorf("呼び出し枠のリセットに失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOrphaned は存在しないアカウントのウィンドウを削除する。
func (r *PostgresRateLimitRepo) DeleteOrphaned(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM rate_limit_windows w
		 WHERE NOT EXISTS (SELECT 1 FROM linked_accounts a WHERE a.id = w.account_id)`,
	)
	if err != nil {
		return 0, fmt.Errorf("孤立した呼び出し枠の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// compile-time interface check
var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)
