package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/lib/pq"
)

const linkedAccountColumns = `id, user_id, external_account_id, username, access_token, refresh_token,
	token_expires_at, scope, is_default, reauth_required, reauth_reason, last_refreshed_at,
	created_at, updated_at`

// PostgresLinkedAccountRepo はPostgreSQLを使用した連携アカウントリポジトリ。
type PostgresLinkedAccountRepo struct {
	db *sql.DB
}

// NewPostgresLinkedAccountRepo はPostgresLinkedAccountRepoを生成する。
func NewPostgresLinkedAccountRepo(db *sql.DB) *PostgresLinkedAccountRepo {
	return &PostgresLinkedAccountRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLinkedAccount(s rowScanner) (*model.LinkedAccount, error) {
	a := &model.LinkedAccount{}
	var refreshToken, reauthReason sql.NullString
	var lastRefreshedAt sql.NullTime
	var scope []string

	err := s.Scan(
		&a.ID, &a.UserID, &a.ExternalAccountID, &a.Username, &a.AccessToken, &refreshToken,
		&a.TokenExpiresAt, pq.Array(&scope), &a.IsDefault, &a.ReauthRequired, &reauthReason, &lastRefreshedAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.RefreshToken = nullStringValue(refreshToken)
	a.ReauthReason = nullStringValue(reauthReason)
	a.Scope = scope
	if lastRefreshedAt.Valid {
		t := lastRefreshedAt.Time
		a.LastRefreshedAt = &t
	}
	return a, nil
}

func (r *PostgresLinkedAccountRepo) queryAccounts(ctx context.Context, query string, args ...any) ([]*model.LinkedAccount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*model.LinkedAccount
	for rows.Next() {
		a, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresLinkedAccountRepo) FindByID(ctx context.Context, id string) (*model.LinkedAccount, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	a, err := scanLinkedAccount(r.db.QueryRowContext(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("連携アカウントの取得に失敗しました: %w", err)
	}
	return a, nil
}

// FindDefaultByUserID はユーザーのデフォルトアカウントを取得する。未設定の場合はnilを返す。
func (r *PostgresLinkedAccountRepo) FindDefaultByUserID(ctx context.Context, userID string) (*model.LinkedAccount, error) {
	a, err := scanLinkedAccount(r.db.QueryRowContext(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts WHERE user_id = $1 AND is_default`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("デフォルトアカウントの取得に失敗しました: %w", err)
	}
	return a, nil
}

// ListByUserID はユーザーの連携アカウントを作成日時の昇順で返す。
func (r *PostgresLinkedAccountRepo) ListByUserID(ctx context.Context, userID string) ([]*model.LinkedAccount, error) {
	accounts, err := r.queryAccounts(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts
		 WHERE user_id = $1
		 ORDER BY created_at ASC, id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("連携アカウント一覧の取得に失敗しました: %w", err)
	}
	return accounts, nil
}

// ListExpiringBefore はトークンがbefore以前に失効する再認証不要のアカウントを返す。
func (r *PostgresLinkedAccountRepo) ListExpiringBefore(ctx context.Context, before time.Time) ([]*model.LinkedAccount, error) {
	accounts, err := r.queryAccounts(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts
		 WHERE reauth_required = false
		   AND token_expires_at <= $1
		 ORDER BY token_expires_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("更新対象アカウントの取得に失敗しました: %w", err)
	}
	return accounts, nil
}

// ListWithPublishedPosts は公開済み投稿を持つ再認証不要のアカウントを返す。
func (r *PostgresLinkedAccountRepo) ListWithPublishedPosts(ctx context.Context) ([]*model.LinkedAccount, error) {
	accounts, err := r.queryAccounts(ctx,
		`SELECT `+linkedAccountColumns+` FROM linked_accounts a
		 WHERE a.reauth_required = false
		   AND EXISTS (
		       SELECT 1 FROM posts p
		       WHERE p.linked_account_id = a.id AND p.status = 'published'
		   )
		 ORDER BY a.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("メトリクス同期対象アカウントの取得に失敗しました: %w", err)
	}
	return accounts, nil
}

// Upsert は(user_id, external_account_id)でアカウントを作成または更新する。
// 同一ユーザーの並行した連携はアドバイザリロックで直列化する。
func (r *PostgresLinkedAccountRepo) Upsert(ctx context.Context, account *model.LinkedAccount) (*model.LinkedAccount, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, account.UserID); err != nil {
		return nil, fmt.Errorf("ユーザーロックの取得に失敗しました: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM linked_accounts WHERE user_id = $1`, account.UserID,
	).Scan(&count); err != nil {
		return nil, fmt.Errorf("連携アカウント数の取得に失敗しました: %w", err)
	}

	id := account.ID
	if id == "" {
		id = uuid.New().String()
	}
	scope := account.Scope
	if scope == nil {
		scope = []string{}
	}

	// 再連携の場合はis_defaultを維持する
	saved, err := scanLinkedAccount(tx.QueryRowContext(ctx,
		`INSERT INTO linked_accounts (id, user_id, external_account_id, username, access_token, refresh_token,
		                              token_expires_at, scope, is_default, reauth_required, last_refreshed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, $10)
		 ON CONFLICT (user_id, external_account_id) DO UPDATE SET
		     username = EXCLUDED.username,
		     access_token = EXCLUDED.access_token,
		     refresh_token = EXCLUDED.refresh_token,
		     token_expires_at = EXCLUDED.token_expires_at,
		     scope = EXCLUDED.scope,
		     reauth_required = false,
		     reauth_reason = NULL,
		     last_refreshed_at = EXCLUDED.last_refreshed_at,
		     updated_at = now()
		 RETURNING `+linkedAccountColumns,
		id, account.UserID, account.ExternalAccountID, account.Username, account.AccessToken,
		nullString(account.RefreshToken), account.TokenExpiresAt, pq.Array(scope),
		count == 0, account.LastRefreshedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("連携アカウントの保存に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return saved, nil
}

// UpdateCredential は更新後のトークンと失効日時を保存する。is_defaultは変更しない。
func (r *PostgresLinkedAccountRepo) UpdateCredential(ctx context.Context, accountID string, cred model.Credential, refreshedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE linked_accounts
		 SET access_token = $2,
		     refresh_token = COALESCE($3, refresh_token),
		     token_expires_at = $4,
		     last_refreshed_at = $5,
		     updated_at = now()
		 WHERE id = $1`,
		accountID, cred.AccessToken, nullString(cred.RefreshToken), cred.ExpiresAt, refreshedAt,
	)
	if err != nil {
		return fmt.Errorf("トークンの保存に失敗しました: %w", err)
	}
	return requireAffected(result)
}

// MarkReauthRequired はアカウントを再認証待ちにする。
func (r *PostgresLinkedAccountRepo) MarkReauthRequired(ctx context.Context, accountID, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE linked_accounts
		 SET reauth_required = true, reauth_reason = $2, updated_at = now()
		 WHERE id = $1`,
		accountID, nullString(reason),
	)
	if err != nil {
		return fmt.Errorf("再認証フラグの設定に失敗しました: %w", err)
	}
	return requireAffected(result)
}

// SetDefault はユーザーのデフォルトアカウントを1トランザクションで切り替える。
// ユーザーの全行をFOR UPDATEでロックし、同一ユーザーへの並行した切り替えを直列化する。
func (r *PostgresLinkedAccountRepo) SetDefault(ctx context.Context, userID, accountID string) error {
	if _, err := uuid.Parse(accountID); err != nil {
		return ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM linked_accounts WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return fmt.Errorf("連携アカウントのロックに失敗しました: %w", err)
	}
	owned := false
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("連携アカウントの読み取りに失敗しました: %w", err)
		}
		if id == accountID {
			owned = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("連携アカウントの読み取りに失敗しました: %w", err)
	}
	if !owned {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE linked_accounts SET is_default = false, updated_at = now()
		 WHERE user_id = $1 AND is_default`, userID,
	); err != nil {
		return fmt.Errorf("デフォルトの解除に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE linked_accounts SET is_default = true, updated_at = now()
		 WHERE id = $1 AND user_id = $2`, accountID, userID,
	); err != nil {
		return fmt.Errorf("デフォルトの設定に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// Disconnect はアカウントを削除する。投稿の紐付けを解除し、
// デフォルトだった場合は残りの最古のアカウントをデフォルトに昇格する。
func (r *PostgresLinkedAccountRepo) Disconnect(ctx context.Context, userID, accountID string) error {
	if _, err := uuid.Parse(accountID); err != nil {
		return ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("ユーザーロックの取得に失敗しました: %w", err)
	}

	var wasDefault bool
	err = tx.QueryRowContext(ctx,
		`SELECT is_default FROM linked_accounts WHERE id = $1 AND user_id = $2 FOR UPDATE`,
		accountID, userID,
	).Scan(&wasDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("連携アカウントの取得に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE posts SET linked_account_id = NULL, updated_at = now() WHERE linked_account_id = $1`, accountID,
	); err != nil {
		return fmt.Errorf("投稿の紐付け解除に失敗しました: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM linked_accounts WHERE id = $1`, accountID); err != nil {
		return fmt.Errorf("連携アカウントの削除に失敗しました: %w", err)
	}

	if wasDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE linked_accounts SET is_default = true, updated_at = now()
			 WHERE id = (
			     SELECT id FROM linked_accounts WHERE user_id = $1
			     ORDER BY created_at ASC, id ASC LIMIT 1
			 )`, userID,
		); err != nil {
			return fmt.Errorf("デフォルトアカウントの昇格に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// requireAffected は更新件数が0の場合にErrNotFoundを返す。
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullString は空文字列をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ LinkedAccountRepository = (*PostgresLinkedAccountRepo)(nil)
