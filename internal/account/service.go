// Package account は連携アカウントのライフサイクルとデフォルト選択のドメインロジックを提供する。
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/instagallery/internal/instagram"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/publisher"
	"github.com/hitoshi/instagallery/internal/repository"
)

// ErrAccountNotFound はアカウントが存在しない、または呼び出したユーザーの所有でない場合に返される。
// 他ユーザーのアカウントの存在は区別しない。
var ErrAccountNotFound = publisher.ErrAccountNotFound

// AuthCodeExchanger は認可コードを短期トークンに交換する。*instagram.OAuthProviderが実装する。
type AuthCodeExchanger interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*instagram.ShortLivedToken, error)
}

// ProfileClient は長期トークンへの交換とプロフィール取得を行う。*instagram.Clientが実装する。
type ProfileClient interface {
	ExchangeLongLived(ctx context.Context, shortToken string) (*model.Credential, error)
	Me(ctx context.Context, accessToken string) (*instagram.Profile, error)
}

// Revoker は外部の認可を取り消す。*publisher.Clientが実装する。
type Revoker interface {
	Revoke(ctx context.Context, accountID string) error
}

var (
	_ AuthCodeExchanger = (*instagram.OAuthProvider)(nil)
	_ ProfileClient     = (*instagram.Client)(nil)
	_ Revoker           = (*publisher.Client)(nil)
)

// Service は連携アカウントのサービス層。
type Service struct {
	accounts repository.LinkedAccountRepository
	oauth    AuthCodeExchanger
	profiles ProfileClient
	revoker  Revoker
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	accounts repository.LinkedAccountRepository,
	oauth AuthCodeExchanger,
	profiles ProfileClient,
	revoker Revoker,
	logger *slog.Logger,
) *Service {
	return &Service{
		accounts: accounts,
		oauth:    oauth,
		profiles: profiles,
		revoker:  revoker,
		logger:   logger,
		now:      time.Now,
	}
}

// AuthURL はInstagram認可画面のURLを返す。
func (s *Service) AuthURL(state string) string {
	return s.oauth.AuthURL(state)
}

// List はユーザーの連携アカウントを作成日時の昇順で返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.LinkedAccount, error) {
	accounts, err := s.accounts.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("連携アカウント一覧の取得に失敗しました: %w", err)
	}
	return accounts, nil
}

// Get はユーザーが所有するアカウントを返す。
func (s *Service) Get(ctx context.Context, userID, accountID string) (*model.LinkedAccount, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("連携アカウントの取得に失敗しました: %w", err)
	}
	if account == nil || account.UserID != userID {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// Default はユーザーのデフォルトアカウントを返す。未設定の場合はnilを返す。
func (s *Service) Default(ctx context.Context, userID string) (*model.LinkedAccount, error) {
	account, err := s.accounts.FindDefaultByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("デフォルトアカウントの取得に失敗しました: %w", err)
	}
	return account, nil
}

// SetDefault はユーザーのデフォルトアカウントを切り替える。
// 対象がすでにデフォルトの場合は書き込みを行わない。
func (s *Service) SetDefault(ctx context.Context, accountID, userID string) error {
	account, err := s.Get(ctx, userID, accountID)
	if err != nil {
		return err
	}
	if account.IsDefault {
		return nil
	}

	if err := s.accounts.SetDefault(ctx, userID, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("デフォルトアカウントの切り替えに失敗しました: %w", err)
	}

	s.logger.Info("デフォルトアカウントを切り替えました",
		slog.String("user_id", userID),
		slog.String("account_id", accountID),
	)
	return nil
}

// Connect は認可コードから長期トークンとプロフィールを取得し、アカウントを作成または更新する。
// 再連携の場合は再認証フラグが解除される。
func (s *Service) Connect(ctx context.Context, userID, code string) (*model.LinkedAccount, error) {
	short, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("認可コードの交換に失敗しました: %w", err)
	}

	cred, err := s.profiles.ExchangeLongLived(ctx, short.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("長期トークンへの交換に失敗しました: %w", err)
	}

	profile, err := s.profiles.Me(ctx, cred.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}

	externalID := profile.AccountID()
	if externalID == "" {
		externalID = short.UserID
	}
	if externalID == "" {
		return nil, errors.New("InstagramアカウントIDを取得できませんでした")
	}

	now := s.now()
	account, err := s.accounts.Upsert(ctx, &model.LinkedAccount{
		UserID:            userID,
		ExternalAccountID: externalID,
		Username:          profile.Username,
		AccessToken:       cred.AccessToken,
		RefreshToken:      cred.RefreshToken,
		TokenExpiresAt:    cred.ExpiresAt,
		Scope:             short.Permissions,
		LastRefreshedAt:   &now,
	})
	if err != nil {
		return nil, fmt.Errorf("連携アカウントの保存に失敗しました: %w", err)
	}

	s.logger.Info("Instagramアカウントを連携しました",
		slog.String("user_id", userID),
		slog.String("account_id", account.ID),
		slog.String("username", account.Username),
		slog.Bool("is_default", account.IsDefault),
	)
	return account, nil
}

// Disconnect はアカウントを削除する。外部の認可は取り消さない。
func (s *Service) Disconnect(ctx context.Context, userID, accountID string) error {
	if err := s.accounts.Disconnect(ctx, userID, accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("連携アカウントの切断に失敗しました: %w", err)
	}

	s.logger.Info("Instagramアカウントの連携を解除しました",
		slog.String("user_id", userID),
		slog.String("account_id", accountID),
	)
	return nil
}

// Revoke は外部の認可を取り消してからアカウントを削除する。
// トークンがすでに無効な場合は取り消し済みとみなして削除を続行する。
func (s *Service) Revoke(ctx context.Context, userID, accountID string) error {
	if _, err := s.Get(ctx, userID, accountID); err != nil {
		return err
	}

	if err := s.revoker.Revoke(ctx, accountID); err != nil {
		if !grantAlreadyUnusable(err) {
			return fmt.Errorf("認可の取り消しに失敗しました: %w", err)
		}
		s.logger.Warn("トークンが無効なため認可の取り消しを省略します",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	return s.Disconnect(ctx, userID, accountID)
}

func grantAlreadyUnusable(err error) bool {
	if errors.Is(err, publisher.ErrReauthRequired) {
		return true
	}
	ce, ok := publisher.AsCallError(err)
	return ok && ce.Parsed.Category == instagram.CategoryAuthExpired
}
