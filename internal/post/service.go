// Package post はギャラリー画像のInstagram公開を記録付きで行うサービスを提供する。
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/instagallery/internal/account"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/publisher"
	"github.com/hitoshi/instagallery/internal/repository"
)

// ErrNoDefaultAccount は投稿先が指定されず、デフォルトアカウントもない場合に返される。
var ErrNoDefaultAccount = errors.New("no default linked account")

// Publisher は連携アカウントへの公開を行う。*publisher.Clientが実装する。
type Publisher interface {
	Publish(ctx context.Context, accountID string, req publisher.PublishRequest) (*publisher.PublishResult, error)
}

var _ Publisher = (*publisher.Client)(nil)

// AccountResolver は投稿先アカウントを解決する。*account.Serviceが実装する。
type AccountResolver interface {
	Get(ctx context.Context, userID, accountID string) (*model.LinkedAccount, error)
	Default(ctx context.Context, userID string) (*model.LinkedAccount, error)
}

var _ AccountResolver = (*account.Service)(nil)

// Request は投稿リクエスト。AccountIDが空の場合はデフォルトアカウントに投稿する。
type Request struct {
	UserID    string
	AccountID string
	ImageURL  string
	Caption   string
}

// Service は投稿公開のサービス層。
type Service struct {
	posts     repository.PostRepository
	accounts  AccountResolver
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(posts repository.PostRepository, accounts AccountResolver, pub Publisher, logger *slog.Logger) *Service {
	return &Service{
		posts:     posts,
		accounts:  accounts,
		publisher: pub,
		logger:    logger,
		now:       time.Now,
	}
}

// Publish は投稿を記録してから公開し、結果を保存する。
// 公開に失敗した場合も投稿はfailedとして保存され、エラーとともに返される。
func (s *Service) Publish(ctx context.Context, req Request) (*model.Post, error) {
	target, err := s.resolve(ctx, req.UserID, req.AccountID)
	if err != nil {
		return nil, err
	}

	p := &model.Post{
		UserID:          req.UserID,
		LinkedAccountID: target.ID,
		ImageURL:        req.ImageURL,
		Caption:         req.Caption,
		Status:          model.PostStatusPending,
	}
	if err := s.posts.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("投稿の作成に失敗しました: %w", err)
	}

	result, pubErr := s.publisher.Publish(ctx, target.ID, publisher.PublishRequest{
		ImageURL: req.ImageURL,
		Caption:  req.Caption,
	})
	if pubErr != nil {
		p.Status = model.PostStatusFailed
		if ce, ok := publisher.AsCallError(pubErr); ok {
			p.ErrorCategory = string(ce.Parsed.Category)
		}
		s.logger.Warn("Instagramへの投稿に失敗しました",
			slog.String("post_id", p.ID),
			slog.String("account_id", target.ID),
			slog.String("error", pubErr.Error()),
		)
	} else {
		published := s.now()
		p.Status = model.PostStatusPublished
		p.ExternalMediaID = result.MediaID
		p.Caption = result.Caption
		p.PublishedAt = &published
	}

	// 公開結果は呼び出し元の切断に関係なく保存する
	if err := s.posts.UpdatePublishResult(context.WithoutCancel(ctx), p); err != nil {
		s.logger.Error("投稿結果の保存に失敗しました",
			slog.String("post_id", p.ID),
			slog.String("account_id", target.ID),
			slog.String("status", string(p.Status)),
			slog.String("media_id", p.ExternalMediaID),
			slog.String("error", err.Error()),
		)
		return p, fmt.Errorf("投稿結果の保存に失敗しました: %w", err)
	}
	if pubErr != nil {
		return p, pubErr
	}
	return p, nil
}

func (s *Service) resolve(ctx context.Context, userID, accountID string) (*model.LinkedAccount, error) {
	if accountID != "" {
		return s.accounts.Get(ctx, userID, accountID)
	}
	def, err := s.accounts.Default(ctx, userID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, ErrNoDefaultAccount
	}
	return def, nil
}
