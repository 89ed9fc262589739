// Package handler は連携アカウント管理・投稿・管理用ジョブのHTTPハンドラーを提供する。
package handler

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/instagallery/internal/account"
	"github.com/hitoshi/instagallery/internal/instagram"
	"github.com/hitoshi/instagallery/internal/middleware"
	"github.com/hitoshi/instagallery/internal/model"
	"github.com/hitoshi/instagallery/internal/post"
	"github.com/hitoshi/instagallery/internal/publisher"
	"github.com/hitoshi/instagallery/internal/worker/scheduler"
)

// writeServiceError はサービス層のエラーをHTTPステータスと統一エラーフォーマットに変換する。
// subjectはメッセージに含める対象のアカウントIDまたはジョブ名。
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error, subject string) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	case errors.Is(err, account.ErrAccountNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewAccountNotFoundError(subject))
		return
	case errors.Is(err, post.ErrNoDefaultAccount):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewNoDefaultAccountError())
		return
	case errors.Is(err, scheduler.ErrJobNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(subject))
		return
	case errors.Is(err, scheduler.ErrJobRunning):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewJobRunningError(subject))
		return
	}

	if ce, ok := publisher.AsCallError(err); ok {
		status := statusForCategory(ce.Parsed.Category)
		if ce.Parsed.RetryAfter > 0 && (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(ce.Parsed.RetryAfter)))
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("外部API呼び出しに失敗しました",
				slog.String("op", ce.Op),
				slog.String("account_id", ce.AccountID),
				slog.String("category", string(ce.Parsed.Category)),
				slog.String("error", ce.Error()),
			)
		}
		middleware.WriteErrorResponse(w, status, &model.APIError{
			Code:     string(ce.Parsed.Category),
			Message:  ce.Parsed.UserMessage,
			Category: categoryGroup(ce.Parsed.Category),
			Action:   ce.Parsed.Action,
		})
		return
	}

	logger.Error("内部エラーが発生しました", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

func statusForCategory(c instagram.Category) int {
	switch c {
	case instagram.CategoryRateLimited:
		return http.StatusTooManyRequests
	case instagram.CategoryContentRejected:
		return http.StatusUnprocessableEntity
	case instagram.CategoryAuthExpired, instagram.CategoryAuthInvalid, instagram.CategoryPermissionDenied:
		return http.StatusConflict
	case instagram.CategoryTransientNetwork, instagram.CategoryPlatformUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// categoryGroup は分類カテゴリをUIの原因カテゴリにまとめる。
func categoryGroup(c instagram.Category) string {
	switch c {
	case instagram.CategoryAuthExpired, instagram.CategoryAuthInvalid, instagram.CategoryPermissionDenied:
		return "auth"
	case instagram.CategoryContentRejected:
		return "validation"
	case instagram.CategoryRateLimited:
		return "publish"
	default:
		return "system"
	}
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
