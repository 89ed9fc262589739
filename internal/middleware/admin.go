package middleware

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/instagallery/internal/model"
)

// NewAdminMiddleware は指定されたユーザーID以外のリクエストを403で拒否する。
// SessionMiddlewareの後に配置する。adminUserIDsが空の場合は全員を拒否する。
func NewAdminMiddleware(adminUserIDs []string, logger *slog.Logger) func(next http.Handler) http.Handler {
	admins := make(map[string]bool, len(adminUserIDs))
	for _, id := range adminUserIDs {
		admins[id] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !admins[userID] {
				logger.Warn("管理APIへのアクセスを拒否しました",
					slog.String("user_id", userID),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
