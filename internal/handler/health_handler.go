package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/instagallery/internal/database"
	"github.com/hitoshi/instagallery/internal/middleware"
)

const healthCheckTimeout = 3 * time.Second

// HealthHandler はDB疎通を含むヘルスチェックを返す。
// GET /health
func HealthHandler(db database.Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				logger.Warn("ヘルスチェックでDBに接続できません", slog.String("error", err.Error()))
				middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
