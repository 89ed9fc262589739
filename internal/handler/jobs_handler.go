package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/instagallery/internal/middleware"
	"github.com/hitoshi/instagallery/internal/worker/scheduler"
)

// JobRunner はジョブの状態取得と手動実行を行う。*scheduler.Schedulerが実装する。
type JobRunner interface {
	Jobs() []scheduler.JobStatus
	Trigger(ctx context.Context, name string) error
}

var _ JobRunner = (*scheduler.Scheduler)(nil)

// JobsHandler は管理用ジョブAPIのHTTPハンドラー。
type JobsHandler struct {
	runner JobRunner
	logger *slog.Logger
}

// NewJobsHandler はJobsHandlerを生成する。
func NewJobsHandler(runner JobRunner, logger *slog.Logger) *JobsHandler {
	return &JobsHandler{runner: runner, logger: logger}
}

// List は登録済みジョブの状態を返す。
// GET /api/admin/jobs
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.runner.Jobs())
}

// Run はジョブを即時に起動する。完了は待たずに202を返す。
// POST /api/admin/jobs/{name}/run
func (h *JobsHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.runner.Trigger(r.Context(), name); err != nil {
		writeServiceError(w, h.logger, err, name)
		return
	}

	userID, _ := middleware.UserIDFromContext(r.Context())
	h.logger.Info("ジョブを手動で起動しました",
		slog.String("job", name),
		slog.String("user_id", userID),
	)
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
}
