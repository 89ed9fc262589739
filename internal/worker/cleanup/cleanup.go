// Package cleanup は不要になったデータの自動削除ジョブを提供する。
// 保持期間（デフォルト90日）を超過した投稿メトリクスと、
// 削除済みアカウントの呼び出し枠ウィンドウを日次バッチで削除する。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// JobName はスケジューラに登録するジョブ名。
const JobName = "cleanup"

// MetricsPruner は古い投稿メトリクスを削除する。
type MetricsPruner interface {
	DeleteMetricsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// WindowPruner は存在しないアカウントの呼び出し枠ウィンドウを削除する。
type WindowPruner interface {
	DeleteOrphaned(ctx context.Context) (int64, error)
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 削除対象がない場合も成功し、何度実行しても結果は同じ。
type CleanupJob struct {
	metrics       MetricsPruner
	windows       WindowPruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 投稿メトリクスの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(metrics MetricsPruner, windows WindowPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		metrics:       metrics,
		windows:       windows,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 90,
	}
}

// Name はジョブ名を返す。
func (j *CleanupJob) Name() string { return JobName }

// Run は保持期間を超過した投稿メトリクスと孤立したウィンドウを削除する。
// 片方の削除に失敗してももう片方は実行し、両方のエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	before := start.AddDate(0, 0, -j.RetentionDays)

	var errs []error

	deletedMetrics, err := j.metrics.DeleteMetricsOlderThan(ctx, before)
	if err != nil {
		j.logger.Error("投稿メトリクスの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		errs = append(errs, fmt.Errorf("投稿メトリクスの削除に失敗: %w", err))
	}

	deletedWindows, err := j.windows.DeleteOrphaned(ctx)
	if err != nil {
		j.logger.Error("孤立した呼び出し枠の削除に失敗しました",
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("孤立した呼び出し枠の削除に失敗: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	duration := j.now().Sub(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedMetrics),
		slog.Int64("deleted_windows", deletedWindows),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
