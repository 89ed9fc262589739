// Package ratelimit は経過した呼び出し枠ウィンドウをリセットするジョブを提供する。
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/instagallery/internal/metrics"
)

// JobName はスケジューラに登録するジョブ名。
const JobName = "rate_limit_reset"

// WindowResetter は期間を経過したウィンドウをリセットする。
type WindowResetter interface {
	ResetElapsed(ctx context.Context, now time.Time, period time.Duration) (int64, error)
}

// Job は呼び出し枠のリセットジョブ。期間内のウィンドウには触れないため何度実行しても結果は同じ。
type Job struct {
	windows WindowResetter
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	period  time.Duration
	now     func() time.Time
}

// NewJob はJobを生成する。periodが0以下の場合は1時間。
func NewJob(windows WindowResetter, collector metrics.MetricsCollector, logger *slog.Logger, period time.Duration) *Job {
	if period <= 0 {
		period = time.Hour
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Job{
		windows: windows,
		metrics: collector,
		logger:  logger,
		period:  period,
		now:     time.Now,
	}
}

// Name はジョブ名を返す。
func (j *Job) Name() string { return JobName }

// Run は経過したウィンドウをリセットする。
func (j *Job) Run(ctx context.Context) error {
	start := j.now()

	reset, err := j.windows.ResetElapsed(ctx, start, j.period)
	if err != nil {
		j.logger.Error("呼び出し枠のリセットに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("呼び出し枠のリセットに失敗: %w", err)
	}
	j.metrics.RecordRateLimitReset(reset)

	j.logger.Info("呼び出し枠リセットジョブが完了しました",
		slog.Int64("reset_count", reset),
		slog.String("period", j.period.String()),
	)
	return nil
}
