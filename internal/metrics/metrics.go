// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// APIクライアントとスケジューラ、各ジョブから利用する。
type MetricsCollector interface {
	// RecordAPICall はInstagram API呼び出しの結果を記録する。成功時のcategoryは"OK"。
	RecordAPICall(op, category string)
	RecordAPILatency(op string, duration time.Duration)
	RecordRetry(op, category string)
	// RecordRefresh はトークン更新の結果を記録する。outcome: refreshed, reauth_required, failed
	RecordRefresh(outcome string)
	// RecordJobRun はジョブ1回分の実行結果を記録する。status: success, error, panic
	RecordJobRun(job, status string, duration time.Duration)
	// RecordJobSkipped は前回の実行中のためスキップされたティックを記録する。
	RecordJobSkipped(job string)
	RecordMetricsSynced(count int)
	RecordRateLimitReset(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	apiCalls        *prometheus.CounterVec
	apiLatency      *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	jobRuns         *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobSkipped      *prometheus.CounterVec
	metricsSynced   prometheus.Counter
	rateLimitResets prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instagallery_api_calls_total",
			Help: "Instagram API呼び出しの結果別の合計数",
		}, []string{"op", "category"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "instagallery_api_latency_seconds",
			Help:    "Instagram API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instagallery_api_retries_total",
			Help: "Instagram API呼び出しの再試行回数",
		}, []string{"op", "category"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instagallery_token_refresh_total",
			Help: "トークン更新の結果別の合計数",
		}, []string{"outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instagallery_job_runs_total",
			Help: "ジョブ実行の結果別の合計数",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "instagallery_job_duration_seconds",
			Help:    "ジョブ実行時間（秒）",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"job"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "instagallery_job_skipped_total",
			Help: "実行中のためスキップされたティック数",
		}, []string{"job"}),
		metricsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instagallery_post_metrics_synced_total",
			Help: "同期された投稿メトリクスの合計数",
		}),
		rateLimitResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "instagallery_rate_limit_resets_total",
			Help: "リセットされた呼び出し枠ウィンドウの合計数",
		}),
	}

	reg.MustRegister(
		c.apiCalls,
		c.apiLatency,
		c.retries,
		c.refreshes,
		c.jobRuns,
		c.jobDuration,
		c.jobSkipped,
		c.metricsSynced,
		c.rateLimitResets,
	)

	return c
}

func (c *Collector) RecordAPICall(op, category string) {
	c.apiCalls.WithLabelValues(op, category).Inc()
}

func (c *Collector) RecordAPILatency(op string, duration time.Duration) {
	c.apiLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (c *Collector) RecordRetry(op, category string) {
	c.retries.WithLabelValues(op, category).Inc()
}

func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordJobRun(job, status string, duration time.Duration) {
	c.jobRuns.WithLabelValues(job, status).Inc()
	c.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (c *Collector) RecordJobSkipped(job string) {
	c.jobSkipped.WithLabelValues(job).Inc()
}

func (c *Collector) RecordMetricsSynced(count int) {
	c.metricsSynced.Add(float64(count))
}

func (c *Collector) RecordRateLimitReset(count int64) {
	c.rateLimitResets.Add(float64(count))
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordAPICall(string, string)               {}
func (Nop) RecordAPILatency(string, time.Duration)     {}
func (Nop) RecordRetry(string, string)                 {}
func (Nop) RecordRefresh(string)                       {}
func (Nop) RecordJobRun(string, string, time.Duration) {}
func (Nop) RecordJobSkipped(string)                    {}
func (Nop) RecordMetricsSynced(int)                    {}
func (Nop) RecordRateLimitReset(int64)                 {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
