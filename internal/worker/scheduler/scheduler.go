// Package scheduler は登録されたジョブを独立した周期で実行するプロセス内スケジューラを提供する。
// 同一ジョブの実行は重ならず、異なるジョブは並行に実行される。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/instagallery/internal/metrics"
)

var (
	// ErrJobNotFound は指定名のジョブが登録されていない場合に返される。
	ErrJobNotFound = errors.New("job not found")
	// ErrJobRunning は指定ジョブが実行中の場合に返される。
	ErrJobRunning = errors.New("job is already running")
)

// Job はスケジューラが実行する処理。
// Runはコンテキストのキャンセルをアカウント等の処理単位の間でのみ確認する。
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// Func は関数をJobとして扱う。
func Func(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// JobStatus はジョブの実行状況。
type JobStatus struct {
	Name         string     `json:"name"`
	Cadence      string     `json:"cadence"`
	LastRunAt    *time.Time `json:"last_run_at"`
	NextRunAt    *time.Time `json:"next_run_at"`
	IsRunning    bool       `json:"is_running"`
	LastError    string     `json:"last_error,omitempty"`
	LastDuration string     `json:"last_duration,omitempty"`
}

// Option はジョブ登録時のオプション。
type Option func(*entry)

// RunAtStartup はスケジューラ起動直後にも1回実行する。
func RunAtStartup() Option {
	return func(e *entry) { e.runAtStartup = true }
}

type entry struct {
	job          Job
	cadence      Cadence
	runAtStartup bool
	running      atomic.Bool

	// 以下はScheduler.muで保護する
	lastRunAt    time.Time
	nextRunAt    time.Time
	lastErr      string
	lastDuration time.Duration
}

// Scheduler はジョブを周期に従って起動する。
type Scheduler struct {
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	now     func() time.Time

	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	baseCtx context.Context

	wg sync.WaitGroup
}

// New はSchedulerを生成する。
func New(logger *slog.Logger, collector metrics.MetricsCollector) *Scheduler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Scheduler{
		logger:  logger,
		metrics: collector,
		now:     time.Now,
		byName:  make(map[string]*entry),
	}
}

// Register はジョブを周期式とともに登録する。同名のジョブは登録できない。
func (s *Scheduler) Register(job Job, cadence string, opts ...Option) error {
	c, err := ParseCadence(cadence)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[job.Name()]; ok {
		return fmt.Errorf("job %q is already registered", job.Name())
	}
	e := &entry{job: job, cadence: c}
	for _, opt := range opts {
		opt(e)
	}
	if s.baseCtx != nil {
		e.nextRunAt = c.Next(s.now())
	}
	s.entries = append(s.entries, e)
	s.byName[job.Name()] = e
	return nil
}

// Start はコンテキストがキャンセルされるまでジョブを起動し続ける。
// キャンセル後に実行中のジョブを待つにはWaitを呼ぶ。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	now := s.now()
	var startup []*entry
	for _, e := range s.entries {
		e.nextRunAt = e.cadence.Next(now)
		if e.runAtStartup {
			startup = append(startup, e)
		}
	}
	jobCount := len(s.entries)
	s.mu.Unlock()

	s.logger.Info("スケジューラを開始しました", slog.Int("job_count", jobCount))

	for _, e := range startup {
		s.launch(ctx, e, "startup")
	}

	for {
		timer := time.NewTimer(s.untilNext(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("スケジューラを停止しました")
			return
		case <-timer.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// untilNext は最も早い次回実行時刻までの待ち時間を返す。
func (s *Scheduler) untilNext(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	wait := time.Hour
	for _, e := range s.entries {
		if d := e.nextRunAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// RunDue は実行時刻を過ぎたジョブを起動し、起動した数を返す。
// 次回実行時刻はnowより後の最初の枠に進めるため、停止期間の分は実行しない。
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.nextRunAt) {
			e.nextRunAt = e.cadence.Next(now)
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	launched := 0
	for _, e := range due {
		if s.launch(ctx, e, "schedule") {
			launched++
		}
	}
	return launched
}

// Trigger は指定ジョブを周期外で即時に起動する。
// 実行はスケジューラのコンテキストで行われ、呼び出し元のキャンセルの影響を受けない。
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.byName[name]
	base := s.baseCtx
	s.mu.Unlock()

	if !ok {
		return ErrJobNotFound
	}
	if base == nil {
		base = context.WithoutCancel(ctx)
	}
	if !s.launch(base, e, "manual") {
		return ErrJobRunning
	}
	return nil
}

// Wait は実行中のジョブがすべて終了するまで待つ。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Jobs は登録順にジョブの実行状況を返す。
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := JobStatus{
			Name:      e.job.Name(),
			Cadence:   e.cadence.String(),
			IsRunning: e.running.Load(),
			LastError: e.lastErr,
		}
		if !e.lastRunAt.IsZero() {
			t := e.lastRunAt
			st.LastRunAt = &t
			st.LastDuration = e.lastDuration.String()
		}
		if !e.nextRunAt.IsZero() {
			t := e.nextRunAt
			st.NextRunAt = &t
		}
		out = append(out, st)
	}
	return out
}

// launch は実行中でなければジョブをゴルーチンで起動する。
// 実行中の場合はスキップしてfalseを返す。
func (s *Scheduler) launch(ctx context.Context, e *entry, trigger string) bool {
	name := e.job.Name()
	if !e.running.CompareAndSwap(false, true) {
		s.metrics.RecordJobSkipped(name)
		s.logger.Warn("前回の実行が完了していないためジョブをスキップしました",
			slog.String("job", name),
			slog.String("trigger", trigger),
		)
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer e.running.Store(false)
		s.execute(ctx, e, trigger)
	}()
	return true
}

func (s *Scheduler) execute(ctx context.Context, e *entry, trigger string) {
	name := e.job.Name()
	start := s.now()
	status := "success"

	s.logger.Info("ジョブを開始しました",
		slog.String("job", name),
		slog.String("trigger", trigger),
	)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				status = "panic"
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return e.job.Run(ctx)
	}()
	duration := s.now().Sub(start)

	s.mu.Lock()
	e.lastRunAt = start
	e.lastDuration = duration
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		if status == "success" {
			status = "error"
		}
		s.logger.Error("ジョブの実行に失敗しました",
			slog.String("job", name),
			slog.String("status", status),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	} else {
		s.logger.Info("ジョブが完了しました",
			slog.String("job", name),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
	}
	s.metrics.RecordJobRun(name, status, duration)
}
