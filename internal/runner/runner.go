// ============================================================================
// Taskshard Runner - 本節點任務執行器
// ============================================================================
//
// Package: internal/runner
// 文件: runner.go
// 功能: 為本節點擁有的每個任務啟動一個 goroutine，失去所有權時取消
//
// 事件對應:
//   - assigned      → Start(task)：啟動任務 goroutine（已在執行則略過）
//   - revoked       → Cancel(task)：取消任務 context
//   - ring_settled  → 不處理
//
// 執行模型:
//   ┌──────────────┐ assigned/revoked ┌────────────────────────────┐
//   │ ownership    │ ───────────────→ │ Runner                     │
//   │ Engine       │                  │  task-1: ctx ─→ Func(ctx)  │
//   └──────────────┘                  │  task-2: ctx ─→ Func(ctx)  │
//                                     └────────────────────────────┘
//
// 失敗處理:
//   - Func 返回錯誤或 panic：依 backoff 策略重試，直到成功或任務被取消
//   - Func 正常返回：任務結束，不再重啟（直到下一次 assigned）
//
// 優雅關閉:
//   Stop() 取消所有任務 context，等待所有 goroutine 結束
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrRunnerStopped 表示 Runner 已停止，無法啟動新任務
	ErrRunnerStopped = errors.New("runner is stopped")
)

// 任務執行結果
const (
	ResultCompleted = "completed"
	ResultCancelled = "cancelled"
	ResultFailed    = "failed"
)

// Func 任務執行函式；ctx 在本節點失去所有權或 Runner 停止時取消
type Func func(ctx context.Context, id types.TaskID) error

// Metrics Runner 回報的指標
type Metrics interface {
	RecordTaskRun(result string)
	SetRunning(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordTaskRun(string) {}
func (nopMetrics) SetRunning(int)       {}

// Result 一次任務執行（含重試）的結果
type Result struct {
	TaskID   types.TaskID
	Outcome  string // ResultCompleted / ResultCancelled / ResultFailed
	Attempts int
	Err      error
	Duration time.Duration
}

// ============================================================================
// 資料結構定義
// ============================================================================

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner 管理本節點擁有的任務 goroutine
type Runner struct {
	fn         Func
	newBackOff func() backoff.BackOff
	metrics    Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	running  map[types.TaskID]*run
	stopped  bool
	wg       sync.WaitGroup
	resultCh chan Result
}

// Option Runner 設定選項
type Option func(*Runner)

// WithBackOff 設定失敗重試策略（每次任務執行建立一個新的 BackOff）
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(r *Runner) { r.newBackOff = newBackOff }
}

// WithMetrics 設定指標收集器
func WithMetrics(m Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithResultBuffer 設定結果通道的緩衝大小
func WithResultBuffer(n int) Option {
	return func(r *Runner) { r.resultCh = make(chan Result, n) }
}

// New 建立 Runner
func New(fn Func, opts ...Option) *Runner {
	r := &Runner{
		fn: fn,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		},
		metrics:  nopMetrics{},
		logger:   slog.Default(),
		running:  make(map[types.TaskID]*run),
		resultCh: make(chan Result, 64),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ============================================================================
// 核心方法實作
// ============================================================================

// HandleEvent 將所有權事件轉成 Start / Cancel，可直接作為 ownership.Handler
func (r *Runner) HandleEvent(event types.Event) {
	switch event.Kind {
	case types.EventAssigned:
		if err := r.Start(event.TaskID); err != nil {
			r.logger.Warn("Task not started", "taskID", event.TaskID, "error", err)
		}
	case types.EventRevoked:
		r.Cancel(event.TaskID)
	}
}

// Start 啟動任務；任務已在執行時不做任何事
func (r *Runner) Start(id types.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrRunnerStopped
	}
	if _, ok := r.running[id]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{cancel: cancel, done: make(chan struct{})}
	r.running[id] = rn
	r.metrics.SetRunning(len(r.running))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(rn.done)
		r.execute(ctx, id, rn)
	}()

	r.logger.Info("Task started", "taskID", id)
	return nil
}

// Cancel 取消任務並等待其 goroutine 結束，返回任務是否在執行中
func (r *Runner) Cancel(id types.TaskID) bool {
	r.mu.Lock()
	rn, ok := r.running[id]
	if ok {
		delete(r.running, id)
		r.metrics.SetRunning(len(r.running))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	rn.cancel()
	<-rn.done
	return true
}

// Running 返回執行中的任務（已排序）
func (r *Runner) Running() []types.TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.TaskID, 0, len(r.running))
	for id := range r.running {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// IsRunning 檢查任務是否在執行中
func (r *Runner) IsRunning(id types.TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

// Results 任務結果通道；通道滿時結果會被丟棄
func (r *Runner) Results() <-chan Result {
	return r.resultCh
}

// Stop 取消所有任務並等待結束；之後 Start 返回 ErrRunnerStopped
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for id, rn := range r.running {
		rn.cancel()
		delete(r.running, id)
	}
	r.metrics.SetRunning(0)
	r.mu.Unlock()

	r.wg.Wait()
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (r *Runner) execute(ctx context.Context, id types.TaskID, rn *run) {
	start := time.Now()
	attempts := 0

	op := func() error {
		attempts++
		err := r.call(ctx, id)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Task failed, retrying", "taskID", id, "attempt", attempts, "retryIn", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(r.newBackOff(), ctx), notify)

	result := Result{TaskID: id, Attempts: attempts, Err: err, Duration: time.Since(start)}
	switch {
	case ctx.Err() != nil:
		result.Outcome = ResultCancelled
		result.Err = nil
	case err != nil:
		result.Outcome = ResultFailed
	default:
		result.Outcome = ResultCompleted
	}
	r.metrics.RecordTaskRun(result.Outcome)

	// 正常結束或放棄重試的任務移出執行中列表（被 Cancel 的任務已移除）
	r.mu.Lock()
	if cur, ok := r.running[id]; ok && cur == rn {
		delete(r.running, id)
		r.metrics.SetRunning(len(r.running))
	}
	r.mu.Unlock()

	r.logger.Info("Task finished", "taskID", id, "outcome", result.Outcome, "attempts", attempts, "duration", result.Duration)

	select {
	case r.resultCh <- result:
	default:
	}
}

// call 執行一次任務，panic 轉成錯誤
func (r *Runner) call(ctx context.Context, id types.TaskID) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", id, p)
		}
	}()
	return r.fn(ctx, id)
}
