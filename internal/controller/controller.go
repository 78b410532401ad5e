// ============================================================================
// Taskshard 控制器 - 節點行程協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 將所有權引擎與其協作者接在一起，負責啟動恢復、事件分派與優雅關閉
//
// 架構設計:
//   控制器本身不做任何所有權判斷，只負責接線：
//   - Engine: 所有權表、雜湊環、延遲差異比對
//   - Membership Source: 提供節點集合與本節點 ID（static / etcd）
//   - Catalog Sources: 提供任務清單（YAML 檔 / etcd 前綴）
//   - Runner: assigned 啟動任務、revoked 取消任務
//   - Journal: 追加每一筆所有權事件
//   - Snapshot: 在 ring_settled 後寫入所有權表
//
// 事件流:
//   Source -> Engine (SetNodes/AddTask...) -> 差異比對
//          -> Subscribe handlers -> Runner / Journal / snapshotLoop
//
// 核心循環 (2 個 Goroutine + Source 群組):
//   1. Snapshot Loop - 收到 ring_settled 訊號後寫快照，以 SnapshotInterval 限流
//   2. Result Loop - 讀取 Runner 的執行結果並記錄
//   3. Sources - errgroup 中執行 membership 與 catalog，任一失敗即停止全部
//
// 啟動恢復流程:
//   1. loadSnapshot() - 讀取上次的所有權表
//   2. replayJournal() - 重放快照之後的 assigned / revoked 紀錄
//   得到「重啟前本節點擁有的任務」，只用於記錄與狀態查詢，
//   實際擁有權一律由引擎重新計算。
//
// 關閉順序:
//   1. 取消 Source 並等待結束（不再有新的變更）
//   2. Engine.Close() 釋放等待中的計時器
//   3. Runner.Stop() 取消所有執行中的任務
//   4. 停止循環、寫最後一次快照、關閉 Journal
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/taskshard/internal/catalog"
	"github.com/ChuLiYu/taskshard/internal/journal"
	"github.com/ChuLiYu/taskshard/internal/membership"
	"github.com/ChuLiYu/taskshard/internal/ownership"
	"github.com/ChuLiYu/taskshard/internal/runner"
	"github.com/ChuLiYu/taskshard/internal/snapshot"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

var log = slog.Default()

// ErrAlreadyStarted Start 被呼叫第二次
var ErrAlreadyStarted = errors.New("controller already started")

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	Self             types.NodeWeight // 本節點（static 模式下的預設節點列表）
	SettleDelay      time.Duration    // 最後一次變更後等待的時間
	MaxDelay         time.Duration    // 第一次變更後最長等待時間
	Replicas         int              // 每單位權重的虛擬節點數（0 使用預設值）
	SnapshotPath     string           // 快照檔案路徑
	SnapshotInterval time.Duration    // 兩次快照的最短間隔
	JournalPath      string           // 所有權日誌路徑（空字串停用）
	JournalSync      bool             // 每筆紀錄 fsync
}

// Metrics 控制器及其元件需要的指標介面（由 metrics.Collector 實作）
type Metrics interface {
	ownership.Metrics
	runner.Metrics
	membership.Recorder
	RecordJournalAppend()
	RecordSnapshot()
	SetRecoveryTime(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordEvent(types.EventKind)         {}
func (nopMetrics) ObserveRebalance(time.Duration, int) {}
func (nopMetrics) SetOwnership(int, int, int)          {}
func (nopMetrics) RecordTaskRun(string)                {}
func (nopMetrics) SetRunning(int)                      {}
func (nopMetrics) RecordMembershipChange(string)       {}
func (nopMetrics) RecordJournalAppend()                {}
func (nopMetrics) RecordSnapshot()                     {}
func (nopMetrics) SetRecoveryTime(time.Duration)       {}

// Option Controller 設定選項
type Option func(*Controller)

// WithMembership 設定成員來源（預設：只含本節點的靜態列表）
func WithMembership(src membership.Source) Option {
	return func(c *Controller) { c.membership = src }
}

// WithCatalog 加入一個任務來源，可多次使用
func WithCatalog(src catalog.Source) Option {
	return func(c *Controller) { c.catalogs = append(c.catalogs, src) }
}

// WithTaskFunc 設定本節點擁有任務時執行的函式
func WithTaskFunc(fn runner.Func) Option {
	return func(c *Controller) { c.taskFn = fn }
}

// WithMetrics 設定指標收集器
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock 設定時鐘（測試使用 clockwork.NewFakeClock）
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// Status 控制器狀態摘要
type Status struct {
	Self            types.NodeID `json:"self"`
	Uptime          string       `json:"uptime"`
	Nodes           int          `json:"nodes"`
	Tasks           int          `json:"tasks"`
	Owned           int          `json:"owned"`
	Running         int          `json:"running"`
	Pending         bool         `json:"pending"`
	JournalSeq      uint64       `json:"journal_seq"`
	PreviouslyOwned int          `json:"previously_owned"`
}

// Controller 節點行程的核心控制器
type Controller struct {
	config     Config
	engine     *ownership.Engine
	runner     *runner.Runner
	journal    *journal.Journal
	snapshot   *snapshot.Manager
	membership membership.Source
	catalogs   []catalog.Source
	taskFn     runner.Func
	metrics    Metrics
	clock      clockwork.Clock

	mu              sync.Mutex
	started         bool
	stopped         bool
	startTime       time.Time
	previouslyOwned []types.TaskID
	unsubscribe     []func()

	cancel    context.CancelFunc
	sourcesCh chan error    // Source 群組結束時送出結果
	settledCh chan struct{} // ring_settled 訊號（容量 1）
	stopCh    chan struct{}
	loopWg    sync.WaitGroup

	lastSnapshot time.Time // 只在 snapshotLoop 與 Stop 中存取
	dirty        bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - opts: 來源、任務函式、指標與時鐘
//
// 返回值：
//   - *Controller: Controller 實例
//   - error: 引擎設定不合法或 Journal 無法開啟
func NewController(config Config, opts ...Option) (*Controller, error) {
	c := &Controller{
		config:    config,
		metrics:   nopMetrics{},
		clock:     clockwork.NewRealClock(),
		taskFn:    idleTask,
		settledCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		sourcesCh: make(chan error, 1),
	}
	for _, o := range opts {
		o(c)
	}

	if config.Self.ID == "" {
		return nil, fmt.Errorf("%w: empty node id", ownership.ErrInvalidIdentity)
	}
	if c.membership == nil {
		self := config.Self
		if self.Weight <= 0 {
			self.Weight = 1
		}
		c.membership = membership.NewStatic(self.ID, []types.NodeWeight{self}, membership.WithRecorder(c.metrics))
	}

	// 1. 建立所有權引擎
	engineOpts := []ownership.Option{
		ownership.WithClock(c.clock),
		ownership.WithMetrics(c.metrics),
		ownership.WithLogger(log.With("component", "ownership")),
	}
	if config.SettleDelay > 0 {
		engineOpts = append(engineOpts, ownership.WithSettleDelay(config.SettleDelay))
	}
	if config.MaxDelay > 0 {
		engineOpts = append(engineOpts, ownership.WithMaxDelay(config.MaxDelay))
	}
	if config.Replicas > 0 {
		engineOpts = append(engineOpts, ownership.WithReplicas(config.Replicas))
	}
	engine, err := ownership.New(engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	c.engine = engine

	// 2. 開啟 Journal
	if config.JournalPath != "" {
		j, err := journal.Open(config.JournalPath, config.JournalSync, c.clock)
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		c.journal = j
	}

	// 3. 建立 Snapshot Manager
	c.snapshot = snapshot.NewManager(config.SnapshotPath)

	// 4. 建立 Runner
	c.runner = runner.New(c.taskFn,
		runner.WithMetrics(c.metrics),
		runner.WithLogger(log.With("component", "runner")))

	return c, nil
}

// Engine 返回所有權引擎（供查詢服務使用）
func (c *Controller) Engine() *ownership.Engine {
	return c.engine
}

// Runner 返回任務執行器
func (c *Controller) Runner() *runner.Runner {
	return c.runner
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot -> replayJournal
//  2. 訂閱引擎事件：Runner、Journal、快照訊號
//  3. 啟動 Source 群組與兩個循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = c.clock.Now()

	// 1. 恢復階段
	log.Info("Starting recovery...")
	c.previouslyOwned = c.recover()
	recovery := c.clock.Since(c.startTime)
	c.metrics.SetRecoveryTime(recovery)
	log.Info("Recovery completed",
		"duration", recovery,
		"previously_owned", len(c.previouslyOwned))

	// 2. 訂閱（Journal 在 Runner 之前，紀錄順序與事件順序一致）
	if c.journal != nil {
		c.unsubscribe = append(c.unsubscribe, c.engine.Subscribe(c.appendJournal))
	}
	c.unsubscribe = append(c.unsubscribe,
		c.engine.Subscribe(c.runner.HandleEvent),
		c.engine.Subscribe(c.signalSettled))

	// 3. Source 群組
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.membership.Run(gctx, c.engine)
	})
	for _, src := range c.catalogs {
		src := src
		g.Go(func() error {
			return src.Run(gctx, c.engine)
		})
	}
	go func() {
		c.sourcesCh <- g.Wait()
	}()

	// 4. 循環
	c.loopWg.Add(2)
	go c.snapshotLoop()
	go c.resultLoop()

	log.Info("Controller started",
		"node", c.config.Self.ID,
		"catalogs", len(c.catalogs),
		"journal", c.config.JournalPath != "")
	return nil
}

// Run 啟動 Controller，直到 ctx 取消或任一 Source 失敗後關閉
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-c.sourcesCh:
		// 把結果放回去給 Stop 等待
		c.sourcesCh <- err
		if err != nil {
			log.Error("Source failed, shutting down", "error", err)
		}
	}

	c.Stop()
	return err
}

// recover 從快照與日誌推算重啟前本節點擁有的任務
func (c *Controller) recover() []types.TaskID {
	owned := make(map[types.TaskID]struct{})
	var since int64

	data, err := c.snapshot.Load()
	switch {
	case err == nil:
		if data.Self == c.config.Self.ID {
			for _, id := range data.OwnedBy(data.Self) {
				owned[id] = struct{}{}
			}
		}
		since = data.TakenAt
		log.Info("Snapshot loaded",
			"path", c.snapshot.Path(),
			"tasks", len(data.Tasks),
			"owned", len(owned))
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		log.Info("No snapshot found, starting fresh", "path", c.snapshot.Path())
	default:
		log.Warn("Ignoring unreadable snapshot", "path", c.snapshot.Path(), "error", err)
	}

	if c.journal != nil {
		replayed := 0
		err := c.journal.Replay(func(rec journal.Record) error {
			if rec.Timestamp < since || rec.Node != c.config.Self.ID {
				return nil
			}
			switch rec.Kind {
			case types.EventAssigned:
				owned[rec.TaskID] = struct{}{}
			case types.EventRevoked:
				delete(owned, rec.TaskID)
			}
			replayed++
			return nil
		})
		if err != nil {
			log.Warn("Journal replay stopped early", "path", c.journal.Path(), "error", err)
		}
		log.Info("Journal replayed", "records", replayed, "last_seq", c.journal.LastSeq())
	}

	out := make([]types.TaskID, 0, len(owned))
	for id := range owned {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// 事件處理
// ============================================================================

func (c *Controller) appendJournal(event types.Event) {
	self, _ := c.engine.SelfIdentity()
	if _, err := c.journal.Append(event, self); err != nil {
		log.Error("Failed to append journal record", "kind", event.Kind, "taskID", event.TaskID, "error", err)
		return
	}
	c.metrics.RecordJournalAppend()
}

func (c *Controller) signalSettled(event types.Event) {
	if event.Kind != types.EventRingSettled {
		return
	}
	select {
	case c.settledCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// 核心循環
// ============================================================================

// snapshotLoop 在 ring_settled 後寫快照；距離上次快照不足 SnapshotInterval 時
// 延到下一個 tick 再寫
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()

	interval := c.config.SnapshotInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return

		case <-c.settledCh:
			c.dirty = true
			if c.lastSnapshot.IsZero() || c.clock.Since(c.lastSnapshot) >= interval {
				c.takeSnapshot()
			}

		case <-ticker.Chan():
			if c.dirty {
				c.takeSnapshot()
			}
		}
	}
}

// resultLoop 記錄任務執行結果
func (c *Controller) resultLoop() {
	defer c.loopWg.Done()

	for {
		select {
		case <-c.stopCh:
			log.Info("Result loop stopped")
			return

		case result := <-c.runner.Results():
			if result.Outcome == runner.ResultFailed {
				log.Error("Task gave up",
					"taskID", result.TaskID,
					"attempts", result.Attempts,
					"error", result.Err)
				continue
			}
			log.Debug("Task result",
				"taskID", result.TaskID,
				"outcome", result.Outcome,
				"duration", result.Duration)
		}
	}
}

// takeSnapshot 執行快照操作
func (c *Controller) takeSnapshot() {
	start := c.clock.Now()
	data := c.engine.Snapshot()

	if err := c.snapshot.Write(data); err != nil {
		log.Error("Failed to take snapshot", "error", err)
		return
	}
	c.lastSnapshot = start
	c.dirty = false
	c.metrics.RecordSnapshot()

	// 快照之前的日誌紀錄不會再被重放
	if c.journal != nil && data.Self == c.config.Self.ID {
		if dropped, err := c.journal.Compact(data.TakenAt); err != nil {
			log.Error("Failed to compact journal", "error", err)
		} else if dropped > 0 {
			log.Debug("Journal compacted", "dropped", dropped)
		}
	}

	log.Debug("Snapshot taken",
		"duration", c.clock.Since(start),
		"tasks", len(data.Tasks),
		"owned", len(data.OwnedBy(data.Self)))
}

// ============================================================================
// 公開方法
// ============================================================================

// Status 取得控制器狀態
func (c *Controller) Status() Status {
	c.mu.Lock()
	startTime := c.startTime
	prev := len(c.previouslyOwned)
	c.mu.Unlock()

	self, _ := c.engine.SelfIdentity()
	st := Status{
		Self:            self,
		Nodes:           len(c.engine.Nodes()),
		Tasks:           len(c.engine.Tasks()),
		Owned:           len(c.engine.OwnedTasks()),
		Running:         len(c.runner.Running()),
		Pending:         c.engine.Pending(),
		PreviouslyOwned: prev,
	}
	if !startTime.IsZero() {
		st.Uptime = c.clock.Since(startTime).String()
	}
	if c.journal != nil {
		st.JournalSeq = c.journal.LastSeq()
	}
	return st
}

// PreviouslyOwned 返回重啟前本節點擁有的任務（依 ID 排序）
func (c *Controller) PreviouslyOwned() []types.TaskID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.TaskID(nil), c.previouslyOwned...)
}

// Stop 優雅關閉 Controller，可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	log.Info("Stopping controller...")

	// 1. 停止 Source，等待群組結束
	if started {
		c.cancel()
		if err := <-c.sourcesCh; err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Source exited with error", "error", err)
		}
	}

	// 2. 釋放引擎計時器（之後的變更返回 ErrClosed）
	c.engine.Close()

	// 3. 取消所有執行中的任務
	c.runner.Stop()

	// 4. 停止循環
	close(c.stopCh)
	c.loopWg.Wait()
	for _, unsubscribe := range c.unsubscribe {
		unsubscribe()
	}

	// 5. 最後一次快照
	if started {
		c.takeSnapshot()
	}

	// 6. 關閉 Journal
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			log.Error("Failed to close journal", "error", err)
		}
	}

	log.Info("Controller stopped")
}

// idleTask 預設任務函式：持有任務直到所有權被撤銷
func idleTask(ctx context.Context, id types.TaskID) error {
	log.Info("Holding task", "taskID", id)
	<-ctx.Done()
	return nil
}
