// ============================================================================
// Taskshard Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集所有權引擎與任務執行器的指標，並以 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 事件計數器 (Counter)：
//      - taskshard_events_total{kind}: assigned / revoked / ring_settled 事件數
//      - taskshard_membership_changes_total{op}: 節點加入 / 離開 / 全量替換
//      - taskshard_task_runs_total{result}: 任務執行結果（completed / cancelled / failed）
//      - taskshard_journal_appends_total: 寫入所有權日誌的紀錄數
//      - taskshard_snapshots_total: 寫入的快照數
//
//   2. 差異比對 (Histogram)：
//      - taskshard_rebalance_duration_seconds: 單次差異比對耗時
//      - taskshard_rebalance_moved_tasks: 單次差異比對中擁有者改變的任務數
//
//   3. 狀態指標 (Gauge)：
//      - taskshard_tasks: 已註冊任務數
//      - taskshard_owned_tasks: 本節點擁有的任務數
//      - taskshard_nodes: 雜湊環上的節點數
//      - taskshard_running_tasks: 執行中的任務數
//      - taskshard_recovery_time_seconds: 啟動時從快照恢復的耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘所有權轉移次數
//   rate(taskshard_events_total{kind="revoked"}[1m])
//
//   # 95 分位差異比對耗時
//   histogram_quantile(0.95, taskshard_rebalance_duration_seconds_bucket)
//
//   # 各節點負載是否平均
//   taskshard_owned_tasks / taskshard_tasks
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

var log = slog.Default()

const namespace = "taskshard"

// Collector Prometheus 指標收集器
type Collector struct {
	// 事件計數
	events            *prometheus.CounterVec
	membershipChanges *prometheus.CounterVec
	taskRuns          *prometheus.CounterVec
	journalAppends    prometheus.Counter
	snapshots         prometheus.Counter

	// 差異比對
	rebalanceDuration prometheus.Histogram
	rebalanceMoved    prometheus.Histogram

	// 狀態
	tasks        prometheus.Gauge
	ownedTasks   prometheus.Gauge
	nodes        prometheus.Gauge
	runningTasks prometheus.Gauge
	recoveryTime prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of ownership events emitted, by kind",
		}, []string{"kind"}),
		membershipChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "membership_changes_total",
			Help:      "Total number of node set changes applied to the ring",
		}, []string{"op"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Total number of finished task runs, by result",
		}, []string{"result"}),
		journalAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_appends_total",
			Help:      "Total number of records appended to the ownership journal",
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of ownership snapshots written",
		}),
		rebalanceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalance_duration_seconds",
			Help:      "Time spent in a single rebalance pass",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		rebalanceMoved: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalance_moved_tasks",
			Help:      "Number of tasks whose owner changed in a rebalance pass",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Current number of registered tasks",
		}),
		ownedTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "owned_tasks",
			Help:      "Current number of tasks owned by this node",
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Current number of nodes on the hash ring",
		}),
		runningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_tasks",
			Help:      "Current number of tasks running on this node",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to restore state from the last snapshot",
		}),
	}

	reg.MustRegister(
		c.events,
		c.membershipChanges,
		c.taskRuns,
		c.journalAppends,
		c.snapshots,
		c.rebalanceDuration,
		c.rebalanceMoved,
		c.tasks,
		c.ownedTasks,
		c.nodes,
		c.runningTasks,
		c.recoveryTime,
	)

	return c
}

// ============================================================================
// 所有權引擎指標（實作 ownership.Metrics）
// ============================================================================

// RecordEvent 記錄一個所有權事件
func (c *Collector) RecordEvent(kind types.EventKind) {
	c.events.WithLabelValues(string(kind)).Inc()
}

// ObserveRebalance 記錄一次差異比對
func (c *Collector) ObserveRebalance(duration time.Duration, changed int) {
	c.rebalanceDuration.Observe(duration.Seconds())
	c.rebalanceMoved.Observe(float64(changed))
}

// SetOwnership 更新任務與節點數量
func (c *Collector) SetOwnership(tasks, owned, nodes int) {
	c.tasks.Set(float64(tasks))
	c.ownedTasks.Set(float64(owned))
	c.nodes.Set(float64(nodes))
}

// ============================================================================
// 其他元件指標
// ============================================================================

// RecordMembershipChange 記錄節點集合變更（op: join / leave / replace）
func (c *Collector) RecordMembershipChange(op string) {
	c.membershipChanges.WithLabelValues(op).Inc()
}

// RecordTaskRun 記錄任務執行結束（result: completed / cancelled / failed）
func (c *Collector) RecordTaskRun(result string) {
	c.taskRuns.WithLabelValues(result).Inc()
}

// SetRunning 設置執行中的任務數
func (c *Collector) SetRunning(n int) {
	c.runningTasks.Set(float64(n))
}

// RecordJournalAppend 記錄寫入所有權日誌
func (c *Collector) RecordJournalAppend() {
	c.journalAppends.Inc()
}

// RecordSnapshot 記錄寫入快照
func (c *Collector) RecordSnapshot() {
	c.snapshots.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Serve 在 port 上暴露 /metrics，直到 ctx 取消
//
// 參數：
//   - ctx: 取消時優雅關閉 HTTP 伺服器
//   - port: HTTP 伺服器端口
//   - gatherer: 指標來源（nil 時使用 prometheus.DefaultGatherer）
//
// 返回值：
//   - error: 啟動失敗的錯誤；正常關閉時返回 nil
func Serve(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Metrics server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
