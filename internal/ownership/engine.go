// ============================================================================
// Taskshard 所有權引擎 - 任務分片核心
// ============================================================================
//
// Package: internal/ownership
// 文件: engine.go
// 功能: 以一致性雜湊將任務分配給叢集節點，並通知本節點取得或失去所有權
//
// 架構設計:
//   - hashring.Ring: 帶權重的一致性雜湊環（節點集合）
//   - table: 任務 → 擁有者的所有權表（保留插入順序，事件順序可重現）
//   - scheduler.Debouncer: 合併短時間內的節點變更，只觸發一次差異比對
//   - notifier: 依序遞送 assigned / revoked / ring_settled 事件
//
// 即時 vs 延後:
//   - AddTask / RemoveTask / SetSelfIdentity 立即生效（事件同步遞送）
//   - SetNodes / AddNode / RemoveNode 只排程一次差異比對
//
// 差異比對（rebalance）:
//   1. 尚未設定本節點 ID → 略過（設定 ID 時會重新排程）
//   2. 依所有權表順序，以目前的雜湊環重新解析每個任務的擁有者
//   3. 擁有者改變：舊擁有者是本節點 → revoked；新擁有者是本節點 → assigned
//   4. 擁有者未變但本節點尚未宣告擁有 → assigned（本節點 ID 晚於任務設定的情況）
//   5. 全部處理完後發出一次 ring_settled
//
// 並發安全:
//   - mu 保護雜湊環變更、所有權表與本節點 ID
//   - 事件在鎖內排入佇列、鎖外遞送，處理函式可以回呼引擎
//
// ============================================================================

package ownership

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/jonboulle/clockwork"

	"github.com/ChuLiYu/taskshard/internal/hashring"
	"github.com/ChuLiYu/taskshard/internal/scheduler"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrIdentityConflict 本節點 ID 已設定為其他值
	ErrIdentityConflict = errors.New("self identity already set to a different value")
	// ErrInvalidIdentity 本節點 ID 不合法（例如空字串）
	ErrInvalidIdentity = errors.New("invalid self identity")
	// ErrInvalidTask 任務 ID 不合法（空字串）
	ErrInvalidTask = errors.New("invalid task id")
	// ErrClosed 引擎已關閉
	ErrClosed = errors.New("ownership engine is closed")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// entry 所有權表中的一筆紀錄
type entry struct {
	owner     types.NodeID // 空字串代表無法解析（節點集合為空）
	announced bool         // 已對本節點發出 assigned 且尚未 revoked
}

// Engine 所有權引擎
type Engine struct {
	mu        sync.Mutex
	ring      *hashring.Ring
	table     *orderedmap.OrderedMap[types.TaskID, *entry]
	self      types.NodeID
	closed    bool
	owned     int // announced 為 true 的任務數
	debouncer *scheduler.Debouncer
	notifier  *notifier
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   Metrics
}

// New 建立所有權引擎
//
// 返回值：
//   - *Engine: 引擎實例
//   - error: 設定不合法（maxDelay < settleDelay、初始節點或本節點 ID 不合法）
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	e := &Engine{
		ring:     hashring.New(cfg.replicas),
		table:    orderedmap.NewOrderedMap[types.TaskID, *entry](),
		clock:    cfg.clock,
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		notifier: newNotifier(cfg.logger),
	}

	debouncer, err := scheduler.New(cfg.clock, cfg.settleDelay, cfg.maxDelay, e.rebalance)
	if err != nil {
		return nil, fmt.Errorf("settle delay %s, max delay %s: %w", cfg.settleDelay, cfg.maxDelay, err)
	}
	e.debouncer = debouncer

	if err := e.ring.Replace(cfg.initialNodes); err != nil {
		return nil, fmt.Errorf("initial nodes: %w", err)
	}

	if cfg.selfNode != "" {
		e.self = cfg.selfNode
	}

	// 初始節點與 SetNodes 相同，排程第一次差異比對
	if cfg.initialNodes.Len() > 0 {
		e.debouncer.Trigger()
	}

	return e, nil
}

// ============================================================================
// 節點集合變更（延後生效）
// ============================================================================

// SetNodes 整個替換節點集合，並排程差異比對
// 會重新評估所有任務，能用 AddNode/RemoveNode 時應優先使用
func (e *Engine) SetNodes(spec types.NodeSpec) error {
	return e.mutateRing(func() error { return e.ring.Replace(spec) })
}

// AddNode 加入（或更新權重）節點，並排程差異比對
func (e *Engine) AddNode(spec types.NodeSpec) error {
	return e.mutateRing(func() error { return e.ring.Add(spec) })
}

// RemoveNode 移除節點（不存在的節點會被略過），並排程差異比對
func (e *Engine) RemoveNode(spec types.NodeSpec) error {
	return e.mutateRing(func() error {
		_, err := e.ring.Remove(spec)
		return err
	})
}

func (e *Engine) mutateRing(apply func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if err := apply(); err != nil {
		return err
	}
	e.debouncer.Trigger()
	return nil
}

// ============================================================================
// 任務變更（立即生效）
// ============================================================================

// AddTask 註冊任務並立即解析擁有者
//
// 返回值：
//   - types.NodeID: 擁有者（節點集合為空時為空字串）
//   - error: ErrInvalidTask / ErrClosed
//
// 重複註冊同一任務不會有任何效果。
func (e *Engine) AddTask(id types.TaskID) (types.NodeID, error) {
	if id == "" {
		return "", ErrInvalidTask
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrClosed
	}

	if existing, ok := e.table.Get(id); ok {
		e.mu.Unlock()
		return existing.owner, nil
	}

	owner, _ := e.ring.Locate(string(id))
	ent := &entry{owner: owner}
	e.table.Set(id, ent)

	if e.isSelf(owner) {
		e.announce(ent, true)
		e.emit(types.Event{Kind: types.EventAssigned, TaskID: id})
	}
	e.reportOwnership()
	e.mu.Unlock()

	e.notifier.drain()
	return owner, nil
}

// AddTasks 依序註冊多個任務
func (e *Engine) AddTasks(ids ...types.TaskID) error {
	for _, id := range ids {
		if _, err := e.AddTask(id); err != nil {
			return fmt.Errorf("add task %q: %w", id, err)
		}
	}
	return nil
}

// RemoveTask 移除任務，返回任務原本是否已註冊
// 若本節點原本擁有該任務，會同步發出 revoked
func (e *Engine) RemoveTask(id types.TaskID) bool {
	e.mu.Lock()
	ent, ok := e.table.Get(id)
	if !ok || e.closed {
		e.mu.Unlock()
		return false
	}

	e.table.Delete(id)
	if ent.announced && e.isSelf(ent.owner) {
		e.emit(types.Event{Kind: types.EventRevoked, TaskID: id})
	}
	e.announce(ent, false)
	e.reportOwnership()
	e.mu.Unlock()

	e.notifier.drain()
	return true
}

// RemoveTasks 依序移除多個任務，返回實際移除的數量
func (e *Engine) RemoveTasks(ids ...types.TaskID) int {
	removed := 0
	for _, id := range ids {
		if e.RemoveTask(id) {
			removed++
		}
	}
	return removed
}

// ============================================================================
// 本節點 ID
// ============================================================================

// SetSelfIdentity 設定本節點 ID（只能設定一次）
//
// 錯誤處理：
//   - ErrInvalidIdentity: id 為空字串
//   - ErrIdentityConflict: 已設定為不同的值（原值保持不變）
//
// 設定相同的值不會有任何效果；第一次設定成功時排程差異比對。
func (e *Engine) SetSelfIdentity(id types.NodeID) error {
	if id == "" {
		return ErrInvalidIdentity
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.self == id {
		return nil
	}
	if e.self != "" {
		return fmt.Errorf("%w: current %q, requested %q", ErrIdentityConflict, e.self, id)
	}

	e.self = id
	e.logger.Info("Self identity set", "node", id)
	e.debouncer.Trigger()
	return nil
}

// SelfIdentity 返回本節點 ID，未設定時第二個返回值為 false
func (e *Engine) SelfIdentity() (types.NodeID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self, e.self != ""
}

// ============================================================================
// 查詢
// ============================================================================

// GetOwner 返回任務擁有者；任務未註冊或尚無法解析時第二個返回值為 false
func (e *Engine) GetOwner(id types.TaskID) (types.NodeID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.table.Get(id)
	if !ok || ent.owner == "" {
		return "", false
	}
	return ent.owner, true
}

// HasTask 檢查任務是否已註冊
func (e *Engine) HasTask(id types.TaskID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.table.Get(id)
	return ok
}

// IsOwnedBySelf 本節點是否為任務擁有者（未設定 ID 或任務未註冊時為 false）
func (e *Engine) IsOwnedBySelf(id types.TaskID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.table.Get(id)
	return ok && e.isSelf(ent.owner)
}

// Tasks 依所有權表順序返回所有任務
func (e *Engine) Tasks() []types.Ownership {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownershipsLocked()
}

// OwnedTasks 返回本節點擁有的任務
func (e *Engine) OwnedTasks() []types.TaskID {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []types.TaskID
	for el := e.table.Front(); el != nil; el = el.Next() {
		if e.isSelf(el.Value.owner) {
			out = append(out, el.Key)
		}
	}
	return out
}

// Nodes 返回目前的節點集合
func (e *Engine) Nodes() []types.NodeWeight {
	return e.ring.Nodes()
}

// Pending 是否有排程中的差異比對
func (e *Engine) Pending() bool {
	return e.debouncer.State().Pending
}

// Snapshot 返回所有權表快照
func (e *Engine) Snapshot() types.SnapshotData {
	e.mu.Lock()
	defer e.mu.Unlock()

	return types.SnapshotData{
		SchemaVer: 1,
		Self:      e.self,
		Nodes:     e.ring.Nodes(),
		Tasks:     e.ownershipsLocked(),
		TakenAt:   e.clock.Now().UnixMilli(),
	}
}

// Subscribe 訂閱所有權事件，返回取消訂閱函式
func (e *Engine) Subscribe(h Handler) func() {
	return e.notifier.subscribe(h)
}

// ============================================================================
// 差異比對
// ============================================================================

// Rebalance 取消等待中的計時器並立即執行差異比對
func (e *Engine) Rebalance() {
	e.debouncer.Flush()
	e.rebalance()
}

// Close 釋放計時器；之後的變更操作返回 ErrClosed
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.debouncer.Stop()
}

func (e *Engine) rebalance() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.self == "" {
		// 設定本節點 ID 時會重新排程
		e.logger.Debug("Rebalance skipped, self identity not set", "tasks", e.table.Len())
		e.mu.Unlock()
		return
	}

	start := e.clock.Now()
	changed := 0
	for el := e.table.Front(); el != nil; el = el.Next() {
		ent := el.Value
		owner, _ := e.ring.Locate(string(el.Key))

		if owner == ent.owner {
			if e.isSelf(owner) && !ent.announced {
				e.announce(ent, true)
				e.emit(types.Event{Kind: types.EventAssigned, TaskID: el.Key})
			}
			continue
		}

		changed++
		previous := ent.owner
		ent.owner = owner

		if e.isSelf(previous) {
			if ent.announced {
				e.emit(types.Event{Kind: types.EventRevoked, TaskID: el.Key})
			}
			e.announce(ent, false)
		} else if e.isSelf(owner) {
			e.announce(ent, true)
			e.emit(types.Event{Kind: types.EventAssigned, TaskID: el.Key})
		}
	}
	e.emit(types.Event{Kind: types.EventRingSettled})

	elapsed := e.clock.Since(start)
	e.metrics.ObserveRebalance(elapsed, changed)
	e.reportOwnership()
	e.logger.Info("Ring settled",
		"tasks", e.table.Len(),
		"changed", changed,
		"nodes", e.ring.Len(),
		"duration", elapsed)
	e.mu.Unlock()

	e.notifier.drain()
}

// ============================================================================
// 內部輔助函式（呼叫者須持有 mu）
// ============================================================================

func (e *Engine) isSelf(node types.NodeID) bool {
	return e.self != "" && node == e.self
}

func (e *Engine) emit(event types.Event) {
	e.metrics.RecordEvent(event.Kind)
	e.notifier.enqueue(event)
}

func (e *Engine) announce(ent *entry, announced bool) {
	switch {
	case announced && !ent.announced:
		e.owned++
	case !announced && ent.announced:
		e.owned--
	}
	ent.announced = announced
}

func (e *Engine) reportOwnership() {
	e.metrics.SetOwnership(e.table.Len(), e.owned, e.ring.Len())
}

func (e *Engine) ownershipsLocked() []types.Ownership {
	out := make([]types.Ownership, 0, e.table.Len())
	for el := e.table.Front(); el != nil; el = el.Next() {
		out = append(out, types.Ownership{TaskID: el.Key, Owner: el.Value.owner})
	}
	return out
}
