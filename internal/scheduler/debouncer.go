// ============================================================================
// Taskshard Debouncer - 防抖動排程器
// ============================================================================
//
// Package: internal/scheduler
// 文件: debouncer.go
// 功能: 將短時間內的多次觸發合併為一次執行，並保證最長延遲
//
// 狀態機:
//   idle ──Trigger()──> pending(burstDeadline = now+max, fireAt = now+settle)
//   pending ──Trigger()，未超過 burstDeadline──> pending(fireAt 重新計算)
//   pending ──Trigger()，已超過 burstDeadline──> pending（不變，已到期不可再延後）
//   pending ──計時器觸發──> idle，執行 fn 一次
//
// 觸發時間:
//   fireAt = min(最後一次觸發 + settle, 第一次觸發 + max)
//   - 單次觸發：settle 之後執行
//   - 連續觸發：最晚在第一次觸發後 max 執行（防止飢餓）
//
// 時鐘:
//   透過 clockwork.Clock 注入，測試使用 FakeClock，不需要真實等待
//
// 並發安全:
//   - 所有狀態由 mu 保護
//   - 每次重新佈署計時器都遞增 gen，過期的計時器回呼會被忽略
//   - fn 在鎖外執行，fn 內可再次呼叫 Trigger()
//
// ============================================================================

package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrInvalidDelay 表示 settle/max 設定不合法
var ErrInvalidDelay = errors.New("invalid debounce delay")

// Debouncer 防抖動排程器
type Debouncer struct {
	clock    clockwork.Clock
	settle   time.Duration // 最後一次觸發後的等待時間
	maxDelay time.Duration // 從第一次觸發起算的最長等待時間
	fn       func()

	mu            sync.Mutex
	timer         clockwork.Timer
	gen           uint64
	pending       bool
	burstDeadline time.Time
	fireAt        time.Time
	stopped       bool
}

// State 排程器狀態快照（用於測試與除錯）
type State struct {
	Pending       bool
	BurstDeadline time.Time
	FireAt        time.Time
}

// New 建立 Debouncer
//
// 參數：
//   - clock: 時鐘（nil 時使用真實時鐘）
//   - settle: 防抖動延遲，必須 >= 0
//   - maxDelay: 最長延遲，必須 >= settle
//   - fn: 到期時執行的函式
func New(clock clockwork.Clock, settle, maxDelay time.Duration, fn func()) (*Debouncer, error) {
	if settle < 0 || maxDelay < settle {
		return nil, ErrInvalidDelay
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Debouncer{
		clock:    clock,
		settle:   settle,
		maxDelay: maxDelay,
		fn:       fn,
	}, nil
}

// Trigger 要求一次（延後的）執行
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := d.clock.Now()
	if d.pending {
		if !now.Before(d.burstDeadline) {
			// 已到期，不可再延後
			return
		}
	} else {
		d.pending = true
		d.burstDeadline = now.Add(d.maxDelay)
	}

	fireAt := now.Add(d.settle)
	if fireAt.After(d.burstDeadline) {
		fireAt = d.burstDeadline
	}
	d.arm(fireAt)
}

// Flush 取消等待中的計時器，並回報是否原本有待執行的工作
// 呼叫者負責自行執行 fn 對應的工作
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	wasPending := d.pending
	d.reset()
	return wasPending
}

// Stop 釋放計時器，之後的 Trigger 皆被忽略
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.reset()
}

// State 返回目前狀態
func (d *Debouncer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{Pending: d.pending, BurstDeadline: d.burstDeadline, FireAt: d.fireAt}
}

// arm 重新佈署計時器（呼叫者須持有鎖）
func (d *Debouncer) arm(fireAt time.Time) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.fireAt = fireAt
	d.timer = d.clock.AfterFunc(fireAt.Sub(d.clock.Now()), func() { d.fire(gen) })
}

// reset 回到 idle 狀態（呼叫者須持有鎖）
func (d *Debouncer) reset() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.pending = false
	d.burstDeadline = time.Time{}
	d.fireAt = time.Time{}
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.pending = false
	d.burstDeadline = time.Time{}
	d.fireAt = time.Time{}
	d.mu.Unlock()

	d.fn()
}
