package ownership

import (
	"log/slog"
	"sync"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// Handler 接收所有權事件
type Handler func(event types.Event)

type subscriber struct {
	id      uint64
	handler Handler
}

// notifier 依序將事件遞送給所有訂閱者
//
// 事件在引擎鎖內 enqueue（保證與狀態變更同序），在鎖外 drain。
// 同一時間只有一個 goroutine 負責遞送；處理函式內再次呼叫引擎所產生的事件
// 會排入佇列，在目前的處理函式返回後才遞送，因此不會死鎖。
type notifier struct {
	logger *slog.Logger

	mu       sync.Mutex
	subs     []subscriber
	nextID   uint64
	queue    []types.Event
	draining bool
}

func newNotifier(logger *slog.Logger) *notifier {
	return &notifier{logger: logger}
}

func (n *notifier) subscribe(h Handler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscriber{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, s := range n.subs {
				if s.id == id {
					n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (n *notifier) enqueue(events ...types.Event) {
	if len(events) == 0 {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, events...)
	n.mu.Unlock()
}

// drain 遞送佇列中的事件，若已有其他呼叫者在遞送則直接返回
func (n *notifier) drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true

	for len(n.queue) > 0 {
		event := n.queue[0]
		n.queue = n.queue[1:]
		subs := append([]subscriber(nil), n.subs...)
		n.mu.Unlock()

		for _, s := range subs {
			n.deliver(s, event)
		}

		n.mu.Lock()
	}

	n.draining = false
	n.mu.Unlock()
}

func (n *notifier) deliver(s subscriber, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Ownership handler panicked", "kind", event.Kind, "taskID", event.TaskID, "panic", r)
		}
	}()
	s.handler(event)
}
