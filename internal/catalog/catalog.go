// ============================================================================
// Taskshard Catalog - 任務清單來源
// ============================================================================
//
// Package: internal/catalog
// 文件: catalog.go
// 功能: 從 YAML 檔案或 etcd 前綴取得叢集要分配的任務，並同步到所有權引擎
//
// 同步規則:
//   - 來源中新增的任務 → AddTask（依來源中的順序）
//   - 來源中消失的任務 → RemoveTask
//   - 只移除本來源加入的任務，其他途徑加入的任務不受影響
//
// 每個節點都載入完整的任務清單；引擎只對本節點擁有的任務發出 assigned。
//
// ============================================================================

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// Target 任務來源驅動的引擎介面（*ownership.Engine 實作此介面）
type Target interface {
	AddTask(id types.TaskID) (types.NodeID, error)
	RemoveTask(id types.TaskID) bool
}

// Source 任務來源；Run 阻塞直到 ctx 取消
type Source interface {
	Run(ctx context.Context, target Target) error
}

// reconciler 記錄本來源加入的任務，並將目標同步到期望的清單
type reconciler struct {
	mu     sync.Mutex
	target Target
	known  map[types.TaskID]struct{}
	logger *slog.Logger
}

func newReconciler(target Target, logger *slog.Logger) *reconciler {
	return &reconciler{
		target: target,
		known:  make(map[types.TaskID]struct{}),
		logger: logger,
	}
}

// sync 讓目標中本來源的任務恰好等於 desired
func (r *reconciler) sync(desired []types.TaskID) (added, removed int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[types.TaskID]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}

	var stale []types.TaskID
	for id := range r.known {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)
	for _, id := range stale {
		r.target.RemoveTask(id)
		delete(r.known, id)
		removed++
	}

	for _, id := range desired {
		if _, ok := r.known[id]; ok {
			continue
		}
		if _, err := r.target.AddTask(id); err != nil {
			return added, removed, fmt.Errorf("add task %q: %w", id, err)
		}
		r.known[id] = struct{}{}
		added++
	}

	if added > 0 || removed > 0 {
		r.logger.Info("Task catalog synced", "added", added, "removed", removed, "total", len(r.known))
	}
	return added, removed, nil
}

func (r *reconciler) add(id types.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.target.AddTask(id); err != nil {
		return fmt.Errorf("add task %q: %w", id, err)
	}
	r.known[id] = struct{}{}
	return nil
}

func (r *reconciler) remove(id types.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.known[id]; !ok {
		return
	}
	r.target.RemoveTask(id)
	delete(r.known, id)
}
