package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/ChuLiYu/taskshard/internal/etcdsync"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

// Etcd 監看 <prefix>/tasks/，每個鍵的最後一段即為任務 ID（值不使用）
type Etcd struct {
	client *etcd.Client
	prefix string
	logger *slog.Logger
}

// NewEtcd 建立 etcd 任務來源
func NewEtcd(client *etcd.Client, prefix string, logger *slog.Logger) *Etcd {
	if logger == nil {
		logger = slog.Default()
	}
	return &Etcd{client: client, prefix: etcdsync.Key(prefix, "tasks"), logger: logger}
}

// Run 監看任務前綴直到 ctx 取消
func (e *Etcd) Run(ctx context.Context, target Target) error {
	h := &taskHandler{prefix: e.prefix, r: newReconciler(target, e.logger)}
	return etcdsync.ListAndWatch(ctx, e.client, e.prefix, h, e.logger)
}

type taskHandler struct {
	prefix string
	r      *reconciler
}

func (h *taskHandler) Reset(kvs []*mvccpb.KeyValue) error {
	ids := make([]types.TaskID, 0, len(kvs))
	for _, kv := range kvs {
		name, ok := etcdsync.Name(h.prefix, kv.Key)
		if !ok {
			continue
		}
		ids = append(ids, types.TaskID(name))
	}
	_, _, err := h.r.sync(ids)
	return err
}

func (h *taskHandler) Apply(ev *etcd.Event) error {
	name, ok := etcdsync.Name(h.prefix, ev.Kv.Key)
	if !ok {
		return fmt.Errorf("unexpected key %q", ev.Kv.Key)
	}

	switch ev.Type {
	case mvccpb.PUT:
		return h.r.add(types.TaskID(name))
	case mvccpb.DELETE:
		h.r.remove(types.TaskID(name))
	}
	return nil
}
