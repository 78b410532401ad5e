package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/taskshard/internal/etcdsync"
	"github.com/ChuLiYu/taskshard/internal/hashring"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

var errSessionExpired = errors.New("etcd session expired")

// Etcd 以 etcd lease 註冊本節點並監看所有節點
//
// 註冊鍵: <prefix>/nodes/<id>，值為 JSON 編碼的 types.NodeWeight。
// lease 過期（節點崩潰或網路中斷超過 TTL）時鍵自動刪除，其他節點收到 DELETE。
type Etcd struct {
	client *etcd.Client
	prefix string
	self   types.NodeWeight
	ttl    int
	options
}

// NewEtcd 建立 etcd 成員來源
func NewEtcd(client *etcd.Client, prefix string, self types.NodeWeight, ttlSeconds int, opts ...Option) *Etcd {
	return &Etcd{
		client:  client,
		prefix:  etcdsync.Key(prefix, "nodes"),
		self:    self,
		ttl:     ttlSeconds,
		options: newOptions(opts),
	}
}

// Run 註冊本節點並監看節點前綴，直到 ctx 取消
// 本節點第一次註冊成功後才設定本節點 ID 並開始監看
func (m *Etcd) Run(ctx context.Context, target Target) error {
	g, ctx := errgroup.WithContext(ctx)
	registered := make(chan struct{})

	g.Go(func() error {
		return m.register(ctx, registered)
	})

	g.Go(func() error {
		select {
		case <-registered:
		case <-ctx.Done():
			return nil
		}
		if err := target.SetSelfIdentity(m.self.ID); err != nil {
			return fmt.Errorf("etcd membership: %w", err)
		}
		h := &nodeHandler{prefix: m.prefix, target: target, options: m.options}
		return etcdsync.ListAndWatch(ctx, m.client, m.prefix, h, m.logger)
	})

	return g.Wait()
}

// register 保持本節點註冊，session 過期後以 backoff 重新建立
func (m *Etcd) register(ctx context.Context, registered chan<- struct{}) error {
	value, err := json.Marshal(m.self)
	if err != nil {
		return fmt.Errorf("encode node: %w", err)
	}

	b := etcdsync.NewBackOff()
	first := true
	onRegistered := func() {
		b.Reset()
		if first {
			first = false
			close(registered)
		}
	}

	for {
		err := m.registerOnce(ctx, value, onRegistered)
		if ctx.Err() != nil {
			return nil
		}

		delay := b.NextBackOff()
		m.logger.Warn("Node registration lost, registering again", "node", m.self.ID, "retryIn", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (m *Etcd) registerOnce(ctx context.Context, value []byte, onRegistered func()) error {
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(m.ttl))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	// Close revokes the lease, so a clean shutdown removes the key right away.
	defer func() {
		if err := session.Close(); err != nil {
			m.logger.Warn("Cannot close etcd session", "error", err)
		}
	}()

	key := etcdsync.Key(m.prefix, string(m.self.ID))
	if _, err := m.client.Put(ctx, key, string(value), etcd.WithLease(session.Lease())); err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}
	m.logger.Info("Node registered", "key", key, "weight", m.self.Weight, "ttl", m.ttl)
	onRegistered()

	select {
	case <-ctx.Done():
		return nil
	case <-session.Done():
		return errSessionExpired
	}
}

// ============================================================================
// etcd 事件 → 引擎節點變更
// ============================================================================

type nodeHandler struct {
	prefix string
	target Target
	options
}

// Reset 以前綴下所有節點整個替換節點集合，無法解析的鍵會被略過
func (h *nodeHandler) Reset(kvs []*mvccpb.KeyValue) error {
	entries := make([]types.NodeWeight, 0, len(kvs))
	for _, kv := range kvs {
		node, err := decodeNode(h.prefix, kv.Key, kv.Value)
		if err != nil {
			h.logger.Warn("Ignoring node registration", "key", string(kv.Key), "error", err)
			continue
		}
		entries = append(entries, node)
	}

	if err := h.target.SetNodes(types.FromEntries(entries...)); err != nil {
		return err
	}
	h.recorder.RecordMembershipChange(OpReplace)
	h.logger.Info("Node list loaded", "nodes", len(entries))
	return nil
}

// Apply PUT → AddNode（新增或更新權重），DELETE → RemoveNode
func (h *nodeHandler) Apply(ev *etcd.Event) error {
	switch ev.Type {
	case mvccpb.PUT:
		node, err := decodeNode(h.prefix, ev.Kv.Key, ev.Kv.Value)
		if err != nil {
			return err
		}
		if err := h.target.AddNode(types.FromEntries(node)); err != nil {
			return err
		}
		h.recorder.RecordMembershipChange(OpJoin)
		h.logger.Info("Node joined", "node", node.ID, "weight", node.Weight)

	case mvccpb.DELETE:
		name, ok := etcdsync.Name(h.prefix, ev.Kv.Key)
		if !ok {
			return fmt.Errorf("unexpected key %q", ev.Kv.Key)
		}
		if err := h.target.RemoveNode(types.Node(types.NodeID(name))); err != nil {
			return err
		}
		h.recorder.RecordMembershipChange(OpLeave)
		h.logger.Info("Node left", "node", name)
	}
	return nil
}

// decodeNode 解析註冊資料；空值代表權重 1，值中的 ID 必須與鍵一致
func decodeNode(prefix string, key, value []byte) (types.NodeWeight, error) {
	name, ok := etcdsync.Name(prefix, key)
	if !ok {
		return types.NodeWeight{}, fmt.Errorf("unexpected key %q", key)
	}

	node := types.NodeWeight{ID: types.NodeID(name), Weight: 1}
	if len(value) == 0 {
		return node, nil
	}
	if err := json.Unmarshal(value, &node); err != nil {
		return types.NodeWeight{}, fmt.Errorf("decode %q: %w", key, err)
	}
	if node.ID != types.NodeID(name) {
		return types.NodeWeight{}, fmt.Errorf("key %q carries node %q", key, node.ID)
	}
	if node.Weight <= 0 || node.Weight > hashring.MaxWeight {
		return types.NodeWeight{}, fmt.Errorf("key %q has weight %d", key, node.Weight)
	}
	return node, nil
}
