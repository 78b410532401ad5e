// Package types 定義了 taskshard 系統中使用的核心領域模型
package types

import (
	"sort"
)

// NodeID 叢集成員唯一識別碼
type NodeID string

// TaskID 任務唯一識別碼（對引擎而言是不透明的字串）
type TaskID string

// ============================================================================
// 節點描述（三種輸入形式）
// ============================================================================

// NodeWeight 單一節點與其權重
type NodeWeight struct {
	ID     NodeID `json:"id" yaml:"id"`
	Weight int    `json:"weight" yaml:"weight"`
}

// NodeSpec 描述一組帶權重的節點，對應雜湊環接受的三種輸入形式：
//   - 單一節點：Node("n1")
//   - 有序節點列表（權重皆為 1）：Nodes("n1", "n2")
//   - 節點到權重的映射：Weighted(map[NodeID]int{"n1": 2})
//
// NodeSpec 本身不做驗證，驗證由雜湊環在套用前完成。
type NodeSpec struct {
	entries []NodeWeight
}

// Node 建立只含單一節點的 NodeSpec
func Node(id NodeID) NodeSpec {
	return NodeSpec{entries: []NodeWeight{{ID: id, Weight: 1}}}
}

// Nodes 建立有序節點列表，每個節點權重為 1
func Nodes(ids ...NodeID) NodeSpec {
	entries := make([]NodeWeight, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, NodeWeight{ID: id, Weight: 1})
	}
	return NodeSpec{entries: entries}
}

// Weighted 由節點到權重的映射建立 NodeSpec（依節點 ID 排序，確保結果可重現）
func Weighted(weights map[NodeID]int) NodeSpec {
	entries := make([]NodeWeight, 0, len(weights))
	for id, w := range weights {
		entries = append(entries, NodeWeight{ID: id, Weight: w})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return NodeSpec{entries: entries}
}

// FromEntries 由已帶權重的節點列表建立 NodeSpec（設定檔、etcd 註冊資料）
func FromEntries(entries ...NodeWeight) NodeSpec {
	return NodeSpec{entries: append([]NodeWeight(nil), entries...)}
}

// Entries 返回節點列表的副本
func (s NodeSpec) Entries() []NodeWeight {
	return append([]NodeWeight(nil), s.entries...)
}

// IDs 返回所有節點 ID（保留輸入順序）
func (s NodeSpec) IDs() []NodeID {
	out := make([]NodeID, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.ID)
	}
	return out
}

// Len 返回節點數量
func (s NodeSpec) Len() int {
	return len(s.entries)
}

// ============================================================================
// 所有權事件
// ============================================================================

// EventKind 事件種類
type EventKind string

// 定義事件種類常數
const (
	EventAssigned    EventKind = "assigned"     // 本節點成為（或被確認為）任務擁有者
	EventRevoked     EventKind = "revoked"      // 本節點不再是任務擁有者
	EventRingSettled EventKind = "ring_settled" // 一次差異比對完成（僅作為檢查點）
)

// Event 所有權通知
type Event struct {
	Kind   EventKind `json:"kind"`
	TaskID TaskID    `json:"task_id,omitempty"` // EventRingSettled 時為空
}

// ============================================================================
// 快照
// ============================================================================

// Ownership 單一任務的所有權紀錄
type Ownership struct {
	TaskID TaskID `json:"task_id"`
	Owner  NodeID `json:"owner,omitempty"` // 空字串代表尚無法解析擁有者
}

// SnapshotData 所有權表快照，用於狀態查詢與除錯
type SnapshotData struct {
	SchemaVer int          `json:"schema_ver"` // 資料結構版本號
	Self      NodeID       `json:"self,omitempty"`
	Nodes     []NodeWeight `json:"nodes"`
	Tasks     []Ownership  `json:"tasks"`   // 依所有權表順序
	TakenAt   int64        `json:"taken_at"` // Unix 毫秒
}

// OwnedBy 返回擁有者為 node 的任務
func (d SnapshotData) OwnedBy(node NodeID) []TaskID {
	var out []TaskID
	for _, t := range d.Tasks {
		if t.Owner != "" && t.Owner == node {
			out = append(out, t.TaskID)
		}
	}
	return out
}
