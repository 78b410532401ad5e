// ============================================================================
// Taskshard Membership - 節點集合來源
// ============================================================================
//
// Package: internal/membership
// 文件: membership.go
// 功能: 將叢集成員資訊（靜態設定或 etcd 註冊）轉成所有權引擎的節點變更
//
// 來源:
//   - Static: 設定檔中的固定節點列表，啟動時一次 SetNodes
//   - Etcd:   以 lease 將本節點註冊在 <prefix>/nodes/<id>，並監看整個前綴
//             初次列出 → SetNodes；PUT → AddNode；DELETE → RemoveNode
//
// 兩種來源都會設定本節點 ID（SetSelfIdentity）。
//
// ============================================================================

package membership

import (
	"context"
	"log/slog"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// 成員變更類型
const (
	OpJoin    = "join"
	OpLeave   = "leave"
	OpReplace = "replace"
)

// Target 成員來源驅動的引擎介面（*ownership.Engine 實作此介面）
type Target interface {
	SetNodes(spec types.NodeSpec) error
	AddNode(spec types.NodeSpec) error
	RemoveNode(spec types.NodeSpec) error
	SetSelfIdentity(id types.NodeID) error
}

// Recorder 記錄成員變更（*metrics.Collector 實作此介面）
type Recorder interface {
	RecordMembershipChange(op string)
}

// Source 成員來源；Run 阻塞直到 ctx 取消
type Source interface {
	Run(ctx context.Context, target Target) error
}

type nopRecorder struct{}

func (nopRecorder) RecordMembershipChange(string) {}

type options struct {
	logger   *slog.Logger
	recorder Recorder
}

// Option 成員來源設定選項
type Option func(*options)

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRecorder 設定成員變更記錄器
func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.Default(), recorder: nopRecorder{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
