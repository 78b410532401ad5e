package membership

import (
	"context"
	"fmt"
	"slices"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// Static 固定節點列表
type Static struct {
	self  types.NodeID
	nodes []types.NodeWeight
	options
}

// NewStatic 建立靜態成員來源
func NewStatic(self types.NodeID, nodes []types.NodeWeight, opts ...Option) *Static {
	return &Static{
		self:    self,
		nodes:   slices.Clone(nodes),
		options: newOptions(opts),
	}
}

// Run 套用節點列表與本節點 ID，然後等待 ctx 取消
func (s *Static) Run(ctx context.Context, target Target) error {
	if err := target.SetNodes(types.FromEntries(s.nodes...)); err != nil {
		return fmt.Errorf("static membership: %w", err)
	}
	s.recorder.RecordMembershipChange(OpReplace)

	if !slices.ContainsFunc(s.nodes, func(n types.NodeWeight) bool { return n.ID == s.self }) {
		s.logger.Warn("Self node is not in the static node list, it will own no tasks", "node", s.self)
	}
	if err := target.SetSelfIdentity(s.self); err != nil {
		return fmt.Errorf("static membership: %w", err)
	}
	s.logger.Info("Static membership applied", "nodes", len(s.nodes), "self", s.self)

	<-ctx.Done()
	return nil
}
