package ownership

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ChuLiYu/taskshard/internal/hashring"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

// 預設延遲設定
const (
	DefaultSettleDelay = 3 * time.Second
	DefaultMaxDelay    = 60 * time.Second
)

type config struct {
	settleDelay  time.Duration
	maxDelay     time.Duration
	initialNodes types.NodeSpec
	selfNode     types.NodeID
	replicas     int
	clock        clockwork.Clock
	logger       *slog.Logger
	metrics      Metrics
}

func defaultConfig() config {
	return config{
		settleDelay: DefaultSettleDelay,
		maxDelay:    DefaultMaxDelay,
		replicas:    hashring.DefaultReplicas,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		metrics:     nopMetrics{},
	}
}

// Option 引擎設定選項
type Option func(*config)

// WithSettleDelay 設定最後一次變更後到重新平衡的等待時間
func WithSettleDelay(d time.Duration) Option {
	return func(c *config) { c.settleDelay = d }
}

// WithMaxDelay 設定一連串變更中第一次變更到重新平衡的最長等待時間
func WithMaxDelay(d time.Duration) Option {
	return func(c *config) { c.maxDelay = d }
}

// WithInitialNodes 設定初始節點
func WithInitialNodes(spec types.NodeSpec) Option {
	return func(c *config) { c.initialNodes = spec }
}

// WithSelfNode 設定本節點 ID
func WithSelfNode(id types.NodeID) Option {
	return func(c *config) { c.selfNode = id }
}

// WithReplicas 設定每單位權重的虛擬節點數
func WithReplicas(n int) Option {
	return func(c *config) { c.replicas = n }
}

// WithClock 注入時鐘（測試用 FakeClock）
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithLogger 設定 logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithMetrics 設定指標收集器
func WithMetrics(m Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Metrics 引擎回報的指標
type Metrics interface {
	RecordEvent(kind types.EventKind)
	ObserveRebalance(duration time.Duration, changed int)
	SetOwnership(tasks, owned, nodes int)
}

type nopMetrics struct{}

func (nopMetrics) RecordEvent(types.EventKind) {}
func (nopMetrics) ObserveRebalance(time.Duration, int) {}
func (nopMetrics) SetOwnership(int, int, int) {}
