package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskshard/internal/catalog"
	"github.com/ChuLiYu/taskshard/internal/journal"
	"github.com/ChuLiYu/taskshard/internal/membership"
	"github.com/ChuLiYu/taskshard/internal/ownership"
	"github.com/ChuLiYu/taskshard/internal/snapshot"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeMetrics struct {
	nopMetrics
	mu             sync.Mutex
	journalAppends int
	snapshots      int
	recoverySet    bool
}

func (m *fakeMetrics) RecordJournalAppend() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.journalAppends++
}

func (m *fakeMetrics) RecordSnapshot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots++
}

func (m *fakeMetrics) SetRecoveryTime(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverySet = true
}

func (m *fakeMetrics) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.journalAppends, m.snapshots
}

type testEnv struct {
	dir     string
	clock   *clockwork.FakeClock
	config  Config
	metrics *fakeMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return &testEnv{
		dir:   dir,
		clock: clockwork.NewFakeClock(),
		config: Config{
			Self:             types.NodeWeight{ID: "n1", Weight: 1},
			SettleDelay:      time.Second,
			MaxDelay:         10 * time.Second,
			SnapshotPath:     filepath.Join(dir, "snapshot.json"),
			SnapshotInterval: time.Minute,
			JournalPath:      filepath.Join(dir, "ownership.journal"),
		},
		metrics: &fakeMetrics{},
	}
}

// writeTasks writes a task catalog file with n tasks and returns its path
func (env *testEnv) writeTasks(t *testing.T, n int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("tasks:\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "  - task-%03d\n", i)
	}
	path := filepath.Join(env.dir, "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// newCluster builds a controller for n1 in a static n1/n2/n3 cluster with a file catalog
func (env *testEnv) newCluster(t *testing.T, tasks int, fn func(context.Context, types.TaskID) error) *Controller {
	t.Helper()
	nodes := []types.NodeWeight{{ID: "n1", Weight: 1}, {ID: "n2", Weight: 1}, {ID: "n3", Weight: 1}}
	opts := []Option{
		WithClock(env.clock),
		WithMetrics(env.metrics),
		WithMembership(membership.NewStatic("n1", nodes)),
		WithCatalog(catalog.NewFile(env.writeTasks(t, tasks), 0, env.clock, nil)),
	}
	if fn != nil {
		opts = append(opts, WithTaskFunc(fn))
	}
	c, err := NewController(env.config, opts...)
	require.NoError(t, err)
	return c
}

// waitForSources waits until the sources have fed the engine
func waitForSources(t *testing.T, c *Controller, tasks, nodes int) {
	t.Helper()
	e := c.Engine()
	require.Eventually(t, func() bool {
		_, ok := e.SelfIdentity()
		return ok && len(e.Tasks()) == tasks && len(e.Nodes()) == nodes
	}, 5*time.Second, 10*time.Millisecond)
}

func sorted(ids []types.TaskID) []types.TaskID {
	out := append([]types.TaskID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	env := newTestEnv(t)
	c, err := NewController(env.config, WithClock(env.clock))
	require.NoError(t, err)
	defer c.Stop()

	assert.NotNil(t, c.Engine())
	assert.NotNil(t, c.Runner())
	assert.NotNil(t, c.journal)
	assert.NotNil(t, c.snapshot)
	assert.IsType(t, &membership.Static{}, c.membership, "default membership is a static list")
}

func TestNewControllerErrors(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.Self.ID = "" }},
		{"max delay below settle delay", func(c *Config) { c.SettleDelay = 5 * time.Second; c.MaxDelay = time.Second }},
		{"journal path is a directory", func(c *Config) { c.JournalPath = env.dir }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := env.config
			tc.mutate(&config)
			_, err := NewController(config, WithClock(env.clock))
			assert.Error(t, err)
		})
	}
}

func TestNewControllerEmptyIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.config.Self.ID = ""
	_, err := NewController(env.config)
	assert.ErrorIs(t, err, ownership.ErrInvalidIdentity)
}

func TestStartTwice(t *testing.T) {
	env := newTestEnv(t)
	c, err := NewController(env.config, WithClock(env.clock))
	require.NoError(t, err)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestStopWithoutStart(t *testing.T) {
	env := newTestEnv(t)
	c, err := NewController(env.config, WithClock(env.clock))
	require.NoError(t, err)

	c.Stop()
	c.Stop()
	assert.NoFileExists(t, env.config.SnapshotPath, "nothing to persist when never started")
}

// ============================================================================
// Ownership Flow Tests
// ============================================================================

func TestControllerRunsOwnedTasks(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCluster(t, 30, nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	waitForSources(t, c, 30, 3)

	// Tasks added after identity and nodes are known are assigned at once.
	for _, id := range c.Runner().Running() {
		assert.True(t, c.Engine().IsOwnedBySelf(id), "running %s before the diff pass", id)
	}

	c.Engine().Rebalance()

	owned := sorted(c.Engine().OwnedTasks())
	require.NotEmpty(t, owned)
	assert.Less(t, len(owned), 30, "three nodes should share the tasks")
	assert.Equal(t, owned, c.Runner().Running())

	st := c.Status()
	assert.Equal(t, types.NodeID("n1"), st.Self)
	assert.Equal(t, 3, st.Nodes)
	assert.Equal(t, 30, st.Tasks)
	assert.Equal(t, len(owned), st.Owned)
	assert.Equal(t, len(owned), st.Running)
	assert.False(t, st.Pending)
}

func TestControllerFollowsRebalance(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCluster(t, 40, nil)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	waitForSources(t, c, 40, 3)
	c.Engine().Rebalance()
	before := sorted(c.Engine().OwnedTasks())

	// Handlers run in subscription order, so the runner has already
	// reacted by the time this one sees ring_settled.
	settled := make(chan struct{}, 1)
	unsubscribe := c.Engine().Subscribe(func(ev types.Event) {
		if ev.Kind == types.EventRingSettled {
			settled <- struct{}{}
		}
	})
	defer unsubscribe()

	// A fourth node takes some tasks away from n1.
	require.NoError(t, c.Engine().AddNode(types.Node("n4")))
	env.clock.Advance(time.Second)

	select {
	case <-settled:
	case <-time.After(5 * time.Second):
		t.Fatal("no diff pass after the node joined")
	}

	after := sorted(c.Engine().OwnedTasks())
	assert.LessOrEqual(t, len(after), len(before))
	for _, id := range after {
		assert.Contains(t, before, id, "a joining node never hands tasks to n1")
	}
	assert.Equal(t, after, c.Runner().Running())
}

func TestControllerJournalAndSnapshot(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCluster(t, 20, nil)

	require.NoError(t, c.Start(context.Background()))
	waitForSources(t, c, 20, 3)
	c.Engine().Rebalance()
	owned := sorted(c.Engine().OwnedTasks())

	// The first ring_settled always writes a snapshot.
	require.Eventually(t, func() bool {
		_, snapshots := env.metrics.counts()
		return snapshots >= 1
	}, 5*time.Second, 10*time.Millisecond)

	c.Stop()

	records, err := journal.ReadAll(env.config.JournalPath)
	require.NoError(t, err)

	var assigned []types.TaskID
	settled := 0
	for _, rec := range records {
		assert.Equal(t, types.NodeID("n1"), rec.Node)
		switch rec.Kind {
		case types.EventAssigned:
			assigned = append(assigned, rec.TaskID)
		case types.EventRingSettled:
			settled++
		}
	}
	assert.Equal(t, owned, sorted(assigned))
	assert.Equal(t, 1, settled)

	appends, _ := env.metrics.counts()
	assert.Equal(t, len(records), appends)

	data, err := snapshot.NewManager(env.config.SnapshotPath).Load()
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("n1"), data.Self)
	assert.Len(t, data.Tasks, 20)
	assert.Equal(t, owned, sorted(data.OwnedBy("n1")))
}

func TestControllerCompactsJournalOnSnapshot(t *testing.T) {
	env := newTestEnv(t)

	j, err := journal.Open(env.config.JournalPath, false, env.clock)
	require.NoError(t, err)
	_, err = j.Append(types.Event{Kind: types.EventAssigned, TaskID: "old-1"}, "n1")
	require.NoError(t, err)
	_, err = j.Append(types.Event{Kind: types.EventAssigned, TaskID: "old-2"}, "n1")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	env.clock.Advance(time.Hour)

	c := env.newCluster(t, 10, nil)
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []types.TaskID{"old-1", "old-2"}, c.PreviouslyOwned())

	waitForSources(t, c, 10, 3)
	c.Engine().Rebalance()
	require.Eventually(t, func() bool {
		_, snapshots := env.metrics.counts()
		return snapshots >= 1
	}, 5*time.Second, 10*time.Millisecond)
	c.Stop()

	records, err := journal.ReadAll(env.config.JournalPath)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, uint64(3), records[0].Seq, "sequence continues after compaction")
	for _, rec := range records {
		assert.NotEqual(t, types.TaskID("old-1"), rec.TaskID)
		assert.NotEqual(t, types.TaskID("old-2"), rec.TaskID)
	}
}

func TestControllerTaskFunc(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	started := make(map[types.TaskID]int)
	cancelled := make(map[types.TaskID]int)
	fn := func(ctx context.Context, id types.TaskID) error {
		mu.Lock()
		started[id]++
		mu.Unlock()
		<-ctx.Done()
		mu.Lock()
		cancelled[id]++
		mu.Unlock()
		return nil
	}

	c := env.newCluster(t, 10, fn)
	require.NoError(t, c.Start(context.Background()))
	waitForSources(t, c, 10, 3)
	c.Engine().Rebalance()
	owned := c.Engine().OwnedTasks()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(started) == len(owned)
	}, 5*time.Second, 10*time.Millisecond)

	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range owned {
		assert.Equal(t, 1, started[id], "task %s started once", id)
		assert.Equal(t, 1, cancelled[id], "task %s cancelled at shutdown", id)
	}
}

// ============================================================================
// Recovery Tests
// ============================================================================

func TestControllerRecovery(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, snapshot.NewManager(env.config.SnapshotPath).Write(types.SnapshotData{
		Self:  "n1",
		Nodes: []types.NodeWeight{{ID: "n1", Weight: 1}, {ID: "n2", Weight: 1}},
		Tasks: []types.Ownership{
			{TaskID: "t1", Owner: "n1"},
			{TaskID: "t2", Owner: "n1"},
			{TaskID: "t4", Owner: "n2"},
		},
		TakenAt: env.clock.Now().UnixMilli(),
	}))

	j, err := journal.Open(env.config.JournalPath, false, env.clock)
	require.NoError(t, err)
	_, err = j.Append(types.Event{Kind: types.EventAssigned, TaskID: "t3"}, "n1")
	require.NoError(t, err)
	_, err = j.Append(types.Event{Kind: types.EventRevoked, TaskID: "t1"}, "n1")
	require.NoError(t, err)
	_, err = j.Append(types.Event{Kind: types.EventAssigned, TaskID: "t9"}, "n2")
	require.NoError(t, err)
	require.NoError(t, j.Close())

	c, err := NewController(env.config, WithClock(env.clock), WithMetrics(env.metrics))
	require.NoError(t, err)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []types.TaskID{"t2", "t3"}, c.PreviouslyOwned())
	assert.Equal(t, 2, c.Status().PreviouslyOwned)
	assert.Equal(t, uint64(3), c.Status().JournalSeq)

	env.metrics.mu.Lock()
	assert.True(t, env.metrics.recoverySet)
	env.metrics.mu.Unlock()
}

func TestControllerRecoveryIgnoresOtherNodeSnapshot(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, snapshot.NewManager(env.config.SnapshotPath).Write(types.SnapshotData{
		Self:    "n7",
		Tasks:   []types.Ownership{{TaskID: "t1", Owner: "n7"}},
		TakenAt: env.clock.Now().UnixMilli(),
	}))

	c, err := NewController(env.config, WithClock(env.clock))
	require.NoError(t, err)
	defer c.Stop()

	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, c.PreviouslyOwned())
}

func TestControllerRecoveryCorruptedSnapshot(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.config.SnapshotPath, []byte("{not json"), 0o644))

	c, err := NewController(env.config, WithClock(env.clock))
	require.NoError(t, err)
	defer c.Stop()

	assert.NoError(t, c.Start(context.Background()), "an unreadable snapshot does not block startup")
	assert.Empty(t, c.PreviouslyOwned())
}

// ============================================================================
// Run Tests
// ============================================================================

func TestRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCluster(t, 5, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	waitForSources(t, c, 5, 3)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.FileExists(t, env.config.SnapshotPath, "final snapshot written on shutdown")
}

func TestRunFailsOnSourceError(t *testing.T) {
	env := newTestEnv(t)
	c, err := NewController(env.config,
		WithClock(env.clock),
		WithCatalog(catalog.NewFile(filepath.Join(env.dir, "missing.yaml"), 0, env.clock, nil)))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, os.ErrNotExist)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a source failed")
	}
}
