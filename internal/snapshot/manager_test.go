package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

func sampleSnapshot() types.SnapshotData {
	return types.SnapshotData{
		Self: "n1",
		Nodes: []types.NodeWeight{
			{ID: "n1", Weight: 1},
			{ID: "n2", Weight: 3},
		},
		Tasks: []types.Ownership{
			{TaskID: "t3", Owner: "n2"},
			{TaskID: "t1", Owner: "n1"},
			{TaskID: "t2"},
		},
		TakenAt: 1700000000000,
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.Path())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	manager := NewManager(path)

	original := sampleSnapshot()
	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)

	original.SchemaVer = SchemaVersion
	assert.Equal(t, original, loaded)

	// 任務順序保持不變
	assert.Equal(t, types.TaskID("t3"), loaded.Tasks[0].TaskID)
	assert.Equal(t, []types.TaskID{"t1"}, loaded.OwnedBy("n1"))
}

func TestWriteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "snapshot.json")
	manager := NewManager(path)

	require.NoError(t, manager.Write(sampleSnapshot()))
	assert.FileExists(t, path)
	assert.NoFileExists(t, path+".tmp")
}

func TestWriteOverwrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	require.NoError(t, manager.Write(sampleSnapshot()))
	require.NoError(t, manager.Write(types.SnapshotData{Self: "n9"}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("n9"), loaded.Self)
	assert.Empty(t, loaded.Tasks)
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	assert.False(t, manager.Exists())

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "tasks": [`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 2, "nodes": [], "tasks": []}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestWriteFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	manager := NewManager(path)
	require.NoError(t, manager.Write(sampleSnapshot()))

	// A directory at the temp path makes the next write fail.
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path+".tmp", "x"), nil, 0o644))
	assert.Error(t, manager.Write(types.SnapshotData{Self: "other"}))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, types.NodeID("n1"), loaded.Self)
}

// ============================================================================
// 並發測試
// ============================================================================

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "snapshot.json"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Write(sampleSnapshot()))
		}()
	}
	wg.Wait()

	_, err := manager.Load()
	require.NoError(t, err)
}
