package journal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// ============================================================================
// 測試輔助函式
// ============================================================================

func openTestJournal(t *testing.T, path string) (*Journal, *clockwork.FakeClock) {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	j, err := Open(path, true, clk)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, clk
}

func appendAll(t *testing.T, j *Journal, events ...types.Event) {
	t.Helper()
	for _, e := range events {
		_, err := j.Append(e, "n1")
		require.NoError(t, err)
	}
}

var sampleEvents = []types.Event{
	{Kind: types.EventAssigned, TaskID: "t1"},
	{Kind: types.EventAssigned, TaskID: "t2"},
	{Kind: types.EventRingSettled},
	{Kind: types.EventRevoked, TaskID: "t1"},
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, clk := openTestJournal(t, path)

	rec, err := j.Append(sampleEvents[0], "n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, clk.Now().UnixMilli(), rec.Timestamp)
	assert.Equal(t, checksum(rec), rec.Checksum)

	clk.Advance(time.Second)
	appendAll(t, j, sampleEvents[1:]...)
	assert.Equal(t, uint64(4), j.LastSeq())

	var got []Record
	require.NoError(t, j.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 4)
	for i, r := range got {
		assert.Equal(t, uint64(i+1), r.Seq)
		assert.Equal(t, sampleEvents[i].Kind, r.Kind)
		assert.Equal(t, sampleEvents[i].TaskID, r.TaskID)
		assert.Equal(t, types.NodeID("n1"), r.Node)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	j, err := Open(path, false, nil)
	require.NoError(t, err)
	appendAll(t, j, sampleEvents...)
	require.NoError(t, j.Close())

	j, err = Open(path, false, nil)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(4), j.LastSeq())

	rec, err := j.Append(types.Event{Kind: types.EventAssigned, TaskID: "t9"}, "n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Seq)

	records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestReplayHandlerErrorStops(t *testing.T) {
	j, _ := openTestJournal(t, filepath.Join(t.TempDir(), "journal.log"))
	appendAll(t, j, sampleEvents...)

	stop := errors.New("stop")
	seen := 0
	err := j.Replay(func(Record) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestClosed(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.log"), false, nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err = j.Append(sampleEvents[0], "n1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, j.Replay(func(Record) error { return nil }), ErrClosed)
}

// ============================================================================
// 損壞偵測測試
// ============================================================================

func writeJournal(t *testing.T, events ...types.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := Open(path, false, nil)
	require.NoError(t, err)
	appendAll(t, j, events...)
	require.NoError(t, j.Close())
	return path
}

func TestTamperedRecordFailsChecksum(t *testing.T) {
	path := writeJournal(t, sampleEvents...)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"task_id":"t2"`, `"task_id":"t3"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	records, err := ReadAll(path)
	assert.Len(t, records, 1)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var csErr *ChecksumError
	require.True(t, errors.As(err, &csErr))
	assert.Equal(t, uint64(2), csErr.Seq)
	assert.Contains(t, csErr.Error(), "seq=2")

	// Damage before the last record is not repaired on open.
	_, err = Open(path, false, nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestGarbageLineIsCorruption(t *testing.T) {
	path := writeJournal(t, sampleEvents[:2]...)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	broken := lines[0] + "{not json\n" + lines[1]
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o644))

	_, err = ReadAll(path)
	var corrupt *CorruptionError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, uint64(2), corrupt.Seq)
	assert.Equal(t, int64(len(lines[0])), corrupt.Offset)
	assert.ErrorIs(t, err, ErrCorruptedJournal)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	path := writeJournal(t, sampleEvents[:2]...)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"kind":"assig`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err := Open(path, false, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), j.LastSeq())

	rec, err := j.Append(sampleEvents[2], "n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), rec.Seq)
	require.NoError(t, j.Close())

	records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestOpenTerminatesUnfinishedLine(t *testing.T) {
	path := writeJournal(t, sampleEvents[:2]...)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.TrimRight(data, "\n"), 0o644))

	j, err := Open(path, false, nil)
	require.NoError(t, err)
	appendAll(t, j, sampleEvents[2])
	require.NoError(t, j.Close())

	records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestSequenceGap(t *testing.T) {
	path := writeJournal(t, sampleEvents[:3]...)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[2]), 0o644))

	_, err = ReadAll(path)
	assert.ErrorIs(t, err, ErrCorruptedJournal)
	assert.Contains(t, err.Error(), "sequence gap")
}

// ============================================================================
// 壓縮測試
// ============================================================================

func TestCompactDropsOldRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, clk := openTestJournal(t, path)

	appendAll(t, j, sampleEvents[:2]...)
	clk.Advance(time.Minute)
	cutoff := clk.Now().UnixMilli()
	appendAll(t, j, sampleEvents[2:]...)

	dropped, err := j.Compact(cutoff)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, uint64(4), j.LastSeq())

	// Appends after compaction land in the new file.
	appendAll(t, j, types.Event{Kind: types.EventAssigned, TaskID: "t3"})

	recs, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{recs[0].Seq, recs[1].Seq, recs[2].Seq})
	assert.Equal(t, types.TaskID("t3"), recs[2].TaskID)
	assert.NoFileExists(t, path+".tmp")

	// Reopening continues the sequence.
	require.NoError(t, j.Close())
	j2, _ := openTestJournal(t, path)
	assert.Equal(t, uint64(5), j2.LastSeq())
}

func TestCompactKeepsLastRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, clk := openTestJournal(t, path)
	appendAll(t, j, sampleEvents...)

	clk.Advance(time.Hour)
	dropped, err := j.Compact(clk.Now().UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, 3, dropped)

	require.NoError(t, j.Close())
	j2, _ := openTestJournal(t, path)
	assert.Equal(t, uint64(4), j2.LastSeq())

	rec, err := j2.Append(sampleEvents[0], "n1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rec.Seq)
}

func TestCompactNothingToDrop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	j, clk := openTestJournal(t, path)
	appendAll(t, j, sampleEvents...)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	dropped, err := j.Compact(clk.Now().UnixMilli())
	require.NoError(t, err)
	assert.Zero(t, dropped)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCompactClosed(t *testing.T) {
	j, _ := openTestJournal(t, filepath.Join(t.TempDir(), "journal.log"))
	require.NoError(t, j.Close())

	_, err := j.Compact(0)
	assert.ErrorIs(t, err, ErrClosed)
}

// ============================================================================
// Dump
// ============================================================================

func TestDump(t *testing.T) {
	path := writeJournal(t, sampleEvents...)

	var buf bytes.Buffer
	stats, err := Dump(path, &buf, 0)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, uint64(1), stats.FirstSeq)
	assert.Equal(t, uint64(4), stats.LastSeq)
	assert.Equal(t, 2, stats.ByKind[types.EventAssigned])
	assert.Equal(t, 1, stats.ByKind[types.EventRevoked])

	out := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, out, 4)
	assert.True(t, strings.HasPrefix(out[0], "[Seq:1] assigned t1 node=n1 at "))
	assert.True(t, strings.HasPrefix(out[2], "[Seq:3] ring_settled - node=n1"))
}

func TestDumpTail(t *testing.T) {
	path := writeJournal(t, sampleEvents...)

	var buf bytes.Buffer
	stats, err := Dump(path, &buf, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, "[Seq:4] revoked t1", strings.Join(strings.Fields(buf.String())[:3], " "))
}

func TestDumpMissingFile(t *testing.T) {
	var buf bytes.Buffer
	_, err := Dump(filepath.Join(t.TempDir(), "nope.log"), &buf, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
