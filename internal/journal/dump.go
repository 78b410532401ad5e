package journal

// ============================================================================
// 除錯與診斷工具
// ============================================================================

import (
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// Stats 日誌統計資訊
type Stats struct {
	Total    int                     // 有效紀錄數
	ByKind   map[types.EventKind]int // 各類型事件計數
	FirstSeq uint64
	LastSeq  uint64
}

// Dump 以人類可讀格式輸出日誌內容
//
// 格式：
//
//	[Seq:1] assigned t1 node=n1 at 2024-01-01T00:00:00Z (checksum:0x12345678)
//
// tail > 0 時只輸出最後 tail 筆。遇到損壞紀錄時輸出之前的內容、標記損壞並回傳錯誤。
func Dump(path string, w io.Writer, tail int) (Stats, error) {
	records, readErr := ReadAll(path)
	stats := summarize(records)

	if tail > 0 && len(records) > tail {
		records = records[len(records)-tail:]
	}
	for _, rec := range records {
		task := string(rec.TaskID)
		if task == "" {
			task = "-"
		}
		ts := time.UnixMilli(rec.Timestamp).UTC().Format(time.RFC3339)
		if _, err := fmt.Fprintf(w, "[Seq:%d] %s %s node=%s at %s (checksum:0x%08x)\n",
			rec.Seq, rec.Kind, task, rec.Node, ts, rec.Checksum); err != nil {
			return stats, err
		}
	}

	if readErr != nil {
		fmt.Fprintf(w, "!! %v\n", readErr)
		return stats, readErr
	}
	return stats, nil
}

func summarize(records []Record) Stats {
	stats := Stats{ByKind: make(map[types.EventKind]int)}
	for _, rec := range records {
		if stats.Total == 0 {
			stats.FirstSeq = rec.Seq
		}
		stats.Total++
		stats.ByKind[rec.Kind]++
		stats.LastSeq = rec.Seq
	}
	return stats
}
