package journal

// ============================================================================
// 所有權日誌核心實作
// 職責：
// 1. 將本節點觀察到的所有權事件追加到日誌檔（append-only，每行一筆 JSON）
// 2. 每筆紀錄帶序號與 CRC32 校驗和
// 3. 開啟時接續既有序號，並截掉崩潰時寫到一半的最後一行
// 4. 快照後壓縮：丟棄快照時間點之前的紀錄（序號不重置）
// 5. 提供重放與人類可讀的輸出（taskshard history）
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

var log = slog.Default()

// Journal 所有權日誌實例
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64 // 最後寫入的序號
	syncOnAppend bool   // 是否每次追加都 fsync
	clock        clockwork.Clock
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟日誌

行為：
- 檔案不存在時建立新檔案，seq 從 0 開始
- 檔案已存在時掃描到最後一筆有效紀錄並接續其 seq
- 最後一行損壞（崩潰時寫到一半）會被截掉；中間的損壞回傳錯誤

參數：

	path         - 日誌檔案路徑
	syncOnAppend - 每次追加後是否 fsync
	clock        - 時間戳來源（nil 時使用系統時鐘）
*/
func Open(path string, syncOnAppend bool, clock clockwork.Clock) (*Journal, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	res, err := scan(file, nil)
	if err != nil {
		if !res.tornTail {
			file.Close()
			return nil, err
		}
		log.Warn("Truncating torn journal tail", "path", path, "offset", res.good, "error", err)
		if err := file.Truncate(res.good); err != nil {
			file.Close()
			return nil, fmt.Errorf("journal: truncate torn tail: %w", err)
		}
	}

	if _, err := file.Seek(res.good, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("journal: seek: %w", err)
	}
	if res.missingNewline {
		if _, err := file.Write([]byte{'\n'}); err != nil {
			file.Close()
			return nil, fmt.Errorf("journal: terminate last record: %w", err)
		}
	}

	return &Journal{
		file:         file,
		encoder:      json.NewEncoder(file),
		path:         path,
		seq:          res.lastSeq,
		syncOnAppend: syncOnAppend,
		clock:        clock,
	}, nil
}

// Append 追加一筆事件
//
// 回傳：
//
//	寫入的紀錄（含 seq 與 checksum），錯誤（如果寫入失敗）
func (j *Journal) Append(event types.Event, node types.NodeID) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Record{}, ErrClosed
	}

	rec := Record{
		Seq:       j.seq + 1,
		Kind:      event.Kind,
		TaskID:    event.TaskID,
		Node:      node,
		Timestamp: j.clock.Now().UnixMilli(),
	}
	rec.Checksum = checksum(rec)

	if err := j.encoder.Encode(rec); err != nil {
		return Record{}, fmt.Errorf("journal: append seq=%d: %w", rec.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return Record{}, fmt.Errorf("journal: sync seq=%d: %w", rec.Seq, err)
		}
	}

	j.seq = rec.Seq
	return rec, nil
}

// Replay 依序重放所有紀錄，遇到損壞或 handler 錯誤立即停止
func (j *Journal) Replay(fn Handler) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	return replayFile(j.path, fn)
}

/*
Compact 丟棄 Timestamp 早於 before 的紀錄

行為：
- 最後一筆紀錄一定保留，重新開啟後序號仍接續
- 沒有可丟棄的紀錄時不改寫檔案
- 以暫存檔 + rename 原子替換，失敗時原檔案不變

回傳：

	丟棄的紀錄數，錯誤（如果改寫失敗）
*/
func (j *Journal) Compact(before int64) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	var kept []Record
	total := 0
	err := replayFile(j.path, func(rec Record) error {
		total++
		if rec.Timestamp >= before || rec.Seq == j.seq {
			kept = append(kept, rec)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	dropped := total - len(kept)
	if dropped == 0 {
		return 0, nil
	}

	tmpPath := j.path + ".tmp"
	if err := writeRecords(tmpPath, kept); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: replace %s: %w", j.path, err)
	}

	file, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// 舊的檔案描述子指向已被取代的檔案，無法繼續寫入
		j.closed = true
		j.file.Close()
		return dropped, fmt.Errorf("journal: reopen after compaction: %w", err)
	}
	j.file.Close()
	j.file = file
	j.encoder = json.NewEncoder(file)

	log.Debug("Journal compacted", "path", j.path, "dropped", dropped, "kept", len(kept))
	return dropped, nil
}

// LastSeq 取得最後寫入的序號
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string {
	return j.path
}

// Close 關閉日誌，之後的操作回傳 ErrClosed
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return fmt.Errorf("journal: sync on close: %w", err)
	}
	return j.file.Close()
}

// ============================================================================
// 離線讀取
// ============================================================================

// ReadAll 讀取日誌檔中所有有效紀錄（不需要 Open，不會修改檔案）
// 遇到損壞時回傳損壞前的紀錄與錯誤
func ReadAll(path string) ([]Record, error) {
	var out []Record
	err := replayFile(path, func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	return out, err
}

func replayFile(path string, fn Handler) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer file.Close()

	_, err = scan(file, fn)
	return err
}

// ============================================================================
// 內部輔助方法
// ============================================================================

// writeRecords 將紀錄寫入新檔案並 fsync
func writeRecords(path string, records []Record) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("journal: create %s: %w", path, err)
	}

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			file.Close()
			return fmt.Errorf("journal: write seq=%d: %w", rec.Seq, err)
		}
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("journal: flush %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("journal: sync %s: %w", path, err)
	}
	return file.Close()
}

type scanResult struct {
	lastSeq        uint64
	count          int
	good           int64 // 最後一筆有效紀錄結尾的位移
	tornTail       bool  // 錯誤發生在最後一行
	missingNewline bool  // 最後一筆有效紀錄沒有換行
}

// scan 逐行解析並驗證紀錄；fn 為 nil 時只計算位置
func scan(r io.Reader, fn Handler) (scanResult, error) {
	br := bufio.NewReader(r)
	var res scanResult
	var offset int64

	for {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return res, fmt.Errorf("journal: read: %w", readErr)
		}
		if len(line) == 0 {
			return res, nil
		}

		start := offset
		offset += int64(len(line))

		if len(bytes.TrimSpace(line)) == 0 {
			res.good = offset
		} else {
			rec, err := parse(line, res.lastSeq+1, res.count == 0, start)
			if err != nil {
				if _, peekErr := br.Peek(1); peekErr != nil {
					res.tornTail = true
				}
				return res, err
			}
			if fn != nil {
				if err := fn(rec); err != nil {
					return res, err
				}
			}
			res.lastSeq = rec.Seq
			res.count++
			res.good = offset
			res.missingNewline = line[len(line)-1] != '\n'
		}

		if readErr != nil {
			return res, nil
		}
	}
}

// parse 解碼並驗證一行；first 為 true 時接受任何正序號（壓縮後的檔案不從 1 開始）
func parse(line []byte, wantSeq uint64, first bool, offset int64) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, &CorruptionError{Seq: wantSeq, Offset: offset, Cause: err}
	}
	if err := verify(rec); err != nil {
		return Record{}, err
	}
	if first && rec.Seq > 0 {
		return rec, nil
	}
	if rec.Seq != wantSeq {
		return Record{}, &CorruptionError{
			Seq:    wantSeq,
			Offset: offset,
			Cause:  fmt.Errorf("sequence gap: got seq=%d", rec.Seq),
		}
	}
	return rec, nil
}
