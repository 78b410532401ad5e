package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/taskshard/pkg/types"
)

// ErrEmptyTaskID 任務檔中出現空白的任務 ID
var ErrEmptyTaskID = errors.New("empty task id in catalog")

// fileFormat 任務檔格式
//
//	tasks:
//	  - report-daily
//	  - sync-users
type fileFormat struct {
	Tasks []string `yaml:"tasks"`
}

// LoadFile 讀取 YAML 任務檔，重複的 ID 只保留第一次出現
func LoadFile(path string) ([]types.TaskID, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", path, err)
	}

	seen := make(map[types.TaskID]struct{}, len(f.Tasks))
	out := make([]types.TaskID, 0, len(f.Tasks))
	for i, raw := range f.Tasks {
		id := types.TaskID(strings.TrimSpace(raw))
		if id == "" {
			return nil, fmt.Errorf("%w: entry %d in %s", ErrEmptyTaskID, i, path)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// File 由 YAML 檔案提供任務清單，interval > 0 時定期重新載入
type File struct {
	path     string
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewFile 建立檔案任務來源
func NewFile(path string, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *File {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &File{path: path, interval: interval, clock: clock, logger: logger}
}

// Run 載入任務檔並同步；第一次載入失敗會返回錯誤，之後的重新載入失敗只記錄
func (f *File) Run(ctx context.Context, target Target) error {
	r := newReconciler(target, f.logger)

	if err := f.reload(r); err != nil {
		return err
	}

	if f.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := f.reload(r); err != nil {
				f.logger.Warn("Task file reload failed, keeping previous tasks", "path", f.path, "error", err)
			}
		}
	}
}

func (f *File) reload(r *reconciler) error {
	ids, err := LoadFile(f.path)
	if err != nil {
		return err
	}
	if _, _, err := r.sync(ids); err != nil {
		return err
	}
	return nil
}
