package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	xerrors "guardian-bootstrap/internal/errors"
)

const maxCachedRuns = 512

// FileRunRepository 将运行记录追加写入本地 JSON Lines 文件，并缓存最近的记录。
type FileRunRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []RunRecord
}

// NewFileRunRepository 在 dataDir 下创建 runs.log。
func NewFileRunRepository(dataDir string) (*FileRunRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &FileRunRepository{dataFile: filepath.Join(dataDir, "runs.log")}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录运行结果。
func (m *FileRunRepository) Save(_ context.Context, record RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化运行记录失败: %w", err)
	}
	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开运行记录失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}

	m.records = append([]RunRecord{record}, m.records...)
	if len(m.records) > maxCachedRuns {
		m.records = m.records[:maxCachedRuns]
	}
	return nil
}

// ListLatest 返回最近的运行记录，按开始时间倒序。
func (m *FileRunRepository) ListLatest(_ context.Context, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	out := make([]RunRecord, limit)
	copy(out, m.records[:limit])
	return out, nil
}

// Close 实现 RunRepository。
func (m *FileRunRepository) Close() error { return nil }

func (m *FileRunRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取运行记录失败")
	}
	defer file.Close()

	var restored []RunRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var record RunRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析运行记录失败: %w", err)
	}

	sort.SliceStable(restored, func(i, j int) bool { return restored[i].StartedAt > restored[j].StartedAt })
	if len(restored) > maxCachedRuns {
		restored = restored[:maxCachedRuns]
	}
	m.records = restored
	return nil
}

var _ RunRepository = (*FileRunRepository)(nil)
