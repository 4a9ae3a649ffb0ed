package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileHistoryRepository 以 JSON 行文件追加写入历史，方便本地开发。
type FileHistoryRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []TransferRecord
}

// NewFileHistoryRepository 在 path 创建或恢复历史文件。
func NewFileHistoryRepository(path string) (*FileHistoryRepository, error) {
	if path == "" {
		path = filepath.Join(".", "history.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileHistoryRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录执行结果。
func (f *FileHistoryRepository) Save(_ context.Context, records ...TransferRecord) error {
	if len(records) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开历史日志失败: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, record := range records {
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("序列化历史记录失败: %w", err)
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			return fmt.Errorf("写入历史日志失败: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("写入历史日志失败: %w", err)
	}

	for _, record := range records {
		f.records = append([]TransferRecord{record}, f.records...)
	}
	if len(f.records) > maxHistoryLimit {
		f.records = f.records[:maxHistoryLimit]
	}
	return nil
}

// List 返回最近的记录，按写入时间倒序。
func (f *FileHistoryRepository) List(_ context.Context, query HistoryQuery) ([]TransferRecord, error) {
	query.applyDefaults()
	f.mu.RLock()
	defer f.mu.RUnlock()

	results := make([]TransferRecord, 0, query.Limit)
	for _, record := range f.records {
		if !query.matches(record) {
			continue
		}
		results = append(results, record)
		if len(results) == query.Limit {
			break
		}
	}
	return results, nil
}

// Close 实现 HistoryRepository 接口。
func (f *FileHistoryRepository) Close() error { return nil }

func (f *FileHistoryRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取历史日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []TransferRecord
	for scanner.Scan() {
		var record TransferRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]TransferRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析历史日志失败: %w", err)
	}

	if len(restored) > maxHistoryLimit {
		restored = restored[:maxHistoryLimit]
	}
	f.records = restored
	return nil
}

var _ HistoryRepository = (*FileHistoryRepository)(nil)
