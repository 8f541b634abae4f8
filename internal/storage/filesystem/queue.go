package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/storage"
)

// QueueFile 将回复队列保存为单个 JSON 数组文件
type QueueFile struct {
	path          string
	platformUtils *PlatformUtils
}

var _ storage.QueueStore = (*QueueFile)(nil)

// queueRecord 文件中的条目格式，response_time 为 RFC 3339 字符串
type queueRecord struct {
	EmailID      string `json:"email_id"`
	ResponseTime string `json:"response_time"`
}

// NewQueueFile 创建队列文件存储
func NewQueueFile(path string) (*QueueFile, error) {
	platformUtils := NewPlatformUtils()
	if err := platformUtils.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("invalid queue path: %w", err)
	}
	return &QueueFile{
		path:          platformUtils.NormalizePath(path),
		platformUtils: platformUtils,
	}, nil
}

// Path 返回队列文件路径
func (q *QueueFile) Path() string {
	return q.path
}

// LoadQueue 读取队列，文件不存在时返回空队列
func (q *QueueFile) LoadQueue(_ context.Context) ([]domain.QueueEntry, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []domain.QueueEntry{}, nil
		}
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}

	var records []queueRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: queue file: %v", domain.ErrStorageCorruption, err)
	}

	queue := make([]domain.QueueEntry, 0, len(records))
	for _, record := range records {
		responseTime, err := parseQueueTime(record.ResponseTime)
		if err != nil {
			return nil, fmt.Errorf("%w: queue entry %s: %v", domain.ErrStorageCorruption, record.EmailID, err)
		}
		queue = append(queue, domain.QueueEntry{EmailID: record.EmailID, ResponseTime: responseTime})
	}

	if !domain.IsSorted(queue) {
		domain.SortQueue(queue)
	}
	return queue, nil
}

// SaveQueue 原子覆盖队列文件
func (q *QueueFile) SaveQueue(_ context.Context, queue []domain.QueueEntry) error {
	records := make([]queueRecord, 0, len(queue))
	for _, entry := range queue {
		records = append(records, queueRecord{
			EmailID:      entry.EmailID,
			ResponseTime: entry.ResponseTime.Format(time.RFC3339Nano),
		})
	}

	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	return q.platformUtils.WriteFileAtomic(q.path, data, 0644)
}

// parseQueueTime 同时接受 RFC 3339 与不带时区的 ISO 8601 时间（按本地时区解释）
func parseQueueTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", value)
}
