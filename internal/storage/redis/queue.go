package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/storage"
)

// QueueStore 将整个回复队列保存为单个 JSON 值，SET 本身即原子覆盖
type QueueStore struct {
	client *Client
	key    string
}

var _ storage.QueueStore = (*QueueStore)(nil)

// NewQueueStore 创建 Redis 队列存储
func NewQueueStore(client *Client) *QueueStore {
	return &QueueStore{client: client, key: client.Key("response_queue")}
}

// LoadQueue 读取队列，键不存在时返回空队列
func (q *QueueStore) LoadQueue(ctx context.Context) ([]domain.QueueEntry, error) {
	data, err := q.client.rdb.Get(ctx, q.key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return []domain.QueueEntry{}, nil
		}
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	return decodeQueue(data)
}

// SaveQueue 覆盖队列
func (q *QueueStore) SaveQueue(ctx context.Context, queue []domain.QueueEntry) error {
	data, err := encodeQueue(queue)
	if err != nil {
		return err
	}
	if err := q.client.rdb.Set(ctx, q.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

func encodeQueue(queue []domain.QueueEntry) ([]byte, error) {
	if queue == nil {
		queue = []domain.QueueEntry{}
	}
	data, err := json.Marshal(queue)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal queue: %w", err)
	}
	return data, nil
}

func decodeQueue(data []byte) ([]domain.QueueEntry, error) {
	var queue []domain.QueueEntry
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("%w: queue value: %v", domain.ErrStorageCorruption, err)
	}
	if queue == nil {
		queue = []domain.QueueEntry{}
	}
	if !domain.IsSorted(queue) {
		domain.SortQueue(queue)
	}
	return queue, nil
}
