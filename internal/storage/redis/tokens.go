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

// TokenIndex 使用哈希保存令牌索引: field = token, value = TokenRecord JSON
type TokenIndex struct {
	client *Client
	key    string
}

var _ storage.TokenIndex = (*TokenIndex)(nil)

// NewTokenIndex 创建 Redis 令牌索引
func NewTokenIndex(client *Client) *TokenIndex {
	return &TokenIndex{client: client, key: client.Key("tokens")}
}

// PutToken 写入令牌
func (t *TokenIndex) PutToken(ctx context.Context, record domain.TokenRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	if err := t.client.rdb.HSet(ctx, t.key, record.Token, data).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetToken 查询令牌
func (t *TokenIndex) GetToken(ctx context.Context, token string) (*domain.TokenRecord, error) {
	data, err := t.client.rdb.HGet(ctx, t.key, token).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return decodeTokenRecord(data)
}

// DeleteToken 删除令牌
func (t *TokenIndex) DeleteToken(ctx context.Context, token string) error {
	if err := t.client.rdb.HDel(ctx, t.key, token).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

func decodeTokenRecord(data []byte) (*domain.TokenRecord, error) {
	var record domain.TokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: token record: %v", domain.ErrStorageCorruption, err)
	}
	return &record, nil
}
