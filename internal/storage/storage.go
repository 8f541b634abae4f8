package storage

import (
	"context"

	"scambait/backend/internal/domain"
)

// ConversationRepository 定义会话记录的存取操作。
//
// SaveConversation 按 Revision 做比较并交换：待写入记录的 Revision 必须比
// 已存储版本大 1（新记录为 1），否则返回 domain.ErrRevisionConflict。
type ConversationRepository interface {
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	SaveConversation(ctx context.Context, conv *domain.Conversation) error
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
}

// TokenIndex 定义令牌到会话的二级索引。
type TokenIndex interface {
	PutToken(ctx context.Context, record domain.TokenRecord) error
	GetToken(ctx context.Context, token string) (*domain.TokenRecord, error)
	DeleteToken(ctx context.Context, token string) error
}

// QueueStore 定义回复队列的整体读写。调用方负责加锁，实现只需保证单次写入原子。
type QueueStore interface {
	LoadQueue(ctx context.Context) ([]domain.QueueEntry, error)
	SaveQueue(ctx context.Context, queue []domain.QueueEntry) error
}

// Store 聚合会话与令牌索引存储
type Store interface {
	ConversationRepository
	TokenIndex
}

// Stats 存储占用统计
type Stats struct {
	Driver        string `json:"driver"`
	Conversations int    `json:"conversations"`
	Tokens        int    `json:"tokens"`
	TotalBytes    int64  `json:"totalBytes,omitempty"`
	BasePath      string `json:"basePath,omitempty"`
}

// StatsReporter 能报告自身占用情况的存储实现
type StatsReporter interface {
	StorageStats(ctx context.Context) (*Stats, error)
}

// CheckRevision 校验写入版本号，供各实现复用
func CheckRevision(stored *domain.Conversation, incoming *domain.Conversation) error {
	if stored == nil {
		if incoming.Revision != 1 {
			return domain.ErrRevisionConflict
		}
		return nil
	}
	if incoming.Revision != stored.Revision+1 {
		return domain.ErrRevisionConflict
	}
	return nil
}

type combined struct {
	ConversationRepository
	TokenIndex
}

// StorageStats 转发到会话存储，其不支持统计时返回 nil
func (c combined) StorageStats(ctx context.Context) (*Stats, error) {
	if r, ok := c.ConversationRepository.(StatsReporter); ok {
		return r.StorageStats(ctx)
	}
	return nil, nil
}

// Combine 将会话存储与独立的令牌索引（如 Redis）组合为 Store
func Combine(conversations ConversationRepository, tokens TokenIndex) Store {
	return combined{ConversationRepository: conversations, TokenIndex: tokens}
}
