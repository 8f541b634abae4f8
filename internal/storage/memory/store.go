package memory

import (
	"context"
	"sort"
	"sync"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/storage"
)

// Store 使用内存保存会话、令牌索引与回复队列，主要用于开发验证和测试。
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation // conversationID -> conversation
	tokens        map[string]domain.TokenRecord   // token -> record
	queue         []domain.QueueEntry
}

var (
	_ storage.Store         = (*Store)(nil)
	_ storage.QueueStore    = (*Store)(nil)
	_ storage.StatsReporter = (*Store)(nil)
)

// StorageStats 返回内存中的记录数
func (s *Store) StorageStats(_ context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &storage.Stats{
		Driver:        "memory",
		Conversations: len(s.conversations),
		Tokens:        len(s.tokens),
	}, nil
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*domain.Conversation),
		tokens:        make(map[string]domain.TokenRecord),
		queue:         []domain.QueueEntry{},
	}
}

// GetConversation 返回会话副本
func (s *Store) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	return conv.Clone(), nil
}

// SaveConversation 比较版本号后保存副本
func (s *Store) SaveConversation(_ context.Context, conv *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := storage.CheckRevision(s.conversations[conv.ID], conv); err != nil {
		return err
	}
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

// ListConversations 按 ID 排序返回全部会话
func (s *Store) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		result = append(result, *conv.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// PutToken 写入令牌索引
func (s *Store) PutToken(_ context.Context, record domain.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[record.Token] = record
	return nil
}

// GetToken 查询令牌索引
func (s *Store) GetToken(_ context.Context, token string) (*domain.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tokens[token]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return &record, nil
}

// DeleteToken 删除令牌索引
func (s *Store) DeleteToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, token)
	return nil
}

// LoadQueue 返回队列副本
func (s *Store) LoadQueue(_ context.Context) ([]domain.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]domain.QueueEntry{}, s.queue...), nil
}

// SaveQueue 覆盖队列
func (s *Store) SaveQueue(_ context.Context, queue []domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append([]domain.QueueEntry{}, queue...)
	return nil
}
