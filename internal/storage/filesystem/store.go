package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/storage"
)

const (
	conversationsDir = "conversations"
	tokenIndexFile   = "tokens.json"
)

// Store 文件系统存储实现。
//
// 目录结构:
//   - {base}/conversations/{id}.json  每个会话一个文件
//   - {base}/tokens.json              令牌索引
type Store struct {
	basePath      string         // 存储根目录
	platformUtils *PlatformUtils // 平台兼容性工具

	mu     sync.RWMutex
	tokens map[string]domain.TokenRecord
}

var (
	_ storage.Store         = (*Store)(nil)
	_ storage.StatsReporter = (*Store)(nil)
)

// NewStore 创建文件系统存储实例并加载令牌索引
//
// 返回值:
//   - error: 路径非法、目录无法创建，或令牌索引无法解析（包装 domain.ErrStorageCorruption）
func NewStore(basePath string) (*Store, error) {
	platformUtils := NewPlatformUtils()

	if err := platformUtils.ValidatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	normalizedPath := platformUtils.NormalizePath(basePath)

	if err := os.MkdirAll(filepath.Join(normalizedPath, conversationsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	s := &Store{
		basePath:      normalizedPath,
		platformUtils: platformUtils,
		tokens:        make(map[string]domain.TokenRecord),
	}

	if err := s.loadTokens(); err != nil {
		return nil, err
	}

	return s, nil
}

// BasePath 返回存储根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// ========== 会话存储 ==========

// GetConversation 读取会话文件
func (s *Store) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	if !s.platformUtils.IsSafeID(id) {
		return nil, domain.ErrConversationNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.readConversation(s.conversationPath(id))
}

// SaveConversation 以比较并交换方式原子写入会话文件
func (s *Store) SaveConversation(_ context.Context, conv *domain.Conversation) error {
	if conv == nil || !s.platformUtils.IsSafeID(conv.ID) {
		return fmt.Errorf("invalid conversation id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.conversationPath(conv.ID)
	stored, err := s.readConversation(path)
	if err != nil && !errors.Is(err, domain.ErrConversationNotFound) {
		return err
	}
	if err := storage.CheckRevision(stored, conv); err != nil {
		return err
	}

	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	return s.platformUtils.WriteFileAtomic(path, data, 0644)
}

// ListConversations 读取全部会话，按 ID 排序
func (s *Store) ListConversations(_ context.Context) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.basePath, conversationsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	result := make([]domain.Conversation, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		conv, err := s.readConversation(filepath.Join(s.basePath, conversationsDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		result = append(result, *conv)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ========== 令牌索引 ==========

// PutToken 写入令牌索引
func (s *Store) PutToken(_ context.Context, record domain.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.tokens[record.Token]
	s.tokens[record.Token] = record
	if err := s.persistTokens(); err != nil {
		if existed {
			s.tokens[record.Token] = prev
		} else {
			delete(s.tokens, record.Token)
		}
		return err
	}
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

// DeleteToken 删除令牌索引，不存在时忽略
func (s *Store) DeleteToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tokens[token]
	if !ok {
		return nil
	}
	delete(s.tokens, token)
	if err := s.persistTokens(); err != nil {
		s.tokens[token] = prev
		return err
	}
	return nil
}

// Verify 完整读取所有持久化数据，用于启动时发现损坏文件
func (s *Store) Verify(ctx context.Context) error {
	_, err := s.ListConversations(ctx)
	return err
}

// StorageStats 获取存储统计信息
func (s *Store) StorageStats(_ context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.basePath, conversationsDir))
	if err != nil {
		return nil, err
	}

	var totalSize int64
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if info, err := entry.Info(); err == nil {
			totalSize += info.Size()
		}
		count++
	}

	return &storage.Stats{
		Driver:        "filesystem",
		Conversations: count,
		Tokens:        len(s.tokens),
		TotalBytes:    totalSize,
		BasePath:      s.basePath,
	}, nil
}

func (s *Store) conversationPath(id string) string {
	return filepath.Join(s.basePath, conversationsDir, id+".json")
}

func (s *Store) readConversation(path string) (*domain.Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	var conv domain.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrStorageCorruption, filepath.Base(path), err)
	}
	if conv.Messages == nil {
		conv.Messages = []domain.Message{}
	}
	if conv.Interactions == nil {
		conv.Interactions = []domain.Interaction{}
	}
	return &conv, nil
}

func (s *Store) loadTokens() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, tokenIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read token index: %w", err)
	}

	var records []domain.TokenRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrStorageCorruption, tokenIndexFile, err)
	}
	for _, record := range records {
		s.tokens[record.Token] = record
	}
	return nil
}

// persistTokens 调用方需持有写锁
func (s *Store) persistTokens() error {
	records := make([]domain.TokenRecord, 0, len(s.tokens))
	for _, record := range s.tokens {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Token < records[j].Token })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token index: %w", err)
	}
	return s.platformUtils.WriteFileAtomic(filepath.Join(s.basePath, tokenIndexFile), data, 0644)
}
