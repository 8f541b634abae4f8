package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/monitoring"
	"scambait/backend/internal/storage"
)

// maxUpdateAttempts 版本冲突时的最大重试次数
const maxUpdateAttempts = 5

// errNoChange 由 mutate 返回，表示无需写回
var errNoChange = errors.New("no change")

// ConversationService 会话存储服务
//
// 同一会话的读改写由按会话 ID 的锁串行化，写入时再由存储层按 Revision 做比较并交换，
// 多个进程共用同一存储时冲突会被重试而不是覆盖。
type ConversationService struct {
	store   storage.Store
	locks   *keyedMutex
	log     *zap.Logger
	metrics *monitoring.Metrics
	events  EventPublisher
	now     func() time.Time
}

// NewConversationService 创建会话服务
func NewConversationService(store storage.Store, log *zap.Logger, metrics *monitoring.Metrics, events EventPublisher) *ConversationService {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &ConversationService{
		store:   store,
		locks:   newKeyedMutex(),
		log:     log.Named("conversations"),
		metrics: metrics,
		events:  events,
		now:     time.Now,
	}
}

// ConversationID 由发件人地址派生会话 ID
//
// 地址先去除显示名并转为小写，再取 SHA-256 的前 128 位
func ConversationID(sender string) string {
	sum := sha256.Sum256([]byte(domain.NormalizeSender(sender)))
	return hex.EncodeToString(sum[:16])
}

// GetOrCreate 返回发件人对应的会话 ID，不存在时创建空会话
func (s *ConversationService) GetOrCreate(ctx context.Context, sender string) (string, error) {
	id := ConversationID(sender)

	unlock := s.locks.Lock(id)
	defer unlock()

	_, err := s.store.GetConversation(ctx, id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, domain.ErrConversationNotFound) {
		return "", err
	}

	conv := domain.NewConversation(id, domain.NormalizeSender(sender), s.now())
	conv.Revision = 1
	if err := s.store.SaveConversation(ctx, conv); err != nil {
		// 其他进程先一步创建，视为已存在
		if errors.Is(err, domain.ErrRevisionConflict) {
			return id, nil
		}
		return "", fmt.Errorf("create conversation: %w", err)
	}

	s.log.Info("conversation created",
		zap.String("conversation_id", id),
		zap.String("sender", conv.Sender),
	)
	return id, nil
}

// Get 返回会话副本
func (s *ConversationService) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// List 返回全部会话
func (s *ConversationService) List(ctx context.Context) ([]domain.Conversation, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.UpdateConversations(len(convs))
	return convs, nil
}

// StorageStats 返回底层存储的统计信息，存储不支持时返回 nil
func (s *ConversationService) StorageStats(ctx context.Context) (*storage.Stats, error) {
	if r, ok := s.store.(storage.StatsReporter); ok {
		return r.StorageStats(ctx)
	}
	return nil, nil
}

// Length 返回会话消息数
func (s *ConversationService) Length(ctx context.Context, id string) (int, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return 0, err
	}
	return conv.Length(), nil
}

// Append 追加一条消息
func (s *ConversationService) Append(ctx context.Context, id, from, text string, ts time.Time) error {
	return s.update(ctx, id, func(conv *domain.Conversation) error {
		conv.Messages = append(conv.Messages, domain.Message{
			From:      from,
			Text:      text,
			Timestamp: ts,
		})
		return nil
	})
}

// AppendInbound 追加一封入站邮件，同一 emailID 只记录一次
//
// 返回 false 表示该邮件此前已记入会话
func (s *ConversationService) AppendInbound(ctx context.Context, id string, msg *domain.InboundMessage, ts time.Time) (bool, error) {
	appended := false
	err := s.update(ctx, id, func(conv *domain.Conversation) error {
		if conv.HasEmail(msg.ID) {
			return errNoChange
		}
		conv.Messages = append(conv.Messages, domain.Message{
			From:      msg.From,
			Text:      msg.Text(),
			Timestamp: ts,
			EmailID:   msg.ID,
		})
		appended = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return appended, nil
}

// BindToken 绑定令牌
//
// 同类型的旧令牌被覆盖并从索引中移除，交互记录重置为空
func (s *ConversationService) BindToken(ctx context.Context, id, token string, kind domain.TokenKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidTokenKind, kind)
	}

	var previous string
	err := s.update(ctx, id, func(conv *domain.Conversation) error {
		previous = conv.TokenFor(kind)
		switch kind {
		case domain.TokenKindHoneytoken:
			conv.HoneytokenID = token
		case domain.TokenKindSignature:
			conv.SignatureID = token
		}
		conv.Interactions = []domain.Interaction{}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.store.PutToken(ctx, domain.TokenRecord{
		Token:          token,
		ConversationID: id,
		Kind:           kind,
		IssuedAt:       s.now(),
	}); err != nil {
		return fmt.Errorf("index token: %w", err)
	}
	if previous != "" && previous != token {
		if err := s.store.DeleteToken(ctx, previous); err != nil && !errors.Is(err, domain.ErrTokenNotFound) {
			s.log.Warn("failed to drop replaced token", zap.String("conversation_id", id), zap.Error(err))
		}
	}

	s.log.Info("token bound",
		zap.String("conversation_id", id),
		zap.String("kind", string(kind)),
		zap.Bool("replaced", previous != ""),
	)
	return nil
}

// RecordInteraction 将一次令牌触发记录到匹配的会话
//
// 未知令牌不是错误，返回 matched=false
func (s *ConversationService) RecordInteraction(ctx context.Context, token string, entry domain.Interaction) (bool, error) {
	if token == "" {
		return false, nil
	}

	id, _, err := s.resolveToken(ctx, token)
	if err != nil {
		return false, err
	}
	if id == "" {
		return false, nil
	}

	matched := false
	err = s.update(ctx, id, func(conv *domain.Conversation) error {
		// 索引可能滞后于会话记录，以会话中的绑定为准
		k, ok := conv.KindOf(token)
		if !ok {
			return errNoChange
		}
		matched = true
		entry.TokenKind = k
		conv.Interactions = append(conv.Interactions, entry)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return false, nil
		}
		return false, err
	}

	if matched {
		s.events.Publish(domain.Event{
			Type:           domain.EventInteractionRecorded,
			ConversationID: id,
			Data: map[string]interface{}{
				"kind":       string(entry.TokenKind),
				"ip_address": entry.IPAddress,
				"user_agent": entry.UserAgent,
			},
			Timestamp: entry.Timestamp,
		})
		s.log.Info("interaction recorded",
			zap.String("conversation_id", id),
			zap.String("kind", string(entry.TokenKind)),
			zap.String("ip_address", entry.IPAddress),
		)
	}
	return matched, nil
}

// RebuildTokenIndex 根据会话记录重建令牌索引，返回写入的条目数
func (s *ConversationService) RebuildTokenIndex(ctx context.Context) (int, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, conv := range convs {
		for _, kind := range []domain.TokenKind{domain.TokenKindHoneytoken, domain.TokenKindSignature} {
			token := conv.TokenFor(kind)
			if token == "" {
				continue
			}
			if existing, err := s.store.GetToken(ctx, token); err == nil && existing.ConversationID == conv.ID {
				continue
			}
			if err := s.store.PutToken(ctx, domain.TokenRecord{
				Token:          token,
				ConversationID: conv.ID,
				Kind:           kind,
				IssuedAt:       conv.UpdatedAt,
			}); err != nil {
				return count, err
			}
			count++
		}
	}
	if count > 0 {
		s.log.Info("token index rebuilt", zap.Int("restored", count))
	}
	return count, nil
}

// resolveToken 先查索引，索引未命中时扫描全部会话
func (s *ConversationService) resolveToken(ctx context.Context, token string) (string, domain.TokenKind, error) {
	record, err := s.store.GetToken(ctx, token)
	if err == nil {
		return record.ConversationID, record.Kind, nil
	}
	if !errors.Is(err, domain.ErrTokenNotFound) {
		return "", "", err
	}

	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return "", "", err
	}
	for _, conv := range convs {
		if kind, ok := conv.KindOf(token); ok {
			return conv.ID, kind, nil
		}
	}
	return "", "", nil
}

// update 在会话锁内执行读改写，版本冲突时重新读取后重试
func (s *ConversationService) update(ctx context.Context, id string, mutate func(conv *domain.Conversation) error) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(conv); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return err
		}
		conv.Revision++
		conv.UpdatedAt = s.now()

		err = s.store.SaveConversation(ctx, conv)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrRevisionConflict) {
			return err
		}
		s.log.Debug("revision conflict, retrying",
			zap.String("conversation_id", id),
			zap.Int("attempt", attempt),
		)
	}
	return fmt.Errorf("update conversation %s: %w", id, domain.ErrRevisionConflict)
}
