package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/storage"
)

// 发起会话的结果状态
const (
	StatusReplied = "replied"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ConversationStarted 发起会话的结果
type ConversationStarted struct {
	ConversationID string `json:"conversationId,omitempty"`
	EmailID        string `json:"emailId,omitempty"`
	Sender         string `json:"sender"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"` // 失败原因，仅 Status 为 failed 时出现
}

// StatusSnapshot 系统状态快照
type StatusSnapshot struct {
	Conversations            int                   `json:"conversations"`
	ConversationsWithTouches int                   `json:"conversationsWithInteractions"`
	Interactions             int                   `json:"interactions"`
	QueueDepth               int                   `json:"queueDepth"`
	NextResponseAt           *time.Time            `json:"nextResponseAt,omitempty"`
	Running                  bool                  `json:"running"`
	Loops                    map[string]LoopStatus `json:"loops"`
	Storage                  *storage.Stats        `json:"storage,omitempty"`
	GeneratedAt              time.Time             `json:"generatedAt"`
}

// ControlService 操作员控制面
type ControlService struct {
	transport     Transport
	generator     Generator
	conversations *ConversationService
	tokens        *TokenRegistry
	scheduler     *ResponseScheduler
	orchestrator  *Orchestrator
	selfAddress   string
	log           *zap.Logger
	now           func() time.Time
}

// NewControlService 创建控制面服务
func NewControlService(transport Transport, generator Generator, conversations *ConversationService, tokens *TokenRegistry, scheduler *ResponseScheduler, orchestrator *Orchestrator, selfAddress string, log *zap.Logger) *ControlService {
	if log == nil {
		log = zap.NewNop()
	}
	if selfAddress == "" {
		selfAddress = "me"
	}
	return &ControlService{
		transport:     transport,
		generator:     generator,
		conversations: conversations,
		tokens:        tokens,
		scheduler:     scheduler,
		orchestrator:  orchestrator,
		selfAddress:   selfAddress,
		log:           log.Named("control"),
		now:           time.Now,
	}
}

// StartConversation 找到对方发来的邮件并回复第一封，随后建立会话
func (c *ControlService) StartConversation(ctx context.Context, req domain.StartConversationRequest) (*ConversationStarted, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sender := req.ResolvedSender()

	emailID, err := c.transport.FindMessage(ctx, sender, req.Subject)
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	msg, err := c.transport.GetMessage(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	body, err := c.generator.Answer(ctx, msg.Body)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, domain.ErrGenerationFailure
	}

	convID, err := c.conversations.GetOrCreate(ctx, sender)
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.EnsureSignature(ctx, convID)
	if err != nil {
		c.log.Warn("failed to issue signature token", zap.String("conversation_id", convID), zap.Error(err))
		token = ""
	}

	if _, err := c.transport.Reply(ctx, msg, body, token); err != nil {
		return nil, fmt.Errorf("reply: %w", err)
	}
	if err := c.conversations.Append(ctx, convID, c.selfAddress, body, c.now()); err != nil {
		return nil, err
	}

	c.log.Info("conversation started",
		zap.String("conversation_id", convID),
		zap.String("email_id", emailID),
	)
	return &ConversationStarted{
		ConversationID: convID,
		EmailID:        emailID,
		Sender:         sender,
		Status:         StatusReplied,
	}, nil
}

// SendFirstEmail 主动发出第一封邮件并建立会话
func (c *ControlService) SendFirstEmail(ctx context.Context, req domain.SendFirstEmailRequest) (*ConversationStarted, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sender := req.ResolvedSender()

	convID, err := c.conversations.GetOrCreate(ctx, sender)
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.EnsureSignature(ctx, convID)
	if err != nil {
		c.log.Warn("failed to issue signature token", zap.String("conversation_id", convID), zap.Error(err))
		token = ""
	}

	result, err := c.transport.Send(ctx, domain.OutboundMessage{
		To:      sender,
		Subject: req.Subject,
		Body:    req.Body,
		Token:   token,
	})
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if err := c.conversations.Append(ctx, convID, c.selfAddress, req.Body, c.now()); err != nil {
		return nil, err
	}

	c.log.Info("first email sent", zap.String("conversation_id", convID))
	emailID := ""
	if result != nil {
		emailID = result.ID
	}
	return &ConversationStarted{
		ConversationID: convID,
		EmailID:        emailID,
		Sender:         sender,
		Status:         StatusSent,
	}, nil
}

// Status 汇总会话与队列状态，部分数据不可用时尽量返回其余部分
func (c *ControlService) Status(ctx context.Context) *StatusSnapshot {
	snap := &StatusSnapshot{GeneratedAt: c.now()}

	if convs, err := c.conversations.List(ctx); err != nil {
		c.log.Warn("status: failed to list conversations", zap.Error(err))
	} else {
		snap.Conversations = len(convs)
		for _, conv := range convs {
			if len(conv.Interactions) > 0 {
				snap.ConversationsWithTouches++
				snap.Interactions += len(conv.Interactions)
			}
		}
	}

	if pending, err := c.scheduler.Pending(ctx); err != nil {
		c.log.Warn("status: failed to load queue", zap.Error(err))
	} else {
		snap.QueueDepth = len(pending)
		if len(pending) > 0 {
			next := pending[0].ResponseTime
			snap.NextResponseAt = &next
		}
	}

	if stats, err := c.conversations.StorageStats(ctx); err != nil {
		c.log.Warn("status: failed to read storage stats", zap.Error(err))
	} else {
		snap.Storage = stats
	}

	if c.orchestrator != nil {
		snap.Running = c.orchestrator.Running()
		snap.Loops = c.orchestrator.Status()
	}
	return snap
}

// ListConversations 返回会话摘要列表
func (c *ControlService) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	convs, err := c.conversations.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConversationSummary, 0, len(convs))
	for i := range convs {
		out = append(out, convs[i].Summary())
	}
	return out, nil
}

// GetConversation 返回会话，limit > 0 时只保留最后 limit 条消息
func (c *ControlService) GetConversation(ctx context.Context, id string, limit int) (*domain.Conversation, error) {
	conv, err := c.conversations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Messages = conv.LatestMessages(limit)
	return conv, nil
}
