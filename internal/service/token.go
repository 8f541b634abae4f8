package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/monitoring"
)

// tokenBytes 令牌随机字节数（128 位）
const tokenBytes = 16

// TokenRegistry 追踪令牌的签发
type TokenRegistry struct {
	conversations *ConversationService
	log           *zap.Logger
	metrics       *monitoring.Metrics
	events        EventPublisher
}

// NewTokenRegistry 创建令牌注册表
func NewTokenRegistry(conversations *ConversationService, log *zap.Logger, metrics *monitoring.Metrics, events EventPublisher) *TokenRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &TokenRegistry{
		conversations: conversations,
		log:           log.Named("tokens"),
		metrics:       metrics,
		events:        events,
	}
}

// Mint 生成 128 位随机令牌的十六进制表示
func Mint() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IssueFor 签发文档令牌并绑定到会话，必须在生成附件之前调用
func (r *TokenRegistry) IssueFor(ctx context.Context, conversationID string) (string, error) {
	return r.issue(ctx, conversationID, domain.TokenKindHoneytoken)
}

// IssueSignature 签发签名令牌并绑定到会话
func (r *TokenRegistry) IssueSignature(ctx context.Context, conversationID string) (string, error) {
	return r.issue(ctx, conversationID, domain.TokenKindSignature)
}

// EnsureSignature 返回会话已有的签名令牌，没有时签发一个
func (r *TokenRegistry) EnsureSignature(ctx context.Context, conversationID string) (string, error) {
	conv, err := r.conversations.Get(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if conv.SignatureID != "" {
		return conv.SignatureID, nil
	}
	return r.IssueSignature(ctx, conversationID)
}

func (r *TokenRegistry) issue(ctx context.Context, conversationID string, kind domain.TokenKind) (string, error) {
	token, err := Mint()
	if err != nil {
		return "", err
	}
	if err := r.conversations.BindToken(ctx, conversationID, token, kind); err != nil {
		return "", err
	}

	r.metrics.RecordTokenIssued(string(kind))
	r.events.Publish(domain.Event{
		Type:           domain.EventTokenIssued,
		ConversationID: conversationID,
		Data:           map[string]interface{}{"kind": string(kind)},
		Timestamp:      r.conversations.now(),
	})
	return token, nil
}
