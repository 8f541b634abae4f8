package service

import (
	"context"

	"scambait/backend/internal/domain"
)

// Transport 邮件通道。
//
// 实现位于 internal/mailbox（IMAP/SMTP 与 Gmail），所有错误都应包装 domain.ErrTransportFailure，
// 找不到邮件时返回 domain.ErrMessageNotFound。
type Transport interface {
	// ListUnread 返回收件箱（可选包括垃圾箱）中的未读邮件
	ListUnread(ctx context.Context) ([]domain.InboundMessage, error)
	// GetMessage 按通道内 ID 取回邮件
	GetMessage(ctx context.Context, id string) (*domain.InboundMessage, error)
	// FindMessage 按发件人与主题查找邮件 ID
	FindMessage(ctx context.Context, sender, subject string) (string, error)
	// MarkRead 将邮件标记为已读
	MarkRead(ctx context.Context, id string) error
	// Reply 回复邮件，token 非空时在签名中嵌入追踪链接
	Reply(ctx context.Context, original *domain.InboundMessage, body, token string) (*domain.SendResult, error)
	// ReplyWithAttachment 回复邮件并附带渲染后的文档
	ReplyWithAttachment(ctx context.Context, original *domain.InboundMessage, body string, attachment *domain.Attachment, token string) (*domain.SendResult, error)
	// Send 发出一封新邮件
	Send(ctx context.Context, msg domain.OutboundMessage) (*domain.SendResult, error)
}

// Generator 文本生成服务，返回空文本或失败时应返回 domain.ErrGenerationFailure
type Generator interface {
	Answer(ctx context.Context, text string) (string, error)
	AnswerWithAttachment(ctx context.Context, text string) (string, error)
	FillDocument(ctx context.Context, text string) (string, error)
	NameDocument(ctx context.Context, text string) (string, error)
}

// Renderer 将文档渲染为可附加的文件
type Renderer interface {
	Render(ctx context.Context, doc domain.Document) (*domain.Attachment, error)
}

// TriggerDetector 判断文本是否包含索要文档类的关键词
type TriggerDetector interface {
	Detect(text string) bool
}

// EventPublisher 向操作员推送会话事件
type EventPublisher interface {
	Publish(event domain.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Event) {}
