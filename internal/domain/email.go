package domain

import "time"

// InboundMessage 表示从邮件通道取回的一封邮件
type InboundMessage struct {
	ID         string    `json:"id"`         // 通道内的消息标识（Gmail ID 或 IMAP UID）
	ThreadID   string    `json:"threadId"`   // 会话线程标识，通道不支持时为空
	MessageID  string    `json:"messageId"`  // RFC 5322 Message-ID 头
	References string    `json:"references"` // 原始 References 头
	From       string    `json:"from"`       // 发件人地址（已去除显示名）
	To         string    `json:"to"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`     // 完整正文
	Latest     string    `json:"latest"`   // 去除引用部分后的最新正文
	Snippet    string    `json:"snippet"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Text 返回用于生成回复与触发检测的正文
func (m *InboundMessage) Text() string {
	if m.Latest != "" {
		return m.Latest
	}
	return m.Body
}

// OutboundMessage 表示一封新发出的邮件
type OutboundMessage struct {
	To      string
	Subject string
	Body    string
	Token   string // 签名链接中使用的追踪令牌，可为空
}

// SendResult 表示通道确认发送后的结果
type SendResult struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId,omitempty"`
}

// Attachment 表示随回复发送的渲染文档
type Attachment struct {
	Path        string
	Filename    string
	ContentType string
}
