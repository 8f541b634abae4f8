package domain

import (
	"time"
)

// TokenKind 标识追踪令牌的投放位置
type TokenKind string

const (
	// TokenKindHoneytoken 嵌入在附件文档中的令牌
	TokenKindHoneytoken TokenKind = "honeytoken"
	// TokenKindSignature 嵌入在回复签名链接中的令牌
	TokenKindSignature TokenKind = "signature"
)

// Valid 判断令牌类型是否受支持
func (k TokenKind) Valid() bool {
	return k == TokenKindHoneytoken || k == TokenKindSignature
}

// Message 表示会话中的一条消息（入站或出站）
type Message struct {
	From      string    `json:"from"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	EmailID   string    `json:"email_id,omitempty"` // 入站消息在邮箱中的 ID
}

// Interaction 表示对方触发追踪令牌的一次记录
type Interaction struct {
	IPAddress string    `json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	Timestamp time.Time `json:"timestamp"`
	TokenKind TokenKind `json:"token_kind,omitempty"`
}

// Conversation 表示与单个发件人之间的完整往来记录。
//
// ID 由发件人地址确定性派生，Messages 只追加不修改。
// HoneytokenID 与 SignatureID 各自最多一个有效值，重新绑定时覆盖旧值。
type Conversation struct {
	ID           string        `json:"conversation_id"`
	Sender       string        `json:"sender"`
	Messages     []Message     `json:"messages"`
	HoneytokenID string        `json:"honeytoken_id,omitempty"`
	SignatureID  string        `json:"signature_id,omitempty"`
	Interactions []Interaction `json:"interactions"`
	Revision     int64         `json:"revision"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// NewConversation 创建一个空会话
func NewConversation(id, sender string, now time.Time) *Conversation {
	return &Conversation{
		ID:           id,
		Sender:       sender,
		Messages:     []Message{},
		Interactions: []Interaction{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// HasEmail 判断某封入站邮件是否已记入会话
func (c *Conversation) HasEmail(emailID string) bool {
	if emailID == "" {
		return false
	}
	for _, m := range c.Messages {
		if m.EmailID == emailID {
			return true
		}
	}
	return false
}

// Length 返回会话中的消息数
func (c *Conversation) Length() int {
	return len(c.Messages)
}

// TokenFor 返回指定类型当前绑定的令牌
func (c *Conversation) TokenFor(kind TokenKind) string {
	switch kind {
	case TokenKindHoneytoken:
		return c.HoneytokenID
	case TokenKindSignature:
		return c.SignatureID
	}
	return ""
}

// KindOf 返回令牌在本会话中的绑定类型，未绑定时 ok 为 false
func (c *Conversation) KindOf(token string) (TokenKind, bool) {
	if token == "" {
		return "", false
	}
	if c.HoneytokenID == token {
		return TokenKindHoneytoken, true
	}
	if c.SignatureID == token {
		return TokenKindSignature, true
	}
	return "", false
}

// LatestMessages 返回最后 n 条消息，n <= 0 时返回全部
func (c *Conversation) LatestMessages(n int) []Message {
	if n <= 0 || n >= len(c.Messages) {
		out := make([]Message, len(c.Messages))
		copy(out, c.Messages)
		return out
	}
	out := make([]Message, n)
	copy(out, c.Messages[len(c.Messages)-n:])
	return out
}

// Clone 返回会话的深拷贝
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Messages = append([]Message(nil), c.Messages...)
	cp.Interactions = append([]Interaction(nil), c.Interactions...)
	if cp.Messages == nil {
		cp.Messages = []Message{}
	}
	if cp.Interactions == nil {
		cp.Interactions = []Interaction{}
	}
	return &cp
}

// ConversationSummary 会话列表视图
type ConversationSummary struct {
	ID               string    `json:"conversation_id"`
	Sender           string    `json:"sender"`
	MessageCount     int       `json:"message_count"`
	InteractionCount int       `json:"interaction_count"`
	HasHoneytoken    bool      `json:"has_honeytoken"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Summary 生成会话摘要
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:               c.ID,
		Sender:           c.Sender,
		MessageCount:     len(c.Messages),
		InteractionCount: len(c.Interactions),
		HasHoneytoken:    c.HoneytokenID != "",
		UpdatedAt:        c.UpdatedAt,
	}
}

// TokenRecord 是令牌到会话的二级索引条目
type TokenRecord struct {
	Token          string    `json:"token"`
	ConversationID string    `json:"conversation_id"`
	Kind           TokenKind `json:"kind"`
	IssuedAt       time.Time `json:"issued_at"`
}
