package domain

import (
	"errors"
	"net/mail"
	"strings"
)

var (
	ErrInvalidSender  = errors.New("invalid sender address")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrInvalidBody    = errors.New("invalid message body")
)

const (
	maxSubjectLength = 255
	maxBodyLength    = 100000
	minTokenLength   = 32
	maxTokenLength   = 64
)

// NormalizeSender 提取地址部分并转为小写，"Name <a@b.c>" 与 "A@B.C" 归一为同一值
func NormalizeSender(sender string) string {
	trimmed := strings.TrimSpace(sender)
	if addr, err := mail.ParseAddress(trimmed); err == nil {
		trimmed = addr.Address
	}
	return strings.ToLower(trimmed)
}

// ValidateSender 校验发件人地址
func ValidateSender(sender string) error {
	sender = strings.TrimSpace(sender)
	if sender == "" {
		return ErrInvalidSender
	}
	addr, err := mail.ParseAddress(sender)
	if err != nil {
		return ErrInvalidSender
	}
	parts := strings.Split(addr.Address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ErrInvalidSender
	}
	return nil
}

// ValidateSubject 校验主题：不超过 255 字节且不含控制字符
func ValidateSubject(subject string) error {
	if strings.TrimSpace(subject) == "" || len(subject) > maxSubjectLength {
		return ErrInvalidSubject
	}
	for _, r := range subject {
		if r < 32 {
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidateMessageBody 校验正文
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" || len(body) > maxBodyLength {
		return ErrInvalidBody
	}
	return nil
}

// LooksLikeToken 判断字符串是否可能是本系统签发的令牌（十六进制）。
// 仅用于过滤明显无效的请求路径，不代表令牌存在。
func LooksLikeToken(token string) bool {
	if len(token) < minTokenLength || len(token) > maxTokenLength {
		return false
	}
	for _, r := range token {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// StartConversationRequest 发起会话请求
type StartConversationRequest struct {
	Sender  string `json:"sender"`
	Email   string `json:"email"` // sender 的别名
	Subject string `json:"subject"`
}

// ResolvedSender 返回 sender，缺省时使用 email
func (r *StartConversationRequest) ResolvedSender() string {
	if strings.TrimSpace(r.Sender) != "" {
		return r.Sender
	}
	return r.Email
}

// Validate 校验请求
func (r *StartConversationRequest) Validate() error {
	if err := ValidateSender(r.ResolvedSender()); err != nil {
		return err
	}
	return ValidateSubject(r.Subject)
}

// SendFirstEmailRequest 主动发送首封邮件请求
type SendFirstEmailRequest struct {
	Sender  string `json:"sender"`
	Email   string `json:"email"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// ResolvedSender 返回收件人地址
func (r *SendFirstEmailRequest) ResolvedSender() string {
	if strings.TrimSpace(r.Sender) != "" {
		return r.Sender
	}
	return r.Email
}

// Validate 校验请求
func (r *SendFirstEmailRequest) Validate() error {
	if err := ValidateSender(r.ResolvedSender()); err != nil {
		return err
	}
	if err := ValidateSubject(r.Subject); err != nil {
		return err
	}
	return ValidateMessageBody(r.Body)
}
