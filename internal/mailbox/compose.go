package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"scambait/backend/internal/domain"
)

// Outgoing 组装好的待发送邮件
type Outgoing struct {
	To        string
	Subject   string
	MessageID string // 不含尖括号
	Raw       []byte
}

// Composer 生成 HTML 回复与新邮件
type Composer struct {
	From        string
	Persona     Persona
	TrackingURL func(token string) string

	now func() time.Time
}

// NewComposer 创建邮件组装器
func NewComposer(from string, persona Persona, trackingURL func(string) string) *Composer {
	return &Composer{
		From:        from,
		Persona:     persona,
		TrackingURL: trackingURL,
		now:         time.Now,
	}
}

// BodyHTML 生成正文 HTML，token 非空时附加签名
func (c *Composer) BodyHTML(body, token string) string {
	if token == "" || c.TrackingURL == nil {
		return FormatBody(body)
	}
	return c.Persona.HTML(body, c.TrackingURL(token))
}

// ReplySubject 为主题加上 "Re: " 前缀，已有前缀时保持不变
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if len(trimmed) >= 3 && strings.EqualFold(trimmed[:3], "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// BuildReply 组装对 original 的回复，设置 In-Reply-To 与 References
func (c *Composer) BuildReply(original *domain.InboundMessage, body, token string, att *domain.Attachment) (*Outgoing, error) {
	if original == nil || original.From == "" {
		return nil, fmt.Errorf("reply: original sender is missing")
	}

	h, err := c.header(original.From, ReplySubject(original.Subject))
	if err != nil {
		return nil, err
	}
	if parent := trimMsgID(original.MessageID); parent != "" {
		refs := append(parseMsgIDs(original.References), parent)
		h.SetMsgIDList("In-Reply-To", []string{parent})
		h.SetMsgIDList("References", dedupe(refs))
	}

	return c.build(h, original.From, c.BodyHTML(body, token), att)
}

// BuildNew 组装一封新邮件
func (c *Composer) BuildNew(msg domain.OutboundMessage) (*Outgoing, error) {
	if msg.To == "" {
		return nil, fmt.Errorf("send: recipient is missing")
	}
	h, err := c.header(msg.To, strings.TrimSpace(msg.Subject))
	if err != nil {
		return nil, err
	}
	return c.build(h, msg.To, c.BodyHTML(msg.Body, msg.Token), nil)
}

func (c *Composer) header(to, subject string) (mail.Header, error) {
	var h mail.Header
	h.SetDate(c.now())
	h.SetSubject(subject)
	if c.From != "" {
		h.SetAddressList("From", []*mail.Address{{Address: c.From}})
	}
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	if err := h.GenerateMessageID(); err != nil {
		return h, fmt.Errorf("generate message id: %w", err)
	}
	return h, nil
}

func (c *Composer) build(h mail.Header, to, htmlBody string, att *domain.Attachment) (*Outgoing, error) {
	subject, _ := h.Subject()
	messageID, _ := h.MessageID()

	var buf bytes.Buffer
	if att == nil {
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}
		if _, err := io.WriteString(w, htmlBody); err != nil {
			return nil, fmt.Errorf("write body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close body: %w", err)
		}
		return &Outgoing{To: to, Subject: subject, MessageID: messageID, Raw: buf.Bytes()}, nil
	}

	content, err := os.ReadFile(att.Path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create inline: %w", err)
	}
	var ih mail.InlineHeader
	ih.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	ih.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := iw.CreatePart(ih)
	if err != nil {
		return nil, fmt.Errorf("create body part: %w", err)
	}
	if _, err := io.WriteString(pw, htmlBody); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var ah mail.AttachmentHeader
	ah.SetContentType(contentType, nil)
	ah.SetFilename(att.Filename)
	ah.Set("Content-Transfer-Encoding", "base64")
	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	if _, err := aw.Write(content); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return &Outgoing{To: to, Subject: subject, MessageID: messageID, Raw: buf.Bytes()}, nil
}

func trimMsgID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

func parseMsgIDs(value string) []string {
	var ids []string
	for _, field := range strings.Fields(value) {
		if id := trimMsgID(field); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
