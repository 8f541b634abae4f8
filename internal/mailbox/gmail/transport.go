package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/mailbox"
)

const (
	unreadQuery = "is:unread -in:trash"
	labelUnread = "UNREAD"
)

// Config Gmail 通道配置
type Config struct {
	CredentialsFile string
	TokenFile       string
	User            string
	IncludeSpam     bool
}

// Transport 基于 Gmail API 的邮件通道
type Transport struct {
	svc         *gmail.Service
	user        string
	includeSpam bool
	composer    *mailbox.Composer
	log         *zap.Logger
}

// NewTransport 读取 OAuth 凭据与已授权令牌并创建 Gmail 服务
func NewTransport(ctx context.Context, cfg Config, composer *mailbox.Composer, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	credentials, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read gmail credentials: %w", err)
	}
	oauthConfig, err := google.ConfigFromJSON(credentials, gmail.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse gmail credentials: %w", err)
	}
	token, err := loadToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}

	source := &persistingTokenSource{
		src:     oauthConfig.TokenSource(ctx, token),
		current: token,
		path:    cfg.TokenFile,
		log:     log.Named("gmail"),
	}
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, source)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return NewTransportWithService(svc, cfg.User, cfg.IncludeSpam, composer, log), nil
}

// NewTransportWithService 使用已创建的 Gmail 服务
func NewTransportWithService(svc *gmail.Service, user string, includeSpam bool, composer *mailbox.Composer, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if user == "" {
		user = "me"
	}
	return &Transport{
		svc:         svc,
		user:        user,
		includeSpam: includeSpam,
		composer:    composer,
		log:         log.Named("gmail"),
	}
}

// ListUnread 返回未读邮件，includeSpam 时包含垃圾邮件
func (t *Transport) ListUnread(ctx context.Context) ([]domain.InboundMessage, error) {
	var ids []string
	call := t.svc.Users.Messages.List(t.user).Q(unreadQuery).IncludeSpamTrash(t.includeSpam)
	err := call.Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("list messages", err)
	}

	out := make([]domain.InboundMessage, 0, len(ids))
	for _, id := range ids {
		msg, err := t.GetMessage(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrMessageNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *msg)
	}
	return out, nil
}

// GetMessage 以 raw 格式取回邮件并解析
func (t *Transport) GetMessage(ctx context.Context, id string) (*domain.InboundMessage, error) {
	m, err := t.svc.Users.Messages.Get(t.user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("get message "+id, err)
	}
	raw, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode message %s: %v", domain.ErrTransportFailure, id, err)
	}
	parsed, err := mailbox.ParseEmail(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	msg := parsed.Inbound(m.Id, m.ThreadId)
	msg.Snippet = m.Snippet
	if msg.ReceivedAt.IsZero() && m.InternalDate > 0 {
		msg.ReceivedAt = time.UnixMilli(m.InternalDate)
	}
	return &msg, nil
}

// FindMessage 按发件人与主题查找最新邮件
func (t *Transport) FindMessage(ctx context.Context, sender, subject string) (string, error) {
	query := "from:" + sender
	if subject != "" {
		query += fmt.Sprintf(` subject:"%s"`, strings.ReplaceAll(subject, `"`, ""))
	}
	resp, err := t.svc.Users.Messages.List(t.user).Q(query).IncludeSpamTrash(t.includeSpam).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", wrapErr("find message", err)
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("%w: %s", domain.ErrMessageNotFound, query)
	}
	return resp.Messages[0].Id, nil
}

// MarkRead 移除 UNREAD 标签
func (t *Transport) MarkRead(ctx context.Context, id string) error {
	_, err := t.svc.Users.Messages.Modify(t.user, id, &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{labelUnread},
	}).Context(ctx).Do()
	if err != nil {
		return wrapErr("mark read "+id, err)
	}
	return nil
}

// Reply 先标记原邮件已读，再在同一线程中回复
func (t *Transport) Reply(ctx context.Context, original *domain.InboundMessage, body, token string) (*domain.SendResult, error) {
	return t.reply(ctx, original, body, token, nil)
}

// ReplyWithAttachment 回复并附带文档
func (t *Transport) ReplyWithAttachment(ctx context.Context, original *domain.InboundMessage, body string, attachment *domain.Attachment, token string) (*domain.SendResult, error) {
	if attachment == nil {
		return nil, fmt.Errorf("%w: attachment is required", domain.ErrTransportFailure)
	}
	return t.reply(ctx, original, body, token, attachment)
}

func (t *Transport) reply(ctx context.Context, original *domain.InboundMessage, body, token string, att *domain.Attachment) (*domain.SendResult, error) {
	if original == nil {
		return nil, fmt.Errorf("%w: original message is required", domain.ErrTransportFailure)
	}
	if err := t.MarkRead(ctx, original.ID); err != nil {
		return nil, fmt.Errorf("mark read before reply: %w", err)
	}
	out, err := t.composer.BuildReply(original, body, token, att)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	return t.send(ctx, out, original.ThreadID)
}

// Send 发出新邮件
func (t *Transport) Send(ctx context.Context, msg domain.OutboundMessage) (*domain.SendResult, error) {
	out, err := t.composer.BuildNew(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	return t.send(ctx, out, "")
}

func (t *Transport) send(ctx context.Context, out *mailbox.Outgoing, threadID string) (*domain.SendResult, error) {
	sent, err := t.svc.Users.Messages.Send(t.user, &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(out.Raw),
		ThreadId: threadID,
	}).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr("send message", err)
	}
	t.log.Info("message sent",
		zap.String("to", out.To),
		zap.String("id", sent.Id),
		zap.String("thread_id", sent.ThreadId),
	)
	return &domain.SendResult{ID: sent.Id, ThreadID: sent.ThreadId}, nil
}

func decodeRaw(raw string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(raw, "="))
}

// wrapErr 404 映射为 ErrMessageNotFound，其余映射为 ErrTransportFailure
func wrapErr(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, op)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrTransportFailure, op, err)
}
