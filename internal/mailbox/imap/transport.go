package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/mailbox"
)

// Config IMAP 收件与 SMTP 发件配置
type Config struct {
	IMAPAddress string
	Username    string
	Password    string
	Mailbox     string
	SpamMailbox string
	IncludeSpam bool
	TLS         bool

	SMTPAddress  string
	SMTPUsername string
	SMTPPassword string
	From         string

	Timeout time.Duration
}

type sendFunc func(addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Transport 基于 IMAP 收件、SMTP 发件的邮件通道
type Transport struct {
	cfg      Config
	composer *mailbox.Composer
	sendMail sendFunc
	log      *zap.Logger

	// 串行化 IMAP 会话，避免多个连接同时修改标记
	mu sync.Mutex
}

// NewTransport 创建 IMAP/SMTP 通道
func NewTransport(cfg Config, composer *mailbox.Composer, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	send := gosmtp.SendMail
	if strings.HasSuffix(cfg.SMTPAddress, ":465") {
		send = gosmtp.SendMailTLS
	}
	return &Transport{
		cfg:      cfg,
		composer: composer,
		sendMail: send,
		log:      log.Named("imap"),
	}
}

// mailboxes 返回需要轮询的邮箱
func (t *Transport) mailboxes() []string {
	boxes := []string{t.cfg.Mailbox}
	if t.cfg.IncludeSpam && t.cfg.SpamMailbox != "" && t.cfg.SpamMailbox != t.cfg.Mailbox {
		boxes = append(boxes, t.cfg.SpamMailbox)
	}
	return boxes
}

// ListUnread 返回所有未读邮件，不修改已读标记
func (t *Transport) ListUnread(ctx context.Context) ([]domain.InboundMessage, error) {
	var out []domain.InboundMessage
	err := t.session(ctx, func(c *client.Client) error {
		for _, box := range t.mailboxes() {
			if _, err := c.Select(box, true); err != nil {
				if box == t.cfg.Mailbox {
					return fmt.Errorf("select %s: %w", box, err)
				}
				t.log.Warn("skip mailbox", zap.String("mailbox", box), zap.Error(err))
				continue
			}

			criteria := goimap.NewSearchCriteria()
			criteria.WithoutFlags = []string{goimap.SeenFlag}
			uids, err := c.UidSearch(criteria)
			if err != nil {
				return fmt.Errorf("search %s: %w", box, err)
			}
			if len(uids) == 0 {
				continue
			}

			msgs, err := fetch(c, box, uids)
			if err != nil {
				return err
			}
			out = append(out, msgs...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetMessage 按 "<mailbox>:<uid>" 取回邮件
func (t *Transport) GetMessage(ctx context.Context, id string) (*domain.InboundMessage, error) {
	box, uid, err := ParseID(id)
	if err != nil {
		return nil, err
	}

	var found *domain.InboundMessage
	err = t.session(ctx, func(c *client.Client) error {
		if _, err := c.Select(box, true); err != nil {
			return fmt.Errorf("select %s: %w", box, err)
		}
		msgs, err := fetch(c, box, []uint32{uid})
		if err != nil {
			return err
		}
		if len(msgs) > 0 {
			found = &msgs[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrMessageNotFound, id)
	}
	return found, nil
}

// FindMessage 按发件人与主题查找最新的一封邮件
func (t *Transport) FindMessage(ctx context.Context, sender, subject string) (string, error) {
	var id string
	err := t.session(ctx, func(c *client.Client) error {
		for _, box := range t.mailboxes() {
			if _, err := c.Select(box, true); err != nil {
				continue
			}
			criteria := goimap.NewSearchCriteria()
			criteria.Header.Add("From", sender)
			if subject != "" {
				criteria.Header.Add("Subject", subject)
			}
			uids, err := c.UidSearch(criteria)
			if err != nil {
				return fmt.Errorf("search %s: %w", box, err)
			}
			if len(uids) == 0 {
				continue
			}
			latest := uids[0]
			for _, uid := range uids[1:] {
				if uid > latest {
					latest = uid
				}
			}
			id = FormatID(box, latest)
			return nil
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: from %s subject %q", domain.ErrMessageNotFound, sender, subject)
	}
	return id, nil
}

// MarkRead 为邮件加上 \Seen 标记
func (t *Transport) MarkRead(ctx context.Context, id string) error {
	box, uid, err := ParseID(id)
	if err != nil {
		return err
	}
	return t.session(ctx, func(c *client.Client) error {
		if _, err := c.Select(box, false); err != nil {
			return fmt.Errorf("select %s: %w", box, err)
		}
		seqset := new(goimap.SeqSet)
		seqset.AddNum(uid)
		item := goimap.FormatFlagsOp(goimap.AddFlags, true)
		if err := c.UidStore(seqset, item, []interface{}{goimap.SeenFlag}, nil); err != nil {
			return fmt.Errorf("store flags: %w", err)
		}
		return nil
	})
}

// Reply 先标记原邮件已读，成功后再发送回复
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
	if err := t.deliver(ctx, out); err != nil {
		return nil, err
	}
	return &domain.SendResult{ID: out.MessageID, ThreadID: original.ThreadID}, nil
}

// Send 发出新邮件
func (t *Transport) Send(ctx context.Context, msg domain.OutboundMessage) (*domain.SendResult, error) {
	out, err := t.composer.BuildNew(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	if err := t.deliver(ctx, out); err != nil {
		return nil, err
	}
	return &domain.SendResult{ID: out.MessageID}, nil
}

func (t *Transport) deliver(ctx context.Context, out *mailbox.Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth sasl.Client
	if t.cfg.SMTPUsername != "" {
		auth = sasl.NewPlainClient("", t.cfg.SMTPUsername, t.cfg.SMTPPassword)
	}
	from := t.cfg.From
	if from == "" {
		from = t.cfg.SMTPUsername
	}
	if err := t.sendMail(t.cfg.SMTPAddress, auth, from, []string{out.To}, bytes.NewReader(out.Raw)); err != nil {
		return fmt.Errorf("%w: smtp send: %v", domain.ErrTransportFailure, err)
	}
	t.log.Info("message sent",
		zap.String("to", out.To),
		zap.String("message_id", out.MessageID),
	)
	return nil
}

// session 建立一次 IMAP 会话并在结束时登出，ctx 取消时中断连接
func (t *Transport) session(ctx context.Context, fn func(c *client.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c, err := t.connect()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Terminate()
		case <-done:
		}
	}()
	defer func() { _ = c.Logout() }()

	if err := fn(c); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", domain.ErrTransportFailure, err)
	}
	return nil
}

func (t *Transport) connect() (*client.Client, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	var conn net.Conn
	var err error
	if t.cfg.TLS {
		host, _, _ := net.SplitHostPort(t.cfg.IMAPAddress)
		conn, err = tls.DialWithDialer(dialer, "tcp", t.cfg.IMAPAddress, &tls.Config{ServerName: host})
	} else {
		conn, err = dialer.Dial("tcp", t.cfg.IMAPAddress)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap: %w", err)
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("imap handshake: %w", err)
	}
	c.Timeout = t.cfg.Timeout

	if err := c.Login(t.cfg.Username, t.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	return c, nil
}

// fetch 按 UID 取回完整邮件，使用 BODY.PEEK 不改变已读状态
func fetch(c *client.Client, box string, uids []uint32) ([]domain.InboundMessage, error) {
	seqset := new(goimap.SeqSet)
	seqset.AddNum(uids...)

	section := &goimap.BodySectionName{Peek: true}
	items := []goimap.FetchItem{goimap.FetchUid, goimap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *goimap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	var out []domain.InboundMessage
	for msg := range messages {
		if msg == nil {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		raw, err := io.ReadAll(literal)
		if err != nil {
			continue
		}
		parsed, err := mailbox.ParseEmail(raw)
		if err != nil {
			continue
		}
		inbound := parsed.Inbound(FormatID(box, msg.Uid), "")
		if inbound.ReceivedAt.IsZero() {
			inbound.ReceivedAt = msg.InternalDate
		}
		out = append(out, inbound)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch %s: %w", box, err)
	}
	return out, nil
}

// FormatID 组合邮箱名与 UID
func FormatID(box string, uid uint32) string {
	return box + ":" + strconv.FormatUint(uint64(uid), 10)
}

// ParseID 拆分 "<mailbox>:<uid>"，邮箱名本身可以包含冒号
func ParseID(id string) (string, uint32, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("%w: malformed id %q", domain.ErrMessageNotFound, id)
	}
	uid, err := strconv.ParseUint(id[i+1:], 10, 32)
	if err != nil || uid == 0 {
		return "", 0, fmt.Errorf("%w: malformed id %q", domain.ErrMessageNotFound, id)
	}
	return id[:i], uint32(uid), nil
}
