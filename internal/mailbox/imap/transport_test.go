package imap

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/mailbox"
)

// captureBackend 记录收到的邮件，只用于测试
type captureBackend struct {
	mu       sync.Mutex
	messages []captured
}

type captured struct {
	from string
	to   []string
	data []byte
}

func (b *captureBackend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	return &captureSession{backend: b}, nil
}

func (b *captureBackend) all() []captured {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]captured(nil), b.messages...)
}

type captureSession struct {
	backend *captureBackend
	from    string
	to      []string
}

func (s *captureSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *captureSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *captureSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, captured{from: s.from, to: s.to, data: data})
	return nil
}

func (s *captureSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *captureSession) Logout() error { return nil }

func startSMTP(t *testing.T) (string, *captureBackend) {
	t.Helper()
	be := &captureBackend{}
	s := gosmtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().String(), be
}

func startIMAP(t *testing.T) string {
	t.Helper()
	s := server.New(memory.New())
	s.AllowInsecureAuth = true
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() { _ = s.Close() })
	return l.Addr().String()
}

// seedIMAP 通过 APPEND 写入未读邮件
func seedIMAP(t *testing.T, addr, box string, create bool, messages ...string) {
	t.Helper()
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Logout()
	require.NoError(t, c.Login("username", "password"))
	if create {
		require.NoError(t, c.Create(box))
	}
	for _, m := range messages {
		require.NoError(t, c.Append(box, nil, time.Now(), bytes.NewBufferString(m)))
	}
}

func rawMail(from, subject, messageID, body string) string {
	return strings.Join([]string{
		"From: " + from,
		"To: me@example.com",
		"Subject: " + subject,
		"Message-ID: <" + messageID + ">",
		"Date: Mon, 06 Jan 2025 10:00:00 +0000",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
}

func newTestTransport(imapAddr, smtpAddr string, includeSpam bool) *Transport {
	composer := mailbox.NewComposer("james@jdawsontech.com", mailbox.DefaultPersona(), func(token string) string {
		return "http://track.test/" + token
	})
	return NewTransport(Config{
		IMAPAddress: imapAddr,
		Username:    "username",
		Password:    "password",
		Mailbox:     "INBOX",
		SpamMailbox: "Junk",
		IncludeSpam: includeSpam,
		SMTPAddress: smtpAddr,
		From:        "james@jdawsontech.com",
		Timeout:     5 * time.Second,
	}, composer, nil)
}

func fromIndex(msgs []domain.InboundMessage) map[string]domain.InboundMessage {
	idx := make(map[string]domain.InboundMessage, len(msgs))
	for _, m := range msgs {
		idx[m.From] = m
	}
	return idx
}

func TestIDCodec(t *testing.T) {
	assert.Equal(t, "INBOX:42", FormatID("INBOX", 42))

	box, uid, err := ParseID("[Gmail]/Spam:Old:7")
	require.NoError(t, err)
	assert.Equal(t, "[Gmail]/Spam:Old", box)
	assert.Equal(t, uint32(7), uid)

	for _, bad := range []string{"", "INBOX", ":7", "INBOX:", "INBOX:x", "INBOX:0"} {
		_, _, err := ParseID(bad)
		assert.ErrorIs(t, err, domain.ErrMessageNotFound, bad)
	}
}

func TestTransportInboundFlow(t *testing.T) {
	ctx := context.Background()
	imapAddr := startIMAP(t)
	smtpAddr, smtpBackend := startSMTP(t)

	seedIMAP(t, imapAddr, "INBOX", false,
		rawMail("Prince <prince@example.com>", "Inheritance", "m1@example.com",
			"Dear friend\r\n\r\nOn Sun, Jan 5, 2025 me wrote:\r\n> old"),
	)
	seedIMAP(t, imapAddr, "Junk", true,
		rawMail("lottery@example.com", "You won", "m2@example.com", "Claim now"),
	)

	tr := newTestTransport(imapAddr, smtpAddr, true)

	unread, err := tr.ListUnread(ctx)
	require.NoError(t, err)
	senders := fromIndex(unread)
	require.Contains(t, senders, "prince@example.com")
	require.Contains(t, senders, "lottery@example.com", "spam folder is included")

	inbox := senders["prince@example.com"]
	assert.True(t, strings.HasPrefix(inbox.ID, "INBOX:"))
	assert.Equal(t, "Dear friend", inbox.Latest)
	assert.Equal(t, "m1@example.com", inbox.MessageID)

	t.Run("find by sender and subject", func(t *testing.T) {
		id, err := tr.FindMessage(ctx, "prince@example.com", "Inheritance")
		require.NoError(t, err)
		assert.Equal(t, inbox.ID, id)

		_, err = tr.FindMessage(ctx, "nobody@example.com", "Inheritance")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})

	t.Run("reply marks the original read first", func(t *testing.T) {
		msg, err := tr.GetMessage(ctx, inbox.ID)
		require.NoError(t, err)

		res, err := tr.Reply(ctx, msg, "Tell me more.", "tok")
		require.NoError(t, err)
		assert.NotEmpty(t, res.ID)

		sent := smtpBackend.all()
		require.Len(t, sent, 1)
		assert.Equal(t, "james@jdawsontech.com", sent[0].from)
		assert.Equal(t, []string{"prince@example.com"}, sent[0].to)

		parsed, err := mailbox.ParseEmail(sent[0].data)
		require.NoError(t, err)
		assert.Equal(t, "Re: Inheritance", parsed.Subject)
		assert.Contains(t, parsed.HTML, "http://track.test/tok")
		assert.Contains(t, string(sent[0].data), "In-Reply-To: <m1@example.com>")

		unread, err := tr.ListUnread(ctx)
		require.NoError(t, err)
		assert.NotContains(t, fromIndex(unread), "prince@example.com")
	})

	t.Run("message not found", func(t *testing.T) {
		_, err := tr.GetMessage(ctx, "INBOX:999")
		assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	})
}

func TestTransportWithoutSpam(t *testing.T) {
	imapAddr := startIMAP(t)
	seedIMAP(t, imapAddr, "Junk", true, rawMail("lottery@example.com", "You won", "m2@example.com", "Claim"))

	unread, err := newTestTransport(imapAddr, "", false).ListUnread(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, fromIndex(unread), "lottery@example.com")
}

func TestReplyAbortsWhenMarkReadFails(t *testing.T) {
	smtpAddr, smtpBackend := startSMTP(t)
	tr := newTestTransport("127.0.0.1:1", smtpAddr, false)

	_, err := tr.Reply(context.Background(), &domain.InboundMessage{ID: "INBOX:1", From: "a@example.com"}, "hi", "")
	assert.ErrorIs(t, err, domain.ErrTransportFailure)
	assert.Empty(t, smtpBackend.all(), "nothing is sent when the original cannot be marked read")
}

func TestSend(t *testing.T) {
	smtpAddr, smtpBackend := startSMTP(t)
	tr := newTestTransport("127.0.0.1:1", smtpAddr, false)

	res, err := tr.Send(context.Background(), domain.OutboundMessage{
		To: "bad.guy@example.com", Subject: "Business proposal", Body: "Hello", Token: "sig",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)

	sent := smtpBackend.all()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"bad.guy@example.com"}, sent[0].to)
}

func TestSendFailure(t *testing.T) {
	tr := newTestTransport("127.0.0.1:1", "127.0.0.1:1", false)
	_, err := tr.Send(context.Background(), domain.OutboundMessage{To: "a@example.com", Subject: "x", Body: "y"})
	assert.ErrorIs(t, err, domain.ErrTransportFailure)
}
