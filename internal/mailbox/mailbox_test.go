package mailbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scambait/backend/internal/domain"
)

func TestLatestContent(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no quote", "  Hello there \r\n", "Hello there"},
		{"gmail quote", "Send the money.\r\nThanks\r\n\r\nOn Mon, Jan 6, 2025 at 10:00 AM James <j@x.com> wrote:\r\n> earlier", "Send the money.\nThanks"},
		{"case insensitive", "ok\non tuesday bob WROTE: old", "ok"},
		{"first marker wins", "new\nOn a wrote: mid\nOn b wrote: old", "new"},
		{"marker split across lines", "keep\nOn Monday\nsomeone wrote: x", "keep\nOn Monday\nsomeone wrote: x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LatestContent(tc.body))
		})
	}
}

func TestPersonaHTML(t *testing.T) {
	p := DefaultPersona()
	got := p.HTML("Hi <friend>\nBye", "http://track.test/abc")
	assert.Equal(t,
		`Hi &lt;friend&gt;<br>Bye<br><br>--<br>James R Dawson<br>Colorado<br><a href="http://track.test/abc" target="_blank">jdawsontech.com</a>`,
		got)
	assert.Equal(t, "a<br>b", p.HTML("a\r\nb", ""))
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Offer", ReplySubject("Offer"))
	assert.Equal(t, "RE: Offer", ReplySubject(" RE: Offer"))
	assert.Equal(t, "Re: ", ReplySubject(""))
}

func newTestComposer() *Composer {
	c := NewComposer("james@jdawsontech.com", DefaultPersona(), func(token string) string {
		return "http://track.test/" + token
	})
	c.now = func() time.Time { return time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC) }
	return c
}

func TestBuildReplyRoundTrip(t *testing.T) {
	c := newTestComposer()
	original := &domain.InboundMessage{
		From:       "bad.guy@example.com",
		Subject:    "Urgent business",
		MessageID:  "<orig@example.com>",
		References: "<first@example.com>",
	}

	out, err := c.BuildReply(original, "Sounds great.\nTell me more.", "tok123", nil)
	require.NoError(t, err)
	assert.Equal(t, "bad.guy@example.com", out.To)
	assert.Equal(t, "Re: Urgent business", out.Subject)
	assert.NotEmpty(t, out.MessageID)

	raw := string(out.Raw)
	assert.Contains(t, raw, "In-Reply-To: <orig@example.com>")
	assert.Contains(t, raw, "References: <first@example.com> <orig@example.com>")

	parsed, err := ParseEmail(out.Raw)
	require.NoError(t, err)
	assert.Equal(t, "Re: Urgent business", parsed.Subject)
	assert.Equal(t, "bad.guy@example.com", parsed.To)
	assert.Equal(t, "james@jdawsontech.com", parsed.From)
	assert.Contains(t, parsed.HTML, "Sounds great.<br>Tell me more.")
	assert.Contains(t, parsed.HTML, `href="http://track.test/tok123"`)
	assert.Equal(t, out.MessageID, parsed.MessageID)
}

func TestBuildReplyWithAttachment(t *testing.T) {
	c := newTestComposer()
	path := filepath.Join(t.TempDir(), "Invoice.html")
	require.NoError(t, os.WriteFile(path, []byte("<html>doc</html>"), 0o644))

	out, err := c.BuildReply(&domain.InboundMessage{From: "bad.guy@example.com", Subject: "Re: docs"}, "Attached.", "", &domain.Attachment{
		Path: path, Filename: "Invoice.html", ContentType: "text/html",
	})
	require.NoError(t, err)
	assert.Equal(t, "Re: docs", out.Subject)

	raw := string(out.Raw)
	assert.Contains(t, raw, "multipart/mixed")
	assert.Contains(t, raw, `filename=Invoice.html`)
	assert.NotContains(t, raw, "In-Reply-To", "no parent id, no threading headers")

	parsed, err := ParseEmail(out.Raw)
	require.NoError(t, err)
	assert.Equal(t, "Attached.", parsed.HTML, "attachment parts are skipped")
}

func TestBuildErrors(t *testing.T) {
	c := newTestComposer()
	_, err := c.BuildReply(&domain.InboundMessage{}, "x", "", nil)
	assert.Error(t, err)
	_, err = c.BuildNew(domain.OutboundMessage{Subject: "x"})
	assert.Error(t, err)
	_, err = c.BuildReply(&domain.InboundMessage{From: "a@b.c"}, "x", "", &domain.Attachment{Path: "/does/not/exist"})
	assert.Error(t, err)
}

func TestBuildNew(t *testing.T) {
	out, err := newTestComposer().BuildNew(domain.OutboundMessage{
		To: "bad.guy@example.com", Subject: "Business proposal", Body: "Hello", Token: "sig",
	})
	require.NoError(t, err)
	parsed, err := ParseEmail(out.Raw)
	require.NoError(t, err)
	assert.Equal(t, "Business proposal", parsed.Subject)
	assert.True(t, strings.HasPrefix(parsed.HTML, "Hello<br><br>--<br>"))
}

func TestParseEmail(t *testing.T) {
	raw := strings.Join([]string{
		`From: "Prince Adewale" <Prince@Example.com>`,
		"To: me@example.com",
		"Subject: =?UTF-8?B?5L2g5aW9?=",
		"Message-ID: <abc@example.com>",
		"References: <r1@example.com>",
		"Date: Mon, 06 Jan 2025 10:00:00 +0000",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Dear friend=2C",
		"",
		"On Sun, Jan 5, 2025 me wrote:",
		"> old",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Dear friend,</p>",
		"--b1--",
		"",
	}, "\r\n")

	parsed, err := ParseEmail([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "prince@example.com", parsed.From)
	assert.Equal(t, "你好", parsed.Subject)
	assert.Equal(t, "abc@example.com", parsed.MessageID)
	assert.Equal(t, "<r1@example.com>", parsed.References)
	assert.Equal(t, 2025, parsed.Date.Year())

	msg := parsed.Inbound("INBOX:7", "")
	assert.Equal(t, "INBOX:7", msg.ID)
	assert.Equal(t, "Dear friend,", msg.Latest)
	assert.Contains(t, msg.Body, "> old")
}

func TestParseEmailCharsets(t *testing.T) {
	// "中文" in GBK
	raw := "From: a@b.c\r\nSubject: x\r\nContent-Type: text/plain; charset=gbk\r\n\r\n\xd6\xd0\xce\xc4"
	parsed, err := ParseEmail([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "中文", parsed.Text)
}

func TestHTMLToText(t *testing.T) {
	assert.Equal(t, "Hello\nWorld & co", HTMLToText("<style>p{}</style><p>Hello</p><div>World &amp; co</div>"))
	assert.Equal(t, "", HTMLToText(""))

	t.Run("comments and scripts are dropped", func(t *testing.T) {
		in := `<html><head><title>ignored</title></head><body><!-- <p>hidden</p> -->` +
			`<script>if (a > b) { alert("x") }</script><p>Visible</p></body></html>`
		assert.Equal(t, "Visible", HTMLToText(in))
	})

	t.Run("attribute containing angle bracket", func(t *testing.T) {
		assert.Equal(t, "click here", HTMLToText(`<a title="a > b" href="http://x">click here</a>`))
	})

	t.Run("line breaks are preserved", func(t *testing.T) {
		assert.Equal(t, "one\ntwo\n\nthree", HTMLToText("one<br>two<br/><br><br><br>three"))
	})
}
