package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"

	"scambait/backend/internal/domain"
)

func init() {
	message.CharsetReader = charsetReader
}

// ParsedEmail 解析后的邮件内容
type ParsedEmail struct {
	MessageID  string
	References string
	From       string
	To         string
	Subject    string
	Date       time.Time
	Text       string
	HTML       string
}

// Body 优先返回纯文本正文，否则返回去除标签后的 HTML
func (p *ParsedEmail) Body() string {
	if strings.TrimSpace(p.Text) != "" {
		return p.Text
	}
	return HTMLToText(p.HTML)
}

// Inbound 转换为通道无关的入站消息
func (p *ParsedEmail) Inbound(id, threadID string) domain.InboundMessage {
	body := p.Body()
	return domain.InboundMessage{
		ID:         id,
		ThreadID:   threadID,
		MessageID:  p.MessageID,
		References: p.References,
		From:       p.From,
		To:         p.To,
		Subject:    p.Subject,
		Body:       body,
		Latest:     LatestContent(body),
		ReceivedAt: p.Date,
	}
}

// ParseEmail 解析原始邮件，提取头部与第一个文本和 HTML 正文，附件忽略
func ParseEmail(raw []byte) (*ParsedEmail, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	parsed := &ParsedEmail{
		References: strings.TrimSpace(h.Get("References")),
	}
	parsed.Subject, _ = h.Subject()
	parsed.MessageID, _ = h.MessageID()
	parsed.Date, _ = h.Date()
	parsed.From = firstAddress(h, "From")
	parsed.To = firstAddress(h, "To")

	walkErr := entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
				return nil
			}
			return err
		}
		mediaType, _, _ := part.Header.ContentType()
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}
		if disp, _, _ := part.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}

		switch {
		case mediaType == "text/html":
			if parsed.HTML == "" {
				body, _ := io.ReadAll(part.Body)
				parsed.HTML = string(body)
			}
		case mediaType == "text/plain" || mediaType == "":
			if parsed.Text == "" {
				body, _ := io.ReadAll(part.Body)
				parsed.Text = string(body)
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk mail: %w", walkErr)
	}

	return parsed, nil
}

func firstAddress(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err == nil && len(list) > 0 {
		return strings.ToLower(list[0].Address)
	}
	return strings.TrimSpace(h.Get(key))
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// HTMLToText 把 HTML 正文粗略转为纯文本，保留换行
func HTMLToText(s string) string {
	if s == "" {
		return ""
	}

	var (
		b    strings.Builder
		skip int // 位于 style/script/head 内部的深度
	)
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			out := strings.ReplaceAll(b.String(), "\r\n", "\n")
			out = blankRuns.ReplaceAllString(out, "\n\n")
			return strings.TrimSpace(out)
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "style", "script", "head":
				if tt == html.StartTagToken {
					skip++
				}
			case "br":
				if skip == 0 {
					b.WriteByte('\n')
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "style", "script", "head":
				if skip > 0 {
					skip--
				}
			case "p", "div", "tr", "li", "h1", "h2", "h3", "h4", "h5", "h6":
				if skip == 0 {
					b.WriteByte('\n')
				}
			}
		}
	}
}

// charsetReader 先尝试常见东亚字符集，其余交给 go-message/charset
func charsetReader(name string, input io.Reader) (io.Reader, error) {
	if enc := getCharsetEncoding(strings.ToLower(strings.TrimSpace(name))); enc != nil {
		return enc.NewDecoder().Reader(input), nil
	}
	return charset.Reader(name, input)
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(name string) encoding.Encoding {
	switch name {
	case "gb2312", "gbk":
		return simplifiedchinese.GBK
	case "gb18030":
		return simplifiedchinese.GB18030
	case "big5":
		return traditionalchinese.Big5
	case "shift_jis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}
