package mailbox

import (
	"html"
	"strings"
)

// Persona 回复签名中使用的身份
type Persona struct {
	Name      string
	Location  string
	SiteLabel string // 链接显示文本
}

// DefaultPersona 默认签名身份
func DefaultPersona() Persona {
	return Persona{
		Name:      "James R Dawson",
		Location:  "Colorado",
		SiteLabel: "jdawsontech.com",
	}
}

// HTML 把纯文本正文转为 HTML 并附加带追踪链接的签名，link 为空时不附加签名
func (p Persona) HTML(body, link string) string {
	var b strings.Builder
	b.WriteString(FormatBody(body))
	if link == "" {
		return b.String()
	}

	label := p.SiteLabel
	if label == "" {
		label = link
	}
	b.WriteString("<br><br>--<br>")
	if p.Name != "" {
		b.WriteString(html.EscapeString(p.Name))
		b.WriteString("<br>")
	}
	if p.Location != "" {
		b.WriteString(html.EscapeString(p.Location))
		b.WriteString("<br>")
	}
	b.WriteString(`<a href="`)
	b.WriteString(html.EscapeString(link))
	b.WriteString(`" target="_blank">`)
	b.WriteString(html.EscapeString(label))
	b.WriteString("</a>")
	return b.String()
}

// FormatBody 转义正文并保留换行
func FormatBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	return strings.ReplaceAll(html.EscapeString(body), "\n", "<br>")
}
