package mailbox

import (
	"regexp"
	"strings"
)

// quoteMarker 匹配 "On <date>, <name> wrote:" 形式的引用起点，不跨行
var quoteMarker = regexp.MustCompile(`(?i)On\s.*?wrote:`)

// LatestContent 去掉引用的历史邮件，只保留最新写入的内容
func LatestContent(body string) string {
	latest := body
	if loc := quoteMarker.FindStringIndex(body); loc != nil {
		latest = body[:loc[0]]
	}
	latest = strings.TrimSpace(latest)
	return strings.ReplaceAll(latest, "\r\n", "\n")
}
