package domain

// Document 描述一份待渲染的追踪文档
type Document struct {
	Token       string // 嵌入文档的令牌
	TrackingURL string // 完整追踪地址
	Name        string // 不含扩展名的文件名
	Title       string
	Subtitle    string
	Section     string // 正文前的小节标题
	Body        string // 正文，按 Markdown 渲染
}

// DefaultDocumentName 生成的文件名为空时使用的名称
const DefaultDocumentName = "info"
