package render

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/storage/filesystem"
)

const (
	defaultTitle = "Information"
	contentType  = "text/html"
)

var documentTemplate = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<meta name="document-id" content="{{.Token}}">
<link rel="prefetch" href="{{.TrackingURL}}">
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Subtitle}}<h2>{{.Subtitle}}</h2>
{{end}}{{if .Section}}<h3>{{.Section}}</h3>
{{end}}<div class="content">
{{.Content}}
</div>
<p class="footer"><a href="{{.TrackingURL}}">View the online version</a></p>
<img src="{{.TrackingURL}}" width="1" height="1" alt="">
</body>
</html>
`))

type templateData struct {
	Token       string
	TrackingURL string
	Title       string
	Subtitle    string
	Section     string
	Content     template.HTML
}

// Renderer 把文档渲染为 HTML 文件，追踪地址嵌入页脚链接和像素
type Renderer struct {
	outputDir string
	markdown  goldmark.Markdown
	utils     *filesystem.PlatformUtils
	log       *zap.Logger
}

// NewRenderer 创建渲染器，outputDir 不存在时自动创建
func NewRenderer(outputDir string, log *zap.Logger) (*Renderer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Renderer{
		outputDir: outputDir,
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		utils:     filesystem.NewPlatformUtils(),
		log:       log.Named("render"),
	}, nil
}

// Render 渲染文档并写入 <outputDir>/<token>/<name>.html
func (r *Renderer) Render(ctx context.Context, doc domain.Document) (*domain.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !domain.LooksLikeToken(doc.Token) {
		return nil, fmt.Errorf("render: invalid token %q", doc.Token)
	}
	if doc.TrackingURL == "" {
		return nil, fmt.Errorf("render: tracking url is required")
	}

	var content bytes.Buffer
	if err := r.markdown.Convert([]byte(doc.Body), &content); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	title := strings.TrimSpace(doc.Title)
	if title == "" {
		title = defaultTitle
	}

	var page bytes.Buffer
	if err := documentTemplate.Execute(&page, templateData{
		Token:       doc.Token,
		TrackingURL: doc.TrackingURL,
		Title:       title,
		Subtitle:    doc.Subtitle,
		Section:     doc.Section,
		Content:     template.HTML(content.String()),
	}); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}

	filename := r.Filename(doc.Name)
	dir := filepath.Join(r.outputDir, doc.Token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	path := filepath.Join(dir, filename)
	if err := r.utils.WriteFileAtomic(path, page.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write document: %w", err)
	}

	r.log.Info("document rendered",
		zap.String("token", doc.Token),
		zap.String("filename", filename),
		zap.Int("bytes", page.Len()),
	)

	return &domain.Attachment{
		Path:        path,
		Filename:    filename,
		ContentType: contentType,
	}, nil
}

// Filename 清理生成的名称并补上 .html 扩展名
func (r *Renderer) Filename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".pdf")
	name = strings.TrimSuffix(name, ".html")
	if name == "" {
		name = domain.DefaultDocumentName
	}
	clean := r.utils.SanitizeFilename(name)
	if clean == "unnamed" {
		clean = domain.DefaultDocumentName
	}
	return clean + ".html"
}
