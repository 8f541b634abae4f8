package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"scambait/backend/internal/domain"
)

// ErrNotConfigured 未配置 API Key
var ErrNotConfigured = errors.New("generation client not configured")

const (
	answerPrompt         = "Answer the following email by outputting only the body text and not the subject: \n"
	answerAttachedPrompt = "Answer the following email by outputting only the body text and not the subject. " +
		"Mention that the requested document is attached: \n"
	fillPrompt = "Based on the following email, please output some text that is somewhat relevant in order to fill a pdf file to be sent: \n"
	namePrompt = "Based on the following email come up with a name for a PDF file, without the .pdf extension, please only output the name: \n"
)

// Options 客户端配置
type Options struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client OpenAI 兼容的 chat/completions 客户端
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient 创建生成客户端
func NewClient(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	if opts.Model == "" {
		opts.Model = "gpt-4o-mini"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		httpClient: &http.Client{Timeout: opts.Timeout},
		log:        log.Named("ai"),
	}
}

// WithHTTPClient 替换底层 HTTP 客户端
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// IsConfigured 是否已配置 API Key
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// Answer 生成普通回复正文
func (c *Client) Answer(ctx context.Context, text string) (string, error) {
	return c.complete(ctx, "answer", answerPrompt+text)
}

// AnswerWithAttachment 生成带附件说明的回复正文
func (c *Client) AnswerWithAttachment(ctx context.Context, text string) (string, error) {
	return c.complete(ctx, "answer_attached", answerAttachedPrompt+text)
}

// FillDocument 生成文档填充内容
func (c *Client) FillDocument(ctx context.Context, text string) (string, error) {
	return c.complete(ctx, "fill", fillPrompt+text)
}

// NameDocument 生成文档名称（不含扩展名）
func (c *Client) NameDocument(ctx context.Context, text string) (string, error) {
	name, err := c.complete(ctx, "name", namePrompt+text)
	if err != nil {
		return "", err
	}
	name = strings.Trim(name, "\"'` \n")
	name = strings.TrimSuffix(name, ".pdf")
	if name == "" {
		return "", fmt.Errorf("%w: empty document name", domain.ErrGenerationFailure)
	}
	return name, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// complete 发送单轮对话请求，失败或空输出统一包装为 ErrGenerationFailure
func (c *Client) complete(ctx context.Context, purpose, prompt string) (string, error) {
	if !c.IsConfigured() {
		return "", fmt.Errorf("%w: %v", domain.ErrGenerationFailure, ErrNotConfigured)
	}

	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal request: %v", domain.ErrGenerationFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGenerationFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", domain.ErrGenerationFailure, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", domain.ErrGenerationFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", domain.ErrGenerationFailure, resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("%w: parse response: %v", domain.ErrGenerationFailure, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrGenerationFailure, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", domain.ErrGenerationFailure)
	}

	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("%w: empty completion", domain.ErrGenerationFailure)
	}

	c.log.Debug("completion generated",
		zap.String("purpose", purpose),
		zap.String("model", c.model),
		zap.Int("chars", len(text)),
		zap.Duration("duration", time.Since(start)),
	)
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
