package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// APIError 控制 API 返回的非 2xx 响应
type APIError struct {
	Status int
	Msg    string
}

func (e *APIError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("control API returned %d", e.Status)
	}
	return fmt.Sprintf("control API returned %d: %s", e.Status, e.Msg)
}

// envelope 与服务端 httptransport.Response 对应
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client 控制 API 客户端
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 创建客户端，baseURL 形如 http://localhost:8080
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Started 发起会话的返回内容
type Started struct {
	ConversationID string `json:"conversationId"`
	EmailID        string `json:"emailId"`
	Sender         string `json:"sender"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
}

// Failed 服务端是否报告操作失败
func (s *Started) Failed() bool {
	return s.Status == "failed"
}

// LoopStatus 单个循环的运行情况
type LoopStatus struct {
	Runs      int64     `json:"runs"`
	Processed int64     `json:"processed"`
	LastRun   time.Time `json:"lastRun"`
	LastError string    `json:"lastError,omitempty"`
}

// Status 系统状态快照
type Status struct {
	Conversations            int                   `json:"conversations"`
	ConversationsWithTouches int                   `json:"conversationsWithInteractions"`
	Interactions             int                   `json:"interactions"`
	QueueDepth               int                   `json:"queueDepth"`
	NextResponseAt           *time.Time            `json:"nextResponseAt,omitempty"`
	Running                  bool                  `json:"running"`
	Loops                    map[string]LoopStatus `json:"loops"`
}

// StartConversation POST /start_conversation
func (c *Client) StartConversation(ctx context.Context, sender, subject string) (*Started, error) {
	var out Started
	err := c.do(ctx, http.MethodPost, "/start_conversation", map[string]string{
		"sender":  sender,
		"subject": subject,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SendFirstEmail POST /send_first_email
func (c *Client) SendFirstEmail(ctx context.Context, sender, subject, body string) (*Started, error) {
	var out Started
	err := c.do(ctx, http.MethodPost, "/send_first_email", map[string]string{
		"sender":  sender,
		"subject": subject,
		"body":    body,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Status GET /status
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
