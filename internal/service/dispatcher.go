package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/monitoring"
	"scambait/backend/internal/pool"
)

// 回复类型，用于指标与事件
const (
	replyKindPlain    = "plain"
	replyKindDocument = "document"
)

// 默认文档标题
const defaultDocumentTitle = "Information"

// stageError 标记失败发生的阶段
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func failAt(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "unknown"
}

// DispatcherDeps 派发循环依赖
type DispatcherDeps struct {
	Transport     Transport
	Generator     Generator
	Renderer      Renderer
	Conversations *ConversationService
	Tokens        *TokenRegistry
	Scheduler     *ResponseScheduler
	Policy        *EscalationPolicy
	Pool          *pool.WorkerPool
	Limiter       *rate.Limiter
	SelfAddress   string
	TrackingURL   func(token string) string
	Log           *zap.Logger
	Metrics       *monitoring.Metrics
	Events        EventPublisher
}

// Dispatcher 派发循环：取出到期条目，生成并发送回复
//
// 发送失败只记录日志，条目不会重新入队。
type Dispatcher struct {
	DispatcherDeps
	now func() time.Time
}

// NewDispatcher 创建派发循环
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	deps.Log = deps.Log.Named("dispatcher")
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	if deps.SelfAddress == "" {
		deps.SelfAddress = "me"
	}
	if deps.TrackingURL == nil {
		deps.TrackingURL = func(token string) string { return token }
	}
	return &Dispatcher{DispatcherDeps: deps, now: time.Now}
}

// Tick 执行一轮派发，返回成功发送的回复数
//
// 到期条目提交到协程池并发处理，本轮全部完成后才返回。
// ctx 结束时尚未开始发送的条目放回队列，等待下次启动。
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	due, err := d.Scheduler.DequeueAllDue(ctx, d.now())
	if err != nil {
		d.Metrics.RecordError("storage", "dispatcher")
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	d.Log.Info("dispatching due replies", zap.Int("count", len(due)))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sent    int
		aborted []domain.QueueEntry
	)
	settle := func(entry domain.QueueEntry, err error) {
		if interrupted(ctx, err) {
			mu.Lock()
			aborted = append(aborted, entry)
			mu.Unlock()
			return
		}
		d.fail(entry, err)
	}
	for _, entry := range due {
		entry := entry
		task := func() {
			defer wg.Done()
			if err := d.Dispatch(ctx, entry); err != nil {
				settle(entry, err)
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
		}

		wg.Add(1)
		if d.Pool == nil {
			task()
			continue
		}
		if err := d.Pool.Submit(ctx, task); err != nil {
			wg.Done()
			settle(entry, failAt("submit", err))
		}
	}
	wg.Wait()

	if len(aborted) > 0 {
		if err := d.Scheduler.Restore(context.WithoutCancel(ctx), aborted); err != nil {
			d.Log.Error("failed to restore interrupted replies", zap.Int("count", len(aborted)), zap.Error(err))
			for _, entry := range aborted {
				d.fail(entry, failAt("restore", err))
			}
		} else {
			d.Log.Info("interrupted replies returned to queue", zap.Int("count", len(aborted)))
		}
	}
	return sent, nil
}

// interrupted 判断失败是否只因 ctx 结束且发生在生成与发送之前
func interrupted(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	switch stageOf(err) {
	case "cancelled", "submit", "rate_limit", "fetch":
		return true
	}
	return false
}

// Dispatch 处理单个到期条目
func (d *Dispatcher) Dispatch(ctx context.Context, entry domain.QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return failAt("cancelled", err)
	}
	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return failAt("rate_limit", err)
		}
	}

	msg, err := d.Transport.GetMessage(ctx, entry.EmailID)
	if err != nil {
		return failAt("fetch", err)
	}

	convID, err := d.Conversations.GetOrCreate(ctx, msg.From)
	if err != nil {
		return failAt("conversation", err)
	}
	length, err := d.Conversations.Length(ctx, convID)
	if err != nil {
		return failAt("conversation", err)
	}

	text := msg.Text()
	var (
		body string
		kind string
	)
	if d.Policy.ShouldEscalate(length, text) {
		d.Metrics.RecordEscalation()
		d.Events.Publish(domain.Event{
			Type:           domain.EventEscalated,
			ConversationID: convID,
			Data:           map[string]interface{}{"email_id": entry.EmailID},
			Timestamp:      d.now(),
		})

		body, err = d.replyWithDocument(ctx, convID, msg)
		if err == nil {
			kind = replyKindDocument
		} else if stageOf(err) == "send" {
			return err
		} else {
			// 文档生成失败时退回普通回复
			d.Log.Warn("document reply failed, falling back to plain reply",
				zap.String("conversation_id", convID),
				zap.String("stage", stageOf(err)),
				zap.Error(err),
			)
			d.Metrics.RecordDispatchFailure(stageOf(err))
		}
	}
	if kind == "" {
		body, err = d.replyPlain(ctx, convID, msg)
		if err != nil {
			return err
		}
		kind = replyKindPlain
	}

	now := d.now()
	if err := d.Conversations.Append(ctx, convID, d.SelfAddress, body, now); err != nil {
		// 回复已发出，只是没能记入会话
		d.Log.Error("reply sent but not recorded",
			zap.String("conversation_id", convID),
			zap.String("email_id", entry.EmailID),
			zap.Error(err),
		)
	}

	d.Metrics.RecordReplySent(kind)
	d.Events.Publish(domain.Event{
		Type:           domain.EventReplySent,
		ConversationID: convID,
		Data: map[string]interface{}{
			"email_id": entry.EmailID,
			"kind":     kind,
		},
		Timestamp: now,
	})
	d.Log.Info("reply sent",
		zap.String("conversation_id", convID),
		zap.String("email_id", entry.EmailID),
		zap.String("kind", kind),
	)
	return nil
}

// replyPlain 生成普通回复，签名中带追踪链接
func (d *Dispatcher) replyPlain(ctx context.Context, convID string, msg *domain.InboundMessage) (string, error) {
	body, err := d.Generator.Answer(ctx, msg.Text())
	if err != nil {
		return "", failAt("generate", err)
	}
	if strings.TrimSpace(body) == "" {
		return "", failAt("generate", domain.ErrGenerationFailure)
	}

	token, err := d.Tokens.EnsureSignature(ctx, convID)
	if err != nil {
		// 没有签名令牌依然可以回复
		d.Log.Warn("failed to issue signature token", zap.String("conversation_id", convID), zap.Error(err))
		token = ""
	}

	if _, err := d.Transport.Reply(ctx, msg, body, token); err != nil {
		return "", failAt("send", err)
	}
	return body, nil
}

// replyWithDocument 先签发文档令牌，再生成并渲染文档，最后附件回复
func (d *Dispatcher) replyWithDocument(ctx context.Context, convID string, msg *domain.InboundMessage) (string, error) {
	text := msg.Text()

	token, err := d.Tokens.IssueFor(ctx, convID)
	if err != nil {
		return "", failAt("token", err)
	}

	name, err := d.Generator.NameDocument(ctx, text)
	if err != nil || strings.TrimSpace(name) == "" {
		name = domain.DefaultDocumentName
	}

	filling, err := d.Generator.FillDocument(ctx, text)
	if err != nil {
		return "", failAt("fill", err)
	}
	if strings.TrimSpace(filling) == "" {
		return "", failAt("fill", domain.ErrGenerationFailure)
	}

	attachment, err := d.Renderer.Render(ctx, domain.Document{
		Token:       token,
		TrackingURL: d.TrackingURL(token),
		Name:        strings.TrimSpace(name),
		Title:       defaultDocumentTitle,
		Body:        filling,
	})
	if err != nil {
		return "", failAt("render", err)
	}

	body, err := d.Generator.AnswerWithAttachment(ctx, text)
	if err != nil {
		return "", failAt("generate", err)
	}
	if strings.TrimSpace(body) == "" {
		return "", failAt("generate", domain.ErrGenerationFailure)
	}

	signature := ""
	if conv, err := d.Conversations.Get(ctx, convID); err == nil {
		signature = conv.SignatureID
	}

	if _, err := d.Transport.ReplyWithAttachment(ctx, msg, body, attachment, signature); err != nil {
		return "", failAt("send", err)
	}
	return body, nil
}

// fail 记录失败，条目被丢弃
func (d *Dispatcher) fail(entry domain.QueueEntry, err error) {
	stage := stageOf(err)
	d.Metrics.RecordDispatchFailure(stage)
	d.Events.Publish(domain.Event{
		Type: domain.EventReplyFailed,
		Data: map[string]interface{}{
			"email_id": entry.EmailID,
			"stage":    stage,
			"error":    err.Error(),
		},
		Timestamp: d.now(),
	})
	d.Log.Error("reply dropped",
		zap.String("email_id", entry.EmailID),
		zap.String("stage", stage),
		zap.Error(err),
	)
}

