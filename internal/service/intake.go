package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"scambait/backend/internal/cache"
	"scambait/backend/internal/domain"
	"scambait/backend/internal/monitoring"
)

// Intake 收件循环：拉取未读邮件，记入会话并排期回复
//
// 邮件在回复时才标记已读，因此同一封未读邮件会在多次拉取中重复出现。
// seen 缓存与队列中已有的 ID 做快速去重，会话记录中的邮件 ID 保证重启后
// 也不会重复记入。
type Intake struct {
	transport     Transport
	conversations *ConversationService
	scheduler     *ResponseScheduler
	seen          *cache.LocalCache
	seenTTL       time.Duration
	log           *zap.Logger
	metrics       *monitoring.Metrics
	events        EventPublisher
	now           func() time.Time
}

// NewIntake 创建收件循环
func NewIntake(transport Transport, conversations *ConversationService, scheduler *ResponseScheduler, seen *cache.LocalCache, seenTTL time.Duration, log *zap.Logger, metrics *monitoring.Metrics, events EventPublisher) *Intake {
	if seen == nil {
		seen = cache.NewLocalCache(10000, seenTTL)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &Intake{
		transport:     transport,
		conversations: conversations,
		scheduler:     scheduler,
		seen:          seen,
		seenTTL:       seenTTL,
		log:           log.Named("intake"),
		metrics:       metrics,
		events:        events,
		now:           time.Now,
	}
}

// Tick 执行一轮收件，返回新排期的邮件数
func (i *Intake) Tick(ctx context.Context) (int, error) {
	messages, err := i.transport.ListUnread(ctx)
	if err != nil {
		i.metrics.RecordError("transport", "intake")
		return 0, fmt.Errorf("list unread: %w", err)
	}
	if len(messages) == 0 {
		return 0, nil
	}

	queued, err := i.queuedIDs(ctx)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for idx := range messages {
		if ctx.Err() != nil {
			return scheduled, ctx.Err()
		}
		msg := &messages[idx]
		if msg.ID == "" || i.seen.Has(msg.ID) {
			continue
		}
		if _, ok := queued[msg.ID]; ok {
			i.seen.Set(msg.ID, true, i.seenTTL)
			continue
		}
		taken, err := i.process(ctx, msg)
		if err != nil {
			i.log.Error("failed to take inbound message",
				zap.String("email_id", msg.ID),
				zap.String("from", msg.From),
				zap.Error(err),
			)
			continue
		}
		if taken {
			scheduled++
		}
	}
	return scheduled, nil
}

// process 记入会话后排期，邮件已在会话中时返回 false
func (i *Intake) process(ctx context.Context, msg *domain.InboundMessage) (bool, error) {
	now := i.now()
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	convID, err := i.conversations.GetOrCreate(ctx, msg.From)
	if err != nil {
		return false, fmt.Errorf("resolve conversation: %w", err)
	}
	appended, err := i.conversations.AppendInbound(ctx, convID, msg, receivedAt)
	if err != nil {
		return false, fmt.Errorf("append inbound: %w", err)
	}
	i.seen.Set(msg.ID, true, i.seenTTL)
	if !appended {
		i.log.Debug("inbound message already logged",
			zap.String("email_id", msg.ID),
			zap.String("conversation_id", convID),
		)
		return false, nil
	}
	i.metrics.RecordMessageReceived()
	i.events.Publish(domain.Event{
		Type:           domain.EventMessageReceived,
		ConversationID: convID,
		Data: map[string]interface{}{
			"email_id": msg.ID,
			"subject":  msg.Subject,
		},
		Timestamp: now,
	})

	responseTime, err := i.scheduler.Schedule(ctx, msg.ID, now)
	if err != nil {
		// 消息已记入会话，排期失败只能等待人工处理
		i.events.Publish(domain.Event{
			Type:           domain.EventReplyFailed,
			ConversationID: convID,
			Data:           map[string]interface{}{"email_id": msg.ID, "stage": "schedule"},
			Timestamp:      now,
		})
		return false, fmt.Errorf("schedule reply: %w", err)
	}

	i.events.Publish(domain.Event{
		Type:           domain.EventReplyScheduled,
		ConversationID: convID,
		Data: map[string]interface{}{
			"email_id":      msg.ID,
			"response_time": responseTime,
		},
		Timestamp: now,
	})
	return true, nil
}

func (i *Intake) queuedIDs(ctx context.Context) (map[string]struct{}, error) {
	pending, err := i.scheduler.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	ids := make(map[string]struct{}, len(pending))
	for _, entry := range pending {
		ids[entry.EmailID] = struct{}{}
	}
	return ids, nil
}
