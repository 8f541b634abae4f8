package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/monitoring"
	"scambait/backend/internal/storage"
)

// ScheduleOptions 回复排期参数
type ScheduleOptions struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	WindowStart int // 允许发送的起始小时（含）
	WindowEnd   int // 允许发送的结束小时（不含）
	Location    *time.Location
}

// DefaultScheduleOptions 默认排期：180~300 分钟延迟，本地时间 9:00~20:00
func DefaultScheduleOptions() ScheduleOptions {
	return ScheduleOptions{
		MinDelay:    180 * time.Minute,
		MaxDelay:    300 * time.Minute,
		WindowStart: 9,
		WindowEnd:   20,
		Location:    time.Local,
	}
}

// ResponseScheduler 回复队列
//
// 所有修改操作在同一把锁内完成 重新加载 → 修改 → 原子写回，
// 因此外部进程直接改写队列文件也不会被覆盖。
type ResponseScheduler struct {
	store   storage.QueueStore
	opts    ScheduleOptions
	log     *zap.Logger
	metrics *monitoring.Metrics

	mu     sync.Mutex
	randMu sync.Mutex
	rand   *rand.Rand
}

// NewResponseScheduler 创建回复队列
func NewResponseScheduler(store storage.QueueStore, opts ScheduleOptions, log *zap.Logger, metrics *monitoring.Metrics) *ResponseScheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ResponseScheduler{
		store:   store,
		opts:    opts,
		log:     log.Named("scheduler"),
		metrics: metrics,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand 替换随机源（测试用）
func (s *ResponseScheduler) WithRand(r *rand.Rand) *ResponseScheduler {
	s.randMu.Lock()
	s.rand = r
	s.randMu.Unlock()
	return s
}

// Options 返回排期参数
func (s *ResponseScheduler) Options() ScheduleOptions {
	return s.opts
}

// Delay 在 [MinDelay, MaxDelay] 内按秒均匀抽取延迟
func (s *ResponseScheduler) Delay() time.Duration {
	span := int64((s.opts.MaxDelay - s.opts.MinDelay) / time.Second)

	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.opts.MinDelay + time.Duration(s.rand.Int63n(span+1))*time.Second
}

// NextResponseTime 计算给定延迟下的回复时间
func (s *ResponseScheduler) NextResponseTime(now time.Time, delay time.Duration) time.Time {
	return ApplyWindow(now.Add(delay), s.opts.WindowStart, s.opts.WindowEnd, s.opts.Location)
}

// ApplyWindow 将时间收敛到允许发送的时段
//
// 小时早于 start 时取当天 start 点整；不早于 end 时取次日 start 点整；否则原样返回。
func ApplyWindow(t time.Time, start, end int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	local := t.In(loc)
	hour := local.Hour()

	switch {
	case hour < start:
		return time.Date(local.Year(), local.Month(), local.Day(), start, 0, 0, 0, loc)
	case hour >= end:
		return time.Date(local.Year(), local.Month(), local.Day()+1, start, 0, 0, 0, loc)
	default:
		return local
	}
}

// Schedule 为邮件排期并按时间顺序写入队列
func (s *ResponseScheduler) Schedule(ctx context.Context, emailID string, now time.Time) (time.Time, error) {
	responseTime := s.NextResponseTime(now, s.Delay())

	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.store.LoadQueue(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("load queue: %w", err)
	}
	queue = domain.InsertSorted(queue, domain.QueueEntry{EmailID: emailID, ResponseTime: responseTime})
	if err := s.store.SaveQueue(ctx, queue); err != nil {
		return time.Time{}, fmt.Errorf("save queue: %w", err)
	}

	s.metrics.RecordReplyScheduled()
	s.metrics.UpdateQueueDepth(len(queue))
	s.log.Info("reply scheduled",
		zap.String("email_id", emailID),
		zap.Time("response_time", responseTime),
		zap.Int("queue_depth", len(queue)),
	)
	return responseTime, nil
}

// DequeueDue 弹出最早的到期条目，没有到期条目时返回 nil 且不修改队列
func (s *ResponseScheduler) DequeueDue(ctx context.Context, now time.Time) (*domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.store.LoadQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	if len(queue) == 0 || !queue[0].Due(now) {
		return nil, nil
	}

	entry := queue[0]
	rest := append([]domain.QueueEntry{}, queue[1:]...)
	if err := s.store.SaveQueue(ctx, rest); err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}
	s.metrics.UpdateQueueDepth(len(rest))
	return &entry, nil
}

// DequeueAllDue 一次性弹出全部到期条目，按回复时间升序返回
func (s *ResponseScheduler) DequeueAllDue(ctx context.Context, now time.Time) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.store.LoadQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	n := 0
	for n < len(queue) && queue[n].Due(now) {
		n++
	}
	if n == 0 {
		return nil, nil
	}

	due := append([]domain.QueueEntry{}, queue[:n]...)
	rest := append([]domain.QueueEntry{}, queue[n:]...)
	if err := s.store.SaveQueue(ctx, rest); err != nil {
		return nil, fmt.Errorf("save queue: %w", err)
	}
	s.metrics.UpdateQueueDepth(len(rest))
	return due, nil
}

// Restore 把未处理的条目按原回复时间放回队列
func (s *ResponseScheduler) Restore(ctx context.Context, entries []domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, err := s.store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	for _, entry := range entries {
		queue = domain.InsertSorted(queue, entry)
	}
	if err := s.store.SaveQueue(ctx, queue); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	s.metrics.UpdateQueueDepth(len(queue))
	return nil
}

// Pending 返回当前队列快照
func (s *ResponseScheduler) Pending(ctx context.Context) ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.LoadQueue(ctx)
}

// Contains 判断邮件是否已在队列中
func (s *ResponseScheduler) Contains(ctx context.Context, emailID string) (bool, error) {
	queue, err := s.Pending(ctx)
	if err != nil {
		return false, err
	}
	for _, entry := range queue {
		if entry.EmailID == emailID {
			return true, nil
		}
	}
	return false, nil
}
