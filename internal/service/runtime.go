package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"scambait/backend/internal/cache"
	"scambait/backend/internal/config"
	"scambait/backend/internal/monitoring"
	"scambait/backend/internal/pool"
	"scambait/backend/internal/storage"
)

// RuntimeDeps 运行时依赖，由 cmd/server 在启动时构造
type RuntimeDeps struct {
	Config    *config.Config
	Log       *zap.Logger
	Metrics   *monitoring.Metrics
	Store     storage.Store
	Queue     storage.QueueStore
	Transport Transport
	Generator Generator
	Renderer  Renderer
	Detector  TriggerDetector
	Events    EventPublisher
	// SelfAddress 出站消息在会话中记录的发件人
	SelfAddress string
}

// Runtime 进程级上下文，启动时构造一次后传给各组件
type Runtime struct {
	Config        *config.Config
	Log           *zap.Logger
	Metrics       *monitoring.Metrics
	Store         storage.Store
	Queue         storage.QueueStore
	Conversations *ConversationService
	Tokens        *TokenRegistry
	Scheduler     *ResponseScheduler
	Policy        *EscalationPolicy
	Intake        *Intake
	Dispatcher    *Dispatcher
	Orchestrator  *Orchestrator
	Control       *ControlService

	seen *cache.LocalCache
	pool *pool.WorkerPool
}

// NewRuntime 组装全部服务
func NewRuntime(deps RuntimeDeps) (*Runtime, error) {
	if deps.Config == nil {
		return nil, errors.New("runtime: config is required")
	}
	if deps.Store == nil || deps.Queue == nil {
		return nil, errors.New("runtime: store and queue are required")
	}
	if deps.Transport == nil || deps.Generator == nil || deps.Renderer == nil {
		return nil, errors.New("runtime: transport, generator and renderer are required")
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Events == nil {
		deps.Events = nopPublisher{}
	}
	cfg := deps.Config

	conversations := NewConversationService(deps.Store, deps.Log, deps.Metrics, deps.Events)
	tokens := NewTokenRegistry(conversations, deps.Log, deps.Metrics, deps.Events)
	scheduler := NewResponseScheduler(deps.Queue, ScheduleOptions{
		MinDelay:    cfg.Schedule.MinDelay,
		MaxDelay:    cfg.Schedule.MaxDelay,
		WindowStart: cfg.Schedule.WindowStart,
		WindowEnd:   cfg.Schedule.WindowEnd,
		Location:    cfg.Schedule.Location,
	}, deps.Log, deps.Metrics)
	policy := NewEscalationPolicy(cfg.Escalation.MinMessages, deps.Detector)

	seen := cache.NewLocalCache(10000, cfg.Loops.DedupeTTL)
	intake := NewIntake(deps.Transport, conversations, scheduler, seen, cfg.Loops.DedupeTTL, deps.Log, deps.Metrics, deps.Events)

	workers := pool.NewWorkerPool(cfg.Loops.DispatchWorkers, cfg.Loops.DispatchWorkers*2, deps.Log.Named("pool"))
	workers.OnPanic(deps.Metrics.RecordPanic)

	dispatcher := NewDispatcher(DispatcherDeps{
		Transport:     deps.Transport,
		Generator:     deps.Generator,
		Renderer:      deps.Renderer,
		Conversations: conversations,
		Tokens:        tokens,
		Scheduler:     scheduler,
		Policy:        policy,
		Pool:          workers,
		Limiter:       sendLimiter(cfg.Loops.SendRatePerMinute),
		SelfAddress:   deps.SelfAddress,
		TrackingURL:   cfg.TrackingURL,
		Log:           deps.Log,
		Metrics:       deps.Metrics,
		Events:        deps.Events,
	})

	orchestrator := NewOrchestrator(intake, dispatcher, cfg.Loops.IntakeInterval, cfg.Loops.DispatchInterval, deps.Log, deps.Metrics)
	control := NewControlService(deps.Transport, deps.Generator, conversations, tokens, scheduler, orchestrator, deps.SelfAddress, deps.Log)

	return &Runtime{
		Config:        cfg,
		Log:           deps.Log,
		Metrics:       deps.Metrics,
		Store:         deps.Store,
		Queue:         deps.Queue,
		Conversations: conversations,
		Tokens:        tokens,
		Scheduler:     scheduler,
		Policy:        policy,
		Intake:        intake,
		Dispatcher:    dispatcher,
		Orchestrator:  orchestrator,
		Control:       control,
		seen:          seen,
		pool:          workers,
	}, nil
}

// Prepare 启动前检查：重建令牌索引并校验队列可读
func (r *Runtime) Prepare(ctx context.Context) error {
	if _, err := r.Conversations.RebuildTokenIndex(ctx); err != nil {
		return fmt.Errorf("rebuild token index: %w", err)
	}
	pending, err := r.Scheduler.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	r.Metrics.UpdateQueueDepth(len(pending))
	if convs, err := r.Conversations.List(ctx); err == nil {
		r.Log.Info("runtime prepared",
			zap.Int("conversations", len(convs)),
			zap.Int("queue_depth", len(pending)),
		)
	}
	return nil
}

// Run 启动协程池、去重缓存清理与两个循环，阻塞到 ctx 结束
func (r *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.pool.Start()
	defer r.pool.Stop()

	go r.seen.Run(ctx, cacheCleanupInterval(r.Config))

	return r.Orchestrator.Run(ctx)
}

// Stop 通知循环退出
func (r *Runtime) Stop() {
	r.Orchestrator.Stop()
}

// sendLimiter 每分钟最多 perMinute 次发送，<= 0 时不限速
func sendLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), int(math.Max(1, float64(perMinute)/6)))
}

func cacheCleanupInterval(cfg *config.Config) time.Duration {
	if cfg.Loops.IntakeInterval > 0 {
		return cfg.Loops.IntakeInterval * 10
	}
	return 10 * time.Minute
}
