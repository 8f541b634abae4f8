package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scambait/backend/internal/monitoring"
)

// 循环名称
const (
	LoopIntake     = "intake"
	LoopDispatcher = "dispatcher"
)

// LoopStatus 单个后台循环的运行状态
type LoopStatus struct {
	Interval  time.Duration `json:"interval"`
	LastRun   time.Time     `json:"lastRun,omitempty"`
	LastError string        `json:"lastError,omitempty"`
	Runs      int64         `json:"runs"`
	Processed int64         `json:"processed"`
}

// ticker 一轮循环的执行函数，返回本轮处理的数量
type ticker interface {
	Tick(ctx context.Context) (int, error)
}

// Orchestrator 统一驱动收件与派发两个循环
//
// Run 启动后立即各执行一轮，之后按各自间隔执行；Stop 或 ctx 结束时退出。
type Orchestrator struct {
	intake        ticker
	dispatcher    ticker
	intakeEvery   time.Duration
	dispatchEvery time.Duration
	log           *zap.Logger
	metrics       *monitoring.Metrics

	mu      sync.RWMutex
	status  map[string]*LoopStatus
	cancel  context.CancelFunc
	running bool
}

// NewOrchestrator 创建调度器
func NewOrchestrator(intake *Intake, dispatcher *Dispatcher, intakeEvery, dispatchEvery time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *Orchestrator {
	var in, out ticker
	if intake != nil {
		in = intake
	}
	if dispatcher != nil {
		out = dispatcher
	}
	return newOrchestrator(in, out, intakeEvery, dispatchEvery, log, metrics)
}

func newOrchestrator(intake, dispatcher ticker, intakeEvery, dispatchEvery time.Duration, log *zap.Logger, metrics *monitoring.Metrics) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if intakeEvery <= 0 {
		intakeEvery = time.Minute
	}
	if dispatchEvery <= 0 {
		dispatchEvery = 30 * time.Second
	}
	return &Orchestrator{
		intake:        intake,
		dispatcher:    dispatcher,
		intakeEvery:   intakeEvery,
		dispatchEvery: dispatchEvery,
		log:           log.Named("orchestrator"),
		metrics:       metrics,
		status: map[string]*LoopStatus{
			LoopIntake:     {Interval: intakeEvery},
			LoopDispatcher: {Interval: dispatchEvery},
		},
	}
}

// Run 运行两个循环直到 ctx 结束或调用 Stop
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		cancel()
		return errors.New("orchestrator already running")
	}
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	o.log.Info("orchestrator started",
		zap.Duration("intake_interval", o.intakeEvery),
		zap.Duration("dispatch_interval", o.dispatchEvery),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.loop(gctx, LoopIntake, o.intakeEvery, o.intake) })
	g.Go(func() error { return o.loop(gctx, LoopDispatcher, o.dispatchEvery, o.dispatcher) })

	err := g.Wait()
	o.log.Info("orchestrator stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop 通知循环退出，不等待进行中的发送
func (o *Orchestrator) Stop() {
	o.mu.RLock()
	cancel := o.cancel
	o.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Running 是否正在运行
func (o *Orchestrator) Running() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// Status 返回各循环状态快照
func (o *Orchestrator) Status() map[string]LoopStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]LoopStatus, len(o.status))
	for name, st := range o.status {
		out[name] = *st
	}
	return out
}

// RunOnce 立即执行一轮指定循环
func (o *Orchestrator) RunOnce(ctx context.Context, name string) (int, error) {
	switch name {
	case LoopIntake:
		return o.tick(ctx, LoopIntake, o.intake)
	case LoopDispatcher:
		return o.tick(ctx, LoopDispatcher, o.dispatcher)
	}
	return 0, errors.New("unknown loop: " + name)
}

func (o *Orchestrator) loop(ctx context.Context, name string, every time.Duration, t ticker) error {
	if t == nil {
		return nil
	}

	o.tick(ctx, name, t)

	tk := time.NewTicker(every)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			o.tick(ctx, name, t)
		}
	}
}

// tick 执行一轮并记录状态，错误只记日志
func (o *Orchestrator) tick(ctx context.Context, name string, t ticker) (n int, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.metrics.RecordPanic()
			o.log.Error("loop panicked", zap.String("loop", name), zap.Any("panic", r))
			err = errors.New("loop panicked")
		}
		o.record(name, start, n, err)
	}()

	n, err = t.Tick(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		o.log.Error("loop tick failed", zap.String("loop", name), zap.Error(err))
	} else if n > 0 {
		o.log.Debug("loop tick", zap.String("loop", name), zap.Int("processed", n))
	}
	return n, err
}

func (o *Orchestrator) record(name string, start time.Time, n int, err error) {
	o.metrics.RecordLoopRun(name, time.Since(start))

	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.status[name]
	if !ok {
		st = &LoopStatus{}
		o.status[name] = st
	}
	st.LastRun = start
	st.Runs++
	st.Processed += int64(n)
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
}
