package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolStopped 协程池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool 协程池
//
// 用于限制并发协程数量，派发循环用它控制同时进行的回复数
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	log        *zap.Logger
	onPanic    func()

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
//   - log: 任务 panic 时记录日志
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		log:        log,
	}
}

// OnPanic 设置任务 panic 时的回调（用于指标统计）
func (p *WorkerPool) OnPanic(fn func()) {
	p.onPanic = fn
}

// Size 返回最大协程数
func (p *WorkerPool) Size() int {
	return p.maxWorkers
}

// Start 启动协程池
//
// 工作协程只在 Stop 关闭任务队列后退出，退出前会执行完队列中剩余的任务
func (p *WorkerPool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位或 ctx 结束
func (p *WorkerPool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满，立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止接收新任务，等待已提交任务执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(task)
	}
}

// run 执行任务并捕获 panic
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker task panicked", zap.Any("panic", r))
			if p.onPanic != nil {
				p.onPanic()
			}
		}
	}()
	task()
}
