package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/storage"
)

const (
	probeToken   = "health_check"
	checkTimeout = 3 * time.Second
	// maxGoroutines 协程数超过该值时认为进程异常
	maxGoroutines = 10000
)

// Pinger 可探测连通性的外部依赖（如 Redis）
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	queue  storage.QueueStore
	redis  Pinger
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器，redis 可为 nil
func NewHealthChecker(store storage.Store, queue storage.QueueStore, redis Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		queue:  queue,
		redis:  redis,
		logger: logger.Named("health"),
	}
	hc.addChecks()
	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))

	hc.health.AddReadinessCheck("storage", healthcheck.Timeout(hc.checkStorage, checkTimeout))
	hc.health.AddReadinessCheck("queue", healthcheck.Timeout(hc.checkQueue, checkTimeout))
	if hc.redis != nil {
		hc.health.AddReadinessCheck("redis", healthcheck.Timeout(hc.checkRedis, checkTimeout))
	}
}

func (hc *HealthChecker) checkStorage() error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	_, err := hc.store.GetToken(ctx, probeToken)
	if err != nil && !errors.Is(err, domain.ErrTokenNotFound) {
		hc.logger.Warn("storage health check failed", zap.Error(err))
		return err
	}
	return nil
}

func (hc *HealthChecker) checkQueue() error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	if _, err := hc.queue.LoadQueue(ctx); err != nil {
		hc.logger.Warn("queue health check failed", zap.Error(err))
		return err
	}
	return nil
}

func (hc *HealthChecker) checkRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	if err := hc.redis.Ping(ctx); err != nil {
		hc.logger.Warn("redis health check failed", zap.Error(err))
		return err
	}
	return nil
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活探针
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪探针
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行全部就绪检查并返回可读结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	record := func(name string, err error) {
		if err != nil {
			results[name] = fmt.Sprintf("ERROR: %v", err)
			return
		}
		results[name] = "OK"
	}

	record("storage", hc.checkStorage())
	record("queue", hc.checkQueue())
	if hc.redis != nil {
		record("redis", hc.checkRedis())
	} else {
		results["redis"] = "NOT_AVAILABLE"
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}
