package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scambait/backend/internal/ai"
	"scambait/backend/internal/config"
	"scambait/backend/internal/domain"
	"scambait/backend/internal/health"
	"scambait/backend/internal/logger"
	"scambait/backend/internal/monitoring"
	"scambait/backend/internal/render"
	"scambait/backend/internal/service"
	httptransport "scambait/backend/internal/transport/http"
	"scambait/backend/internal/websocket"
)

// main 启动控制 API、追踪端点与收件/派发两个后台循环。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting scambait server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.String("transport", cfg.Transport.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("queue", cfg.Queue.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer st.Close()

	// 持久化数据损坏时拒绝启动
	if err := st.verify(ctx); err != nil {
		if errors.Is(err, domain.ErrStorageCorruption) {
			log.Fatal("storage is corrupted, refusing to start", zap.Error(err))
		}
		log.Fatal("failed to read storage", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(st.store, st.queue, pingerOrNil(st), log)

	transport, err := newTransport(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize mail transport", zap.Error(err))
	}

	generator := ai.NewClient(ai.Options{
		BaseURL: cfg.Generation.BaseURL,
		APIKey:  cfg.Generation.APIKey,
		Model:   cfg.Generation.Model,
		Timeout: cfg.Generation.Timeout,
	}, log.Named("ai"))
	if !generator.IsConfigured() {
		log.Warn("generation API key is not set, replies will fail until configured")
	}

	renderer, err := render.NewRenderer(cfg.Render.OutputDir, log.Named("render"))
	if err != nil {
		log.Fatal("failed to initialize document renderer", zap.Error(err))
	}

	detector, err := newDetector(cfg)
	if err != nil {
		log.Fatal("failed to initialize trigger detector", zap.Error(err))
	}

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, log)

	runtime, err := service.NewRuntime(service.RuntimeDeps{
		Config:      cfg,
		Log:         log,
		Metrics:     metrics,
		Store:       st.store,
		Queue:       st.queue,
		Transport:   transport,
		Generator:   generator,
		Renderer:    renderer,
		Detector:    detector,
		Events:      wsHub,
		SelfAddress: cfg.Transport.SMTP.From,
	})
	if err != nil {
		log.Fatal("failed to assemble runtime", zap.Error(err))
	}
	if err := runtime.Prepare(ctx); err != nil {
		if errors.Is(err, domain.ErrStorageCorruption) {
			log.Fatal("storage is corrupted, refusing to start", zap.Error(err))
		}
		log.Fatal("failed to prepare runtime", zap.Error(err))
	}

	deps := httptransport.RouterDependencies{
		Config:        cfg,
		Control:       runtime.Control,
		Conversations: runtime.Conversations,
		Health:        healthChecker,
		WebSocketHub:  wsHub,
		Metrics:       metrics,
		Logger:        log,
	}

	controlServer := newHTTPServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), httptransport.NewRouter(deps))
	trackingServer := newHTTPServer(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TrackingPort), httptransport.NewTrackingRouter(deps))

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting control API", zap.String("address", controlServer.Addr))
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("control API error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting tracking endpoint",
			zap.String("address", trackingServer.Addr),
			zap.String("base_url", cfg.Tracking.BaseURL),
		)
		if err := trackingServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("tracking endpoint error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info("starting intake and dispatcher loops",
			zap.Duration("intake_interval", cfg.Loops.IntakeInterval),
			zap.Duration("dispatch_interval", cfg.Loops.DispatchInterval),
		)
		return runtime.Run(groupCtx)
	})

	// 优雅关闭
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		runtime.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			log.Error("control API shutdown error", zap.Error(err))
		}
		if err := trackingServer.Shutdown(shutdownCtx); err != nil {
			log.Error("tracking endpoint shutdown error", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// pingerOrNil 避免把 nil *redis.Client 作为非 nil 接口传入
func pingerOrNil(st *stores) health.Pinger {
	if st.redis == nil {
		return nil
	}
	return st.redis
}
