package httptransport

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/monitoring"
	"scambait/backend/internal/service"
)

// InteractionRecorder 按令牌记录一次交互，未命中时返回 false
type InteractionRecorder interface {
	RecordInteraction(ctx context.Context, token string, entry domain.Interaction) (bool, error)
}

var _ InteractionRecorder = (*service.ConversationService)(nil)

// TrackingHandler 追踪端点。
//
// 无论令牌是否命中、记录是否成功，响应都是同一个 302，对外不暴露任何差异。
type TrackingHandler struct {
	recorder    InteractionRecorder
	redirectURL string
	metrics     *monitoring.Metrics
	log         *zap.Logger
	now         func() time.Time
}

// NewTrackingHandler 创建追踪处理器
func NewTrackingHandler(recorder InteractionRecorder, redirectURL string, metrics *monitoring.Metrics, log *zap.Logger) *TrackingHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TrackingHandler{
		recorder:    recorder,
		redirectURL: redirectURL,
		metrics:     metrics,
		log:         log.Named("tracking"),
		now:         time.Now,
	}
}

// Track GET /:token
func (h *TrackingHandler) Track(c *gin.Context) {
	token := c.Param("token")

	if domain.LooksLikeToken(token) {
		matched, err := h.recorder.RecordInteraction(c.Request.Context(), token, domain.Interaction{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Timestamp: h.now().UTC(),
		})
		if err != nil {
			h.log.Error("failed to record interaction", zap.Error(err))
			h.metrics.RecordError("record_interaction", "tracking")
		}
		h.metrics.RecordTrackingHit(matched)
		if matched {
			h.log.Info("tracking token hit",
				zap.String("ip", c.ClientIP()),
				zap.String("user_agent", c.Request.UserAgent()))
		}
	} else {
		h.metrics.RecordTrackingHit(false)
	}

	c.Redirect(http.StatusFound, h.redirectURL)
}
