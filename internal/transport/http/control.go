package httptransport

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/service"
)

// ControlHandler 操作员控制面接口
type ControlHandler struct {
	control *service.ControlService
	log     *zap.Logger
}

// NewControlHandler 创建控制面处理器
func NewControlHandler(control *service.ControlService, log *zap.Logger) *ControlHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ControlHandler{control: control, log: log.Named("control_api")}
}

// StartConversation 回复对方已发来的邮件并建立会话
//
// POST /start_conversation {"sender": "...", "subject": "..."}，也接受 "email" 作为 sender
func (h *ControlHandler) StartConversation(c *gin.Context) {
	var req domain.StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	result, err := h.control.StartConversation(c.Request.Context(), req)
	if err != nil {
		h.log.Warn("start conversation failed",
			zap.String("sender", req.ResolvedSender()),
			zap.String("subject", req.Subject),
			zap.Error(err))
	}
	RespondOutcome(c, "会话已建立", "会话未建立", req.ResolvedSender(), result, err)
}

// SendFirstEmail 主动发出首封邮件
//
// POST /send_first_email {"sender": "...", "subject": "...", "body": "..."}
func (h *ControlHandler) SendFirstEmail(c *gin.Context) {
	var req domain.SendFirstEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidJSON)
		return
	}

	result, err := h.control.SendFirstEmail(c.Request.Context(), req)
	if err != nil {
		h.log.Warn("send first email failed",
			zap.String("sender", req.ResolvedSender()),
			zap.Error(err))
	}
	RespondOutcome(c, "邮件已发送", "邮件未发送", req.ResolvedSender(), result, err)
}

// Status GET /status
func (h *ControlHandler) Status(c *gin.Context) {
	Success(c, h.control.Status(c.Request.Context()))
}

// ListConversations GET /v1/conversations
func (h *ControlHandler) ListConversations(c *gin.Context) {
	summaries, err := h.control.ListConversations(c.Request.Context())
	if err != nil {
		h.log.Error("list conversations failed", zap.Error(err))
		InternalError(c, MsgConversationListFailed)
		return
	}
	Success(c, gin.H{
		"items": summaries,
		"total": len(summaries),
	})
}

// GetConversation GET /v1/conversations/:id?limit=N，limit 缺省或为 0 时返回全部消息
func (h *ControlHandler) GetConversation(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			BadRequest(c, MsgInvalidLimit)
			return
		}
		limit = n
	}

	conv, err := h.control.GetConversation(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		if domain.IsNotFound(err) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("get conversation failed", zap.String("conversation_id", c.Param("id")), zap.Error(err))
		InternalError(c, MsgInternalError)
		return
	}
	Success(c, conv)
}
