package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"scambait/backend/internal/domain"
	"scambait/backend/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息），按顺序匹配
var errorMessages = []struct {
	err error
	msg string
}{
	{domain.ErrInvalidSender, "发件人地址无效"},
	{domain.ErrInvalidSubject, "邮件主题无效"},
	{domain.ErrInvalidBody, "邮件正文无效"},
	{domain.ErrConversationNotFound, "会话不存在"},
	{domain.ErrMessageNotFound, "邮件不存在"},
	{domain.ErrTokenNotFound, "令牌不存在"},
	{domain.ErrGenerationFailure, "回复生成失败"},
	{domain.ErrTransportFailure, "邮件通道调用失败"},
	{domain.ErrStorageCorruption, "存储数据损坏"},
}

// GetErrorMessage 获取错误的中文消息，支持包装过的错误
func GetErrorMessage(err error) string {
	for _, known := range errorMessages {
		if errors.Is(err, known.err) {
			return known.msg
		}
	}
	return MsgInternalError
}

// isInvalidInput 判断错误是否来自请求参数校验
func isInvalidInput(err error) bool {
	return errors.Is(err, domain.ErrInvalidSender) ||
		errors.Is(err, domain.ErrInvalidSubject) ||
		errors.Is(err, domain.ErrInvalidBody)
}

// RespondOutcome 写出控制操作的结果
//
// 只有请求参数无效时返回 400；找不到邮件、通道或生成失败等运行期问题
// 仍返回 200，结果里 status 为 failed 并附带 reason。
func RespondOutcome(c *gin.Context, okMsg, failMsg, sender string, result *service.ConversationStarted, err error) {
	if err == nil {
		SuccessWithMsg(c, okMsg, result)
		return
	}
	_ = c.Error(err)
	if isInvalidInput(err) {
		BadRequest(c, GetErrorMessage(err))
		return
	}
	SuccessWithMsg(c, failMsg, &service.ConversationStarted{
		Sender: sender,
		Status: service.StatusFailed,
		Reason: GetErrorMessage(err),
	})
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInvalidJSON    = "JSON格式错误"
	MsgInvalidLimit   = "limit 必须为非负整数"

	MsgConversationListFailed = "获取会话列表失败"

	MsgInternalError = "服务器内部错误，请稍后重试"
)
