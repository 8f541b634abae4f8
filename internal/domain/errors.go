package domain

import "errors"

var (
	// ErrConversationNotFound 会话不存在
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrMessageNotFound 邮件通道中找不到指定邮件
	ErrMessageNotFound = errors.New("message not found")
	// ErrTokenNotFound 令牌未绑定任何会话
	ErrTokenNotFound = errors.New("token not found")
	// ErrTransportFailure 邮件通道调用失败
	ErrTransportFailure = errors.New("transport failure")
	// ErrGenerationFailure 文本生成失败或返回空内容
	ErrGenerationFailure = errors.New("generation failure")
	// ErrStorageCorruption 持久化数据无法解析
	ErrStorageCorruption = errors.New("storage corruption")
	// ErrRevisionConflict 写入时记录已被并发修改
	ErrRevisionConflict = errors.New("revision conflict")
	// ErrInvalidTokenKind 不支持的令牌类型
	ErrInvalidTokenKind = errors.New("invalid token kind")
)

// IsNotFound 判断错误是否属于未找到类
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConversationNotFound) ||
		errors.Is(err, ErrMessageNotFound) ||
		errors.Is(err, ErrTokenNotFound)
}
