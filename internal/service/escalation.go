package service

// DefaultMinMessages 会话消息数达到该值后才考虑附加文档
const DefaultMinMessages = 4

// EscalationPolicy 决定回复是否附带追踪文档
type EscalationPolicy struct {
	minMessages int
	detector    TriggerDetector
}

// NewEscalationPolicy 创建升级策略，minMessages <= 0 时使用默认值
func NewEscalationPolicy(minMessages int, detector TriggerDetector) *EscalationPolicy {
	if minMessages <= 0 {
		minMessages = DefaultMinMessages
	}
	return &EscalationPolicy{minMessages: minMessages, detector: detector}
}

// ShouldEscalate 会话过短时总是 false，否则交给关键词检测
func (p *EscalationPolicy) ShouldEscalate(conversationLength int, text string) bool {
	if conversationLength < p.minMessages {
		return false
	}
	if p.detector == nil {
		return false
	}
	return p.detector.Detect(text)
}
