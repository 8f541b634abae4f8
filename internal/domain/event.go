package domain

import "time"

// EventType 会话事件类型
type EventType string

const (
	EventMessageReceived     EventType = "message_received"
	EventReplyScheduled      EventType = "reply_scheduled"
	EventReplySent           EventType = "reply_sent"
	EventReplyFailed         EventType = "reply_failed"
	EventEscalated           EventType = "escalated"
	EventTokenIssued         EventType = "token_issued"
	EventInteractionRecorded EventType = "interaction_recorded"
)

// Event 推送给操作员的会话事件
type Event struct {
	Type           EventType              `json:"type"`
	ConversationID string                 `json:"conversationId,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
}
