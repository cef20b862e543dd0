// Package domain defines the core domain models for the shopping assistant gateway.
package domain

// Role represents who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageKind determines how a message is rendered and filtered.
type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindStatus   MessageKind = "status"
	MessageKindTool     MessageKind = "tool"
	MessageKindProducts MessageKind = "products"
	MessageKindError    MessageKind = "error"
)

// StreamState represents the state of a conversation's streaming controller.
type StreamState string

const (
	StreamStateIdle      StreamState = "idle"
	StreamStateStreaming StreamState = "streaming"
	StreamStateError     StreamState = "error"
)

// Assistant backend SSE event names.
const (
	EventSession  = "session"
	EventDelta    = "delta"
	EventStatus   = "status"
	EventTool     = "tool"
	EventProducts = "products"
	EventDone     = "done"
	EventError    = "error"
)

// Live update frame types pushed to WebSocket subscribers.
const (
	FrameConversationUpdated = "conversation_updated"
	FrameError               = "error"
)

// Frame types accepted from WebSocket subscribers.
const (
	FrameSendMessage = "send_message"
	FrameCancel      = "cancel"
)

// AutoRetryContent is the literal content of a synthetic continuation message.
const AutoRetryContent = "continue"

// DefaultTitle is used when a conversation has no user message yet.
const DefaultTitle = "New conversation"
