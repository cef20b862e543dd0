package domain

// InputMessage represents a message sent to the assistant backend.
type InputMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamRequest is the conversation payload posted to the assistant backend.
type StreamRequest struct {
	SessionID   string            `json:"session_id,omitempty"`
	LocalID     string            `json:"conversation_id"`
	Message     InputMessage      `json:"message"`
	History     []InputMessage    `json:"history,omitempty"`
	IsAutoRetry bool              `json:"is_auto_retry,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// StreamSnapshot is the observable state of a conversation's streaming controller.
type StreamSnapshot struct {
	LocalID     string      `json:"local_id"`
	SessionID   string      `json:"session_id,omitempty"`
	State       StreamState `json:"state"`
	IsStreaming bool        `json:"is_streaming"`
	StreamError string      `json:"stream_error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
}

// CreateConversationRequest represents a request to start a new conversation.
type CreateConversationRequest struct {
	Title string `json:"title,omitempty"`
}

// SendMessageRequest represents a manual send from the user.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse is returned once a send has been accepted.
type SendMessageResponse struct {
	LocalID string         `json:"local_id"`
	Stream  StreamSnapshot `json:"stream"`
}

// ReconcileRequest carries server-provided conversation summaries.
type ReconcileRequest struct {
	Conversations []ConversationRecord `json:"conversations"`
}

// ListConversationsResponse lists conversations, most recent first.
type ListConversationsResponse struct {
	Conversations []ConversationRecord `json:"conversations"`
}

// ConversationView is a conversation with its visible transcript and stream state.
type ConversationView struct {
	Conversation    ConversationRecord    `json:"conversation"`
	VisibleMessages []ConversationMessage `json:"visible_messages"`
	Stream          StreamSnapshot        `json:"stream"`
}

// UpdateFrame is pushed to WebSocket subscribers of a conversation.
type UpdateFrame struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
	ConversationView
}

// ClientFrame is accepted from WebSocket subscribers.
type ClientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// ErrorFrame is pushed to a WebSocket subscriber when a frame fails.
type ErrorFrame struct {
	Type    string `json:"type"`
	Ts      int64  `json:"ts"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried by ErrorFrame.
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeNotFound       = "not_found"
	ErrorCodeBusy           = "busy"
	ErrorCodeInternalError  = "internal_error"
)
