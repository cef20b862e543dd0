package domain

import "encoding/json"

// AssistantSSEEvent represents an SSE event from the assistant backend.
type AssistantSSEEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SessionEventData carries the session id assigned by the backend.
type SessionEventData struct {
	SessionID string `json:"session_id"`
}

// DeltaEventData is the data for a delta SSE event.
type DeltaEventData struct {
	Text string `json:"text"`
}

// StatusEventData is the data for a status SSE event.
type StatusEventData struct {
	Message string `json:"message"`
}

// ToolEventData is the data for a tool SSE event.
type ToolEventData struct {
	Name    string `json:"name"`
	Status  string `json:"status,omitempty"` // started, succeeded, failed
	Message string `json:"message,omitempty"`
}

// ProductsEventData is the data for a products SSE event.
type ProductsEventData struct {
	Products []Product `json:"products"`
}

// DoneEventData is the data for a done SSE event.
type DoneEventData struct {
	FinalMessage string `json:"final_message,omitempty"`
}

// ErrorEventData is the data for an error SSE event.
type ErrorEventData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
