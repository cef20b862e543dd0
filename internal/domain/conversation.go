package domain

import "time"

// TimestampLayout is the fixed-width ISO-8601 layout used for record timestamps.
// Fixed width keeps lexicographic and numeric-aware ordering in agreement.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Now returns the current UTC time formatted with TimestampLayout.
func Now() string {
	return FormatTimestamp(time.Now())
}

// FormatTimestamp formats t with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a record timestamp. Any RFC 3339 value is accepted.
func ParseTimestamp(ts string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, ts)
}

// ConversationRecord is a locally durable unit of chat history.
type ConversationRecord struct {
	LocalID   string                `json:"local_id"`
	SessionID string                `json:"session_id,omitempty"` // empty until the backend assigns one
	Title     string                `json:"title"`
	CreatedAt string                `json:"created_at"`
	UpdatedAt string                `json:"updated_at"`
	Messages  []ConversationMessage `json:"messages"`
}

// ConversationMessage is one turn or event in an exchange.
type ConversationMessage struct {
	ID          string           `json:"id"`
	Role        Role             `json:"role"`
	Kind        MessageKind      `json:"kind"`
	Content     string           `json:"content"`
	Ephemeral   bool             `json:"ephemeral,omitempty"`
	IsAutoRetry bool             `json:"is_auto_retry,omitempty"`
	Metadata    *MessageMetadata `json:"metadata,omitempty"`
	CreatedAt   string           `json:"created_at,omitempty"`
}

// MessageMetadata holds optional attachments of a message.
type MessageMetadata struct {
	Products        []Product        `json:"products,omitempty"`
	ThinkingUpdates []ThinkingUpdate `json:"thinking_updates,omitempty"`
}

// Product is a catalog entity attached to an assistant message.
type Product struct {
	ID       string  `json:"id"`
	Handle   string  `json:"handle,omitempty"`
	Title    string  `json:"title"`
	Vendor   string  `json:"vendor,omitempty"`
	Price    float64 `json:"price,omitempty"`
	Currency string  `json:"currency,omitempty"`
	ImageURL string  `json:"image_url,omitempty"`
	URL      string  `json:"url,omitempty"`
}

// ThinkingUpdate is an intermediate status or tool event captured while a
// response is being generated.
type ThinkingUpdate struct {
	ID        string      `json:"id"`
	Kind      MessageKind `json:"kind"` // status or tool
	ToolName  string      `json:"tool_name,omitempty"`
	Content   string      `json:"content"`
	CreatedAt string      `json:"created_at"`
}

// Clone returns a copy of the record whose message slice can be modified
// without affecting r.
func (r ConversationRecord) Clone() ConversationRecord {
	out := r
	if r.Messages != nil {
		out.Messages = make([]ConversationMessage, len(r.Messages))
		for i, m := range r.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the message.
func (m ConversationMessage) Clone() ConversationMessage {
	out := m
	if m.Metadata != nil {
		md := MessageMetadata{}
		if m.Metadata.Products != nil {
			md.Products = append([]Product(nil), m.Metadata.Products...)
		}
		if m.Metadata.ThinkingUpdates != nil {
			md.ThinkingUpdates = append([]ThinkingUpdate(nil), m.Metadata.ThinkingUpdates...)
		}
		out.Metadata = &md
	}
	return out
}

// LastMessage returns a pointer to the last message of the record, or nil.
func (r *ConversationRecord) LastMessage() *ConversationMessage {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}
