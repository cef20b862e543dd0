package conversation

import (
	"strings"

	"github.com/coveo-labs/barca-sports-assistant/internal/domain"
)

const maxTitleRunes = 50

// VisibleMessages returns the messages that belong in the rendered
// transcript. Synthetic auto-retry messages are always hidden. Ephemeral
// status and tool messages are hidden once a later non-ephemeral message
// supersedes them.
func VisibleMessages(msgs []domain.ConversationMessage) []domain.ConversationMessage {
	lastTerminal := -1
	for i, m := range msgs {
		if !m.Ephemeral && !m.IsAutoRetry && m.Role != domain.RoleUser {
			lastTerminal = i
		}
	}

	out := make([]domain.ConversationMessage, 0, len(msgs))
	for i, m := range msgs {
		if m.IsAutoRetry {
			continue
		}
		if m.Ephemeral && i < lastTerminal {
			continue
		}
		out = append(out, m)
	}
	return out
}

// RemoveLastError returns a copy of msgs without the single most recent
// message of kind error. The second result reports whether one was removed.
func RemoveLastError(msgs []domain.ConversationMessage) ([]domain.ConversationMessage, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind != domain.MessageKindError {
			continue
		}
		out := make([]domain.ConversationMessage, 0, len(msgs)-1)
		out = append(out, msgs[:i]...)
		out = append(out, msgs[i+1:]...)
		return out, true
	}
	return msgs, false
}

// DeriveTitle builds a short conversation label from the first user message.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.DefaultTitle
	}
	text = strings.ReplaceAll(text, "\r", "")
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes-3]) + "..."
	}
	return text
}

// HistoryFor returns the prior text turns of a record in the form the
// assistant backend expects. Ephemeral, error and auto-retry messages are
// not part of the history.
func HistoryFor(rec domain.ConversationRecord) []domain.InputMessage {
	var history []domain.InputMessage
	for _, m := range rec.Messages {
		if m.Ephemeral || m.IsAutoRetry || m.Kind == domain.MessageKindError {
			continue
		}
		if m.Role != domain.RoleUser && m.Role != domain.RoleAssistant {
			continue
		}
		if m.Content == "" {
			continue
		}
		history = append(history, domain.InputMessage{Role: m.Role, Content: m.Content})
	}
	return history
}
