package assistant

import (
	"errors"
	"fmt"
)

// Stream failure codes.
const (
	CodeNetwork    = "network"
	CodeHTTPStatus = "http_status"
	CodeAborted    = "aborted"
	CodeMalformed  = "malformed"
	CodeBackend    = "backend"
)

// StreamError describes a failed conversation stream.
type StreamError struct {
	Code        string
	Status      int    // HTTP status for http_status
	BackendCode string // code of the backend error event
	Message     string
}

func (e *StreamError) Error() string {
	switch e.Code {
	case CodeHTTPStatus:
		return fmt.Sprintf("assistant returned status %d: %s", e.Status, e.Message)
	case CodeBackend:
		return fmt.Sprintf("assistant error %s: %s", e.BackendCode, e.Message)
	default:
		return fmt.Sprintf("assistant stream %s: %s", e.Code, e.Message)
	}
}

// UserMessage is the text shown to the user for this failure.
func (e *StreamError) UserMessage() string {
	switch e.Code {
	case CodeNetwork:
		return "Unable to reach the assistant. Check your connection and try again."
	case CodeHTTPStatus:
		if e.Status == 429 {
			return "The assistant is busy right now. Please try again in a moment."
		}
		return fmt.Sprintf("The assistant is unavailable right now (status %d).", e.Status)
	case CodeAborted:
		return "The response was interrupted before it finished."
	case CodeMalformed:
		return "Received an unreadable response from the assistant."
	default:
		if e.Message != "" {
			return e.Message
		}
		return "The assistant ran into a problem."
	}
}

// UserMessage returns the user-facing text for any stream failure.
func UserMessage(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.UserMessage()
	}
	return "Something went wrong while talking to the assistant."
}

// Code returns the failure code of err, or the empty string.
func Code(err error) string {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
