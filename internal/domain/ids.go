package domain

import "github.com/google/uuid"

// NewLocalID returns a fresh conversation id.
func NewLocalID() string {
	return "conv_" + uuid.New().String()
}

// NewMessageID returns a fresh message id.
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}

// NewUpdateID returns a fresh thinking update id.
func NewUpdateID() string {
	return "upd_" + uuid.New().String()
}
