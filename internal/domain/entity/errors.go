package entity

import "errors"

var (
	// Message errors
	ErrInvalidMessageID      = errors.New("invalid message id")
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrInvalidRole           = errors.New("invalid message role")

	// Conversation errors
	ErrInvalidOwnerID = errors.New("invalid owner id")

	// RequestRun errors
	ErrInvalidRunID = errors.New("invalid run id")

	// Session errors
	ErrInvalidSessionID = errors.New("invalid session id")
)
