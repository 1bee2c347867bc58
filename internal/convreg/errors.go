package convreg

import "errors"

var (
	ErrInvalidRequest       = errors.New("convreg: invalid request")
	ErrConversationNotFound = errors.New("convreg: conversation not found")
	ErrUserNotFound         = errors.New("convreg: user not found")
	ErrParticipantExists    = errors.New("convreg: active participant already exists")
	ErrNotAParticipant      = errors.New("convreg: no active participation")
)
