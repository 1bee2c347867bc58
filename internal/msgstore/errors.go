package msgstore

import "errors"

var (
	ErrInvalidRequest       = errors.New("msgstore: invalid request")
	ErrDeviceNotFound       = errors.New("msgstore: sender device not found")
	ErrConversationNotFound = errors.New("msgstore: conversation not found")
	ErrNotAParticipant      = errors.New("msgstore: sender has no active participation")
)
