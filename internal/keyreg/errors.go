package keyreg

import "errors"

var (
	ErrInvalidRequest    = errors.New("keyreg: invalid request")
	ErrDeviceNotFound    = errors.New("keyreg: device not found")
	ErrIdentityKeyExists = errors.New("keyreg: identity key already published")
	ErrNoSignedPrekey    = errors.New("keyreg: no unexpired signed prekey")
	ErrNoPrekeyAvailable = errors.New("keyreg: one-time prekey pool empty")
)
