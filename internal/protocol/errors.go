package protocol

import "errors"

var (
	ErrInvalidMessage  = errors.New("protocol: invalid message")
	ErrMessageTooLarge = errors.New("protocol: message too large")
	ErrEmptyInput      = errors.New("protocol: empty input")
	ErrInvalidName     = errors.New("protocol: invalid name")
)
