package protocol

import "errors"

var (
	ErrInvalidLength   = errors.New("protocol: invalid length")
	ErrUnknownCommand  = errors.New("protocol: unknown command")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrNotStaged       = errors.New("protocol: payload is not a staged file")
)
