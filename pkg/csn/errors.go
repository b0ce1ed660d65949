package csn

import "errors"

var (
	// ErrInvalidCSN is returned when a CSN cannot be decoded.
	ErrInvalidCSN = errors.New("invalid CSN")
)
