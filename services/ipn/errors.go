package ipn

import "errors"

var (
	ErrUnknownProcessor = errors.New("unknown payment processor")
	ErrUnknownLog       = errors.New("unknown notification log")
)
