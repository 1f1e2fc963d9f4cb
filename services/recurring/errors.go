package recurring

import "errors"

var (
	ErrMalformedCorrelationToken = errors.New("malformed correlation token")
	ErrUnknownAgreement          = errors.New("unknown recurring agreement")
	ErrUnknownContribution       = errors.New("unknown contribution")
	ErrDuplicateTransaction      = errors.New("duplicate transaction")
	ErrPersistence               = errors.New("persistence failure")
	ErrConfiguration             = errors.New("configuration error")
)
