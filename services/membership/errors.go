package membership

import "errors"

var (
	ErrUnknownUnit       = errors.New("membership: unknown duration unit")
	ErrUnknownMembership = errors.New("membership: not found")
)
