package consts

import "errors"

var (
	ErrNotPermitted = errors.New("operation not permitted")

	ErrWaitSetNotFound  = errors.New("waitset not found")
	ErrWaitSetDestroyed = errors.New("waitset has been destroyed")
	ErrInvalidSequence  = errors.New("invalid sequence number")
	ErrInvalidInterest  = errors.New("invalid interest type")
	ErrNotAllAccounts   = errors.New("waitset is not an all-accounts waitset")

	ErrResyncFailed         = errors.New("waitset resync failed")
	ErrResyncBufferOverflow = errors.New("too many commits buffered during resync")

	ErrSessionNotFound = errors.New("session not found")
)
