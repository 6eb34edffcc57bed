package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrMalformed       = errors.New("malformed")
	ErrOutOfOrder      = errors.New("observation older than last folded")
	ErrExcluded        = errors.New("address excluded")
	ErrWSDisconnect    = errors.New("websocket disconnected")
	ErrQueueClosed     = errors.New("queue closed")
	ErrPermanent       = errors.New("permanent delivery failure")
	ErrDestinationDown = errors.New("destination unavailable")
	ErrLockHeld        = errors.New("lock held elsewhere")
)
