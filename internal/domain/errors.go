package domain

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrSymbolNotSupported     = errors.New("symbol not supported")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrentUpdate       = errors.New("concurrent update conflict")
	ErrPersistenceFailure     = errors.New("persistence failure")
	ErrInvalidOrder           = errors.New("invalid order parameters")
	ErrOverfill               = errors.New("fill exceeds order target")
	ErrDuplicateOrder         = errors.New("duplicate order")
	ErrLaneFull               = errors.New("lane is full")
	ErrLaneClosed             = errors.New("lane is closed")
	ErrLockHeld               = errors.New("lock already held")
	ErrRateLimited            = errors.New("rate limited")
	ErrUnauthorized           = errors.New("unauthorized")
)
