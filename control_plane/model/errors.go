package model

import "errors"

// Validation errors returned synchronously by the registry, pool and scheduler.
// Callers match them with errors.Is; implementations wrap them with context.
var (
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrNoProxyAvailable     = errors.New("no proxy available")
	ErrWarmupIncomplete     = errors.New("warmup incomplete")
	ErrProxyStillBound      = errors.New("proxy still bound")
	ErrDuplicateProxy       = errors.New("duplicate proxy")
	ErrNoEligibleProxy      = errors.New("no eligible proxy")
	ErrAccountNotExecutable = errors.New("account not executable")
	ErrActionNotCancellable = errors.New("action not cancellable")

	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrProxyInUse      = errors.New("proxy has bound accounts")
	ErrQueueFull       = errors.New("scheduler queue is full")
)
