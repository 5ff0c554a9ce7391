package model

import "errors"

var (
	// ErrServerNotFound is returned for an unknown serverId; the proxy maps
	// it to a 404 without touching the upstream.
	ErrServerNotFound = errors.New("server not found")

	ErrToolNotFound = errors.New("tool not found")
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicatePayment marks an insert that lost to an existing row with
	// the same signature. Callers treat it as success.
	ErrDuplicatePayment = errors.New("payment already recorded")
)
