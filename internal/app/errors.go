package app

import "errors"

var (
	// ErrNotFound is returned by store mutations that matched no row.
	ErrNotFound = errors.New("not found")

	// ErrReauthRequired means the connection's refresh token was rejected
	// (revoked grant). The specialist must reconnect; sync for other
	// connections continues.
	ErrReauthRequired = errors.New("reauthorization required")

	// ErrRateLimited means the provider returned 429 for this operation.
	// The caller backs off for a cooldown window instead of retrying
	// every cycle.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrProviderNotConfigured means OAuth credentials for the provider
	// are absent from the environment; its connections are skipped.
	ErrProviderNotConfigured = errors.New("provider not configured")

	// ErrInvalidRange means a caller-supplied date range is malformed or
	// reversed. Maps to a 400 at the HTTP surface.
	ErrInvalidRange = errors.New("invalid date range")
)
