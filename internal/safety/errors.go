package safety

import "errors"

var (
	// ErrPrivateAddress is returned by DialContext for private peers.
	ErrPrivateAddress = errors.New("private address refused")
	// ErrRateLimited is returned by RateLimiter.Wait when the required delay exceeds the cap.
	ErrRateLimited = errors.New("rate_limited")
)
