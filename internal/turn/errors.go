package turn

import "errors"

// Sentinel errors for the turn service. Only persistence failures are fatal
// to a turn that has already started streaming; the HTTP layer maps the
// others to status codes before any stream output.
var (
	// ErrForbidden indicates the thread belongs to another user.
	ErrForbidden = errors.New("thread owned by another user")

	// ErrThreadNotFound indicates the requested thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrRateLimited indicates the caller exceeded their request budget.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrEmptyMessage indicates the inbound message carried no content.
	ErrEmptyMessage = errors.New("message has no content")

	// ErrModel indicates the model provider failed mid-stream.
	ErrModel = errors.New("model call failed")

	// ErrPersist indicates the store rejected the turn's messages.
	ErrPersist = errors.New("persisting turn failed")
)
